package fees

import (
	"errors"
	"fmt"

	"MarketEscrow/internal/models"
)

var ErrInvalidAmount = errors.New("amount must be a positive number of cents")

// Calculator splits an order amount between the platform and the seller.
// Tier rates are expressed in basis points so all arithmetic stays on
// integers; no floating point is used anywhere in the money path.
type Calculator struct {
	Tiers map[models.FeeTier]int64
}

// DefaultTiers returns the built-in rate table, used when the config file
// does not override fees.tiers.
func DefaultTiers() map[models.FeeTier]int64 {
	return map[models.FeeTier]int64{
		models.TierStandard:  3000,
		models.TierPremium:   2000,
		models.TierExclusive: 1500,
		models.TierHype:      1000,
	}
}

// Compute returns the platform fee and the seller's net amount for a given
// amount in minor currency units. The fee is rounded half up on integer
// cents; the seller amount is always the remainder, so that
// platformFee + sellerAmount == amount holds exactly.
func (c Calculator) Compute(amount int64, tier models.FeeTier) (platformFee, sellerAmount int64, err error) {
	if amount <= 0 {
		return 0, 0, ErrInvalidAmount
	}
	bps, ok := c.Tiers[tier]
	if !ok {
		return 0, 0, fmt.Errorf("unknown fee tier %q", tier)
	}
	if bps < 0 || bps > 10000 {
		return 0, 0, fmt.Errorf("fee tier %q has rate %d bps out of range", tier, bps)
	}
	platformFee = (amount*bps + 5000) / 10000
	sellerAmount = amount - platformFee
	return platformFee, sellerAmount, nil
}
