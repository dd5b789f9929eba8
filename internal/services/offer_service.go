package services

import (
	"context"
	"fmt"
	"time"

	"MarketEscrow/internal/models"
	"MarketEscrow/internal/settlement"

	"github.com/google/uuid"
)

// OfferStore is the persistence surface of the negotiation engine.
// UpdateOffer applies the write only while the stored status still equals
// expect.
type OfferStore interface {
	CreateOffer(ctx context.Context, offer *models.Offer) error
	GetOffer(ctx context.Context, offerID string) (*models.Offer, error)
	UpdateOffer(ctx context.Context, offer *models.Offer, expect models.OfferStatus) (int64, error)
}

// OfferService governs the proposed price before any order exists. Once an
// offer is paid its amount is frozen; acceptance hands over to the order
// state machine, rejection refunds the buyer in full.
type OfferService struct {
	Store      OfferStore
	Orders     *OrderService
	Settlement *settlement.Coordinator
	TTL        time.Duration

	locks keyedLocks
}

var legalOfferEvents = map[models.OfferStatus][]string{
	models.OfferPending:        {"pay", "cancel"},
	models.OfferPendingPayment: {"pay", "cancel"},
	models.OfferPaid:           {"accept", "reject"},
	models.OfferAccepted:       nil,
	models.OfferRejected:       nil,
	models.OfferCancelled:      nil,
	models.OfferExpired:        nil,
}

func offerTransitionError(offer *models.Offer, event string) error {
	return &TransitionError{
		Entity:  "offer",
		ID:      offer.OfferID,
		Current: string(offer.Status),
		Event:   event,
		Legal:   legalOfferEvents[offer.Status],
	}
}

type CreateOfferInput struct {
	ListingID string
	SellerID  string
	Amount    int64
	Message   string
	FeeTier   models.FeeTier
}

// CreateOffer opens a pending offer from the buyer to the seller.
func (s *OfferService) CreateOffer(ctx context.Context, buyerID string, in CreateOfferInput) (*models.Offer, error) {
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if buyerID == in.SellerID {
		return nil, fmt.Errorf("%w: cannot make an offer on own listing", ErrUnauthorized)
	}
	tier := in.FeeTier
	if tier == "" {
		tier = models.TierStandard
	}

	now := time.Now().UTC()
	offer := &models.Offer{
		OfferID:   uuid.NewString(),
		ListingID: in.ListingID,
		BuyerID:   buyerID,
		SellerID:  in.SellerID,
		Amount:    in.Amount,
		Message:   in.Message,
		FeeTier:   tier,
		Status:    models.OfferPending,
		ExpiresAt: now.Add(s.TTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.CreateOffer(ctx, offer); err != nil {
		return nil, err
	}
	return offer, nil
}

// PayOffer initiates payment for the offer. The transition to paid happens
// only once the processor confirms authorization; a pending confirmation
// leaves the offer in pending_payment for the reconciliation worker.
func (s *OfferService) PayOffer(ctx context.Context, offerID, actor string) (*models.Offer, error) {
	release := s.locks.acquire(offerID)
	defer release()

	offer, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if actor != offer.BuyerID {
		return nil, ErrUnauthorized
	}
	if err := s.expireIfDue(ctx, offer); err != nil {
		return nil, err
	}
	if offer.Status != models.OfferPending && offer.Status != models.OfferPendingPayment {
		return nil, offerTransitionError(offer, "pay")
	}

	if offer.Status == models.OfferPending {
		offer.Status = models.OfferPendingPayment
		offer.UpdatedAt = time.Now().UTC()
		if err := s.updateOffer(ctx, offer, models.OfferPending); err != nil {
			return nil, err
		}
	}

	if err := s.Settlement.AuthorizeOffer(ctx, offer); err != nil {
		return offer, err
	}
	if err := s.markOfferPaid(ctx, offer); err != nil {
		return offer, err
	}
	return offer, nil
}

// MarkOfferPaid applies a processor-confirmed authorization, driven by the
// worker or the processor event stream. Idempotent once the offer is paid.
func (s *OfferService) MarkOfferPaid(ctx context.Context, offerID string) (*models.Offer, error) {
	release := s.locks.acquire(offerID)
	defer release()

	offer, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Status == models.OfferPaid {
		return offer, nil
	}
	if offer.Status != models.OfferPendingPayment {
		return nil, offerTransitionError(offer, "payment_confirmed")
	}
	if offer.PaymentIntentRef == nil {
		return nil, fmt.Errorf("%w: offer %s has no payment intent", settlement.ErrAuthorizationFailed, offerID)
	}
	held, err := s.Settlement.FundsHeld(ctx, *offer.PaymentIntentRef)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: processor does not report funds held", settlement.ErrAuthorizationFailed)
	}
	if err := s.markOfferPaid(ctx, offer); err != nil {
		return nil, err
	}
	return offer, nil
}

func (s *OfferService) markOfferPaid(ctx context.Context, offer *models.Offer) error {
	// Amount is frozen from here on; nothing below paid may change it.
	offer.Status = models.OfferPaid
	offer.UpdatedAt = time.Now().UTC()
	return s.updateOffer(ctx, offer, models.OfferPendingPayment)
}

// AcceptOffer is the seller taking the deal: the paid offer materializes an
// order, and only then does the offer reach its terminal accepted status.
func (s *OfferService) AcceptOffer(ctx context.Context, offerID, actor string) (*models.Offer, *models.Order, error) {
	release := s.locks.acquire(offerID)
	defer release()

	offer, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	if actor != offer.SellerID {
		return nil, nil, ErrUnauthorized
	}
	if offer.Status != models.OfferPaid {
		return nil, nil, offerTransitionError(offer, "accept")
	}

	order, err := s.Orders.CreateFromOffer(ctx, offer)
	if err != nil {
		return nil, nil, err
	}

	offer.Status = models.OfferAccepted
	offer.UpdatedAt = time.Now().UTC()
	if err := s.updateOffer(ctx, offer, models.OfferPaid); err != nil {
		return nil, nil, err
	}
	return offer, order, nil
}

// RejectOffer declines a paid offer and refunds the buyer in full. No order
// is created. A failed refund leaves the offer paid so the rejection can be
// retried.
func (s *OfferService) RejectOffer(ctx context.Context, offerID, actor string) (*models.Offer, error) {
	release := s.locks.acquire(offerID)
	defer release()

	offer, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if actor != offer.SellerID {
		return nil, ErrUnauthorized
	}
	if offer.Status != models.OfferPaid {
		return nil, offerTransitionError(offer, "reject")
	}

	if offer.PaymentIntentRef != nil {
		if err := s.Settlement.Refund(ctx, *offer.PaymentIntentRef); err != nil {
			return nil, err
		}
	}

	offer.Status = models.OfferRejected
	offer.UpdatedAt = time.Now().UTC()
	if err := s.updateOffer(ctx, offer, models.OfferPaid); err != nil {
		return nil, err
	}
	return offer, nil
}

// CancelOffer withdraws an offer before the seller has accepted it. Only
// the buyer may cancel, and only before the offer is paid-and-accepted; a
// payment authorization that already went through is refunded.
func (s *OfferService) CancelOffer(ctx context.Context, offerID, actor string) (*models.Offer, error) {
	release := s.locks.acquire(offerID)
	defer release()

	offer, err := s.Store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if actor != offer.BuyerID {
		return nil, ErrUnauthorized
	}
	if offer.Status != models.OfferPending && offer.Status != models.OfferPendingPayment {
		return nil, offerTransitionError(offer, "cancel")
	}

	if offer.PaymentIntentRef != nil {
		held, err := s.Settlement.FundsHeld(ctx, *offer.PaymentIntentRef)
		if err != nil {
			return nil, err
		}
		if held {
			if err := s.Settlement.Refund(ctx, *offer.PaymentIntentRef); err != nil {
				return nil, err
			}
		}
	}

	expect := offer.Status
	offer.Status = models.OfferCancelled
	offer.UpdatedAt = time.Now().UTC()
	if err := s.updateOffer(ctx, offer, expect); err != nil {
		return nil, err
	}
	return offer, nil
}

func (s *OfferService) GetOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	return s.Store.GetOffer(ctx, offerID)
}

// expireIfDue lazily expires an overdue offer at the point of use; the
// worker sweep handles the rest. Paid offers do not expire.
func (s *OfferService) expireIfDue(ctx context.Context, offer *models.Offer) error {
	if offer.Status != models.OfferPending && offer.Status != models.OfferPendingPayment {
		return nil
	}
	if time.Now().UTC().Before(offer.ExpiresAt) {
		return nil
	}
	expect := offer.Status
	offer.Status = models.OfferExpired
	offer.UpdatedAt = time.Now().UTC()
	if err := s.updateOffer(ctx, offer, expect); err != nil {
		return err
	}
	return ErrOfferExpired
}

func (s *OfferService) updateOffer(ctx context.Context, offer *models.Offer, expect models.OfferStatus) error {
	affected, err := s.Store.UpdateOffer(ctx, offer, expect)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("offer %s: %w", offer.OfferID, ErrConflict)
	}
	return nil
}
