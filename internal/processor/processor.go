// Package processor is the boundary to the external payment-card
// processor. The processor itself is a black box: the core only relies on
// the intent capabilities listed on Client and never trusts payment status
// that did not come from this boundary.
package processor

import "context"

type IntentStatus string

const (
	IntentRequiresConfirmation IntentStatus = "requires_confirmation"
	IntentAuthorized           IntentStatus = "authorized"
	IntentCaptured             IntentStatus = "captured"
	IntentRefunded             IntentStatus = "refunded"
	IntentFailed               IntentStatus = "failed"
)

type Client interface {
	// CreateIntent registers a charge for amount in minor units and returns
	// the processor's intent reference.
	CreateIntent(ctx context.Context, amount int64, currency string) (string, error)
	// Confirm attempts to confirm the intent and reports its current status.
	// Confirming an already-confirmed intent is a no-op on the processor
	// side, so Confirm doubles as the status re-query.
	Confirm(ctx context.Context, intentRef string) (IntentStatus, error)
	Capture(ctx context.Context, intentRef string) error
	Refund(ctx context.Context, intentRef string) error
	// Transfer moves captured funds to the seller's payout destination.
	Transfer(ctx context.Context, intentRef, destination string, amount int64) error
}
