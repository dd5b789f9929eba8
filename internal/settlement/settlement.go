// Package settlement mediates between the order state machine and the
// external payment processor. It owns the payment intent linkage: intents
// are created, confirmed, captured, refunded and transferred here, and a
// transition to paid is only allowed on a processor-confirmed status, never
// on client-reported success.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MarketEscrow/internal/models"
	"MarketEscrow/internal/processor"
)

var (
	// ErrAuthorizationFailed means no funds were held; the buyer may retry.
	ErrAuthorizationFailed = errors.New("payment authorization failed")
	// ErrReconciliationAmbiguous means a processor call timed out and the
	// follow-up status query could not settle the outcome. Callers must
	// re-query later instead of retrying the mutation blindly.
	ErrReconciliationAmbiguous = errors.New("payment status ambiguous after processor timeout")
	// ErrCaptureFailed means the capture did not go through; funds remain
	// merely authorized and the order stays where it was.
	ErrCaptureFailed = errors.New("capture failed")
	// ErrTransferFailed means funds were captured but moving them to the
	// seller failed; the order must be parked for manual resolution rather
	// than cancelled, so the held funds are not lost silently.
	ErrTransferFailed = errors.New("transfer failed after capture")
)

// IntentStore persists the intent reference on the owning record. The
// coordinator is the sole writer of payment intent linkage.
type IntentStore interface {
	SetOrderIntent(ctx context.Context, orderID, intentRef string) error
	SetOfferIntent(ctx context.Context, offerID, intentRef string) error
}

type Coordinator struct {
	Processor processor.Client
	Store     IntentStore
	// Currency for offer-side intents; orders carry their own.
	Currency string
	// Timeout bounds every processor call. Zero means the default.
	Timeout time.Duration
}

const defaultTimeout = 5 * time.Second

func (c *Coordinator) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c *Coordinator) currency() string {
	if c.Currency == "" {
		return "usd"
	}
	return c.Currency
}

// confirm queries the intent status under the call timeout. A timed-out
// call is ambiguous: the status is re-queried once before giving up.
func (c *Coordinator) confirm(ctx context.Context, intentRef string) (processor.IntentStatus, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout())
	status, err := c.Processor.Confirm(cctx, intentRef)
	cancel()
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return "", err
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout())
	status, rerr := c.Processor.Confirm(rctx, intentRef)
	cancel()
	if rerr != nil {
		return "", fmt.Errorf("%w: %v", ErrReconciliationAmbiguous, rerr)
	}
	return status, nil
}

// AuthorizeOrder creates and confirms an intent for the order, persisting
// the reference before confirmation so a crash cannot orphan held funds.
// On failure the order keeps its pending_payment status and the buyer may
// retry.
func (c *Coordinator) AuthorizeOrder(ctx context.Context, order *models.Order) error {
	ref, err := c.ensureIntent(ctx, order.PaymentIntentRef, order.Amount, order.Currency, func(ref string) error {
		return c.Store.SetOrderIntent(ctx, order.OrderID, ref)
	})
	if err != nil {
		return err
	}
	order.PaymentIntentRef = &ref
	return c.confirmAuthorized(ctx, ref)
}

// AuthorizeOffer is the offer-side counterpart of AuthorizeOrder.
func (c *Coordinator) AuthorizeOffer(ctx context.Context, offer *models.Offer) error {
	ref, err := c.ensureIntent(ctx, offer.PaymentIntentRef, offer.Amount, c.currency(), func(ref string) error {
		return c.Store.SetOfferIntent(ctx, offer.OfferID, ref)
	})
	if err != nil {
		return err
	}
	offer.PaymentIntentRef = &ref
	return c.confirmAuthorized(ctx, ref)
}

func (c *Coordinator) ensureIntent(ctx context.Context, existing *string, amount int64, currency string, persist func(string) error) (string, error) {
	if existing != nil && *existing != "" {
		return *existing, nil
	}

	cctx, cancel := context.WithTimeout(ctx, c.timeout())
	ref, err := c.Processor.CreateIntent(cctx, amount, currency)
	cancel()
	if err != nil {
		// Nothing was persisted; an orphaned intent at the processor is
		// harmless and expires on its own.
		return "", fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}
	if err := persist(ref); err != nil {
		return "", err
	}
	return ref, nil
}

func (c *Coordinator) confirmAuthorized(ctx context.Context, intentRef string) error {
	status, err := c.confirm(ctx, intentRef)
	if err != nil {
		if errors.Is(err, ErrReconciliationAmbiguous) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
	}
	switch status {
	case processor.IntentAuthorized, processor.IntentCaptured:
		return nil
	default:
		return fmt.Errorf("%w: intent status %s", ErrAuthorizationFailed, status)
	}
}

// FundsHeld reports whether the intent currently holds buyer funds.
func (c *Coordinator) FundsHeld(ctx context.Context, intentRef string) (bool, error) {
	status, err := c.confirm(ctx, intentRef)
	if err != nil {
		return false, err
	}
	return status == processor.IntentAuthorized || status == processor.IntentCaptured, nil
}

// Release finalizes the charge and pays the seller: capture followed by a
// transfer of the seller's net amount. Capture is idempotent; an intent the
// processor already reports as captured is not captured again. A transfer
// failure after capture returns ErrTransferFailed so the caller can park
// the order instead of cancelling it.
func (c *Coordinator) Release(ctx context.Context, order *models.Order) error {
	if order.PaymentIntentRef == nil || *order.PaymentIntentRef == "" {
		return fmt.Errorf("%w: order %s has no payment intent", ErrCaptureFailed, order.OrderID)
	}
	ref := *order.PaymentIntentRef

	status, err := c.confirm(ctx, ref)
	if err != nil {
		return err
	}

	if status != processor.IntentCaptured {
		if status != processor.IntentAuthorized {
			return fmt.Errorf("%w: intent status %s", ErrCaptureFailed, status)
		}
		if err := c.capture(ctx, ref); err != nil {
			return err
		}
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout())
	err = c.Processor.Transfer(tctx, ref, order.SellerID, order.SellerAmount)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (c *Coordinator) capture(ctx context.Context, intentRef string) error {
	cctx, cancel := context.WithTimeout(ctx, c.timeout())
	err := c.Processor.Capture(cctx, intentRef)
	cancel()
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	// Timed out mid-capture: the charge may or may not have landed. Ask the
	// processor before concluding anything.
	status, cerr := c.confirm(ctx, intentRef)
	if cerr != nil {
		return fmt.Errorf("%w: capture timed out and status re-query failed", ErrReconciliationAmbiguous)
	}
	if status == processor.IntentCaptured {
		return nil
	}
	return fmt.Errorf("%w: capture timed out, intent status %s", ErrCaptureFailed, status)
}

// Refund returns the full held amount to the buyer. Partial refunds are not
// supported. Refunding an already-refunded or never-charged intent is a
// no-op, so retries are safe.
func (c *Coordinator) Refund(ctx context.Context, intentRef string) error {
	status, err := c.confirm(ctx, intentRef)
	if err != nil {
		return err
	}
	switch status {
	case processor.IntentRefunded:
		return nil
	case processor.IntentAuthorized, processor.IntentCaptured:
	default:
		// No funds were ever held.
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout())
	err = c.Processor.Refund(rctx, intentRef)
	cancel()
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status, cerr := c.confirm(ctx, intentRef)
	if cerr != nil {
		return fmt.Errorf("%w: refund timed out and status re-query failed", ErrReconciliationAmbiguous)
	}
	if status == processor.IntentRefunded {
		return nil
	}
	return fmt.Errorf("%w: refund timed out, intent status %s", ErrReconciliationAmbiguous, status)
}
