package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"MarketEscrow/internal/fees"
	"MarketEscrow/internal/ledger"
	"MarketEscrow/internal/models"
	"MarketEscrow/internal/settlement"

	"github.com/google/uuid"
)

// OrderStore is the persistence surface the state machine needs. UpdateOrder
// must apply the write only while the stored status still equals expect and
// report the number of rows changed, so a lost race surfaces as zero.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	UpdateOrder(ctx context.Context, order *models.Order, expect models.OrderStatus) (int64, error)
	AppendEvent(ctx context.Context, ev *models.TimelineEvent) error
	ListEvents(ctx context.Context, orderID string) ([]*models.TimelineEvent, error)
}

// OrderService owns the order lifecycle. It is the only writer of status,
// revisions and paymentReleased; every successful transition ends with a
// timeline append, so the stored status is always reproducible from the
// event sequence.
type OrderService struct {
	Store        OrderStore
	Fees         fees.Calculator
	Settlement   *settlement.Coordinator
	Currency     string
	MaxRevisions int

	locks keyedLocks
}

// legalOrderEvents lists the events accepted in each status, used to build
// rejection messages. Terminal statuses map to nil.
var legalOrderEvents = map[models.OrderStatus][]string{
	models.OrderPendingPayment: {"pay", "payment_confirmed", "cancel"},
	models.OrderPaid:           {"start_work", "open_dispute", "admin_cancel"},
	models.OrderProcessing:     {"start_work", "open_dispute", "admin_cancel"},
	models.OrderInProgress:     {"deliver", "open_dispute", "admin_cancel"},
	models.OrderDelivered:      {"accept_delivery", "request_revision", "admin_cancel"},
	models.OrderInRevision:     {"deliver", "admin_cancel"},
	models.OrderDisputed:       {"admin_cancel"},
	models.OrderCompleted:      nil,
	models.OrderCancelled:      nil,
}

func orderTransitionError(order *models.Order, event string) error {
	return &TransitionError{
		Entity:  "order",
		ID:      order.OrderID,
		Current: string(order.Status),
		Event:   event,
		Legal:   legalOrderEvents[order.Status],
	}
}

// CreateDirect opens a funded purchase without a preceding offer. The order
// is persisted in pending_payment first; if authorization fails the order
// is still returned together with the error so the buyer can retry payment
// on the same order.
func (s *OrderService) CreateDirect(ctx context.Context, buyerID, sellerID, listingID string, amount int64, tier models.FeeTier) (*models.Order, error) {
	if buyerID == sellerID {
		return nil, fmt.Errorf("%w: cannot purchase own listing", ErrUnauthorized)
	}
	order, err := s.buildOrder(buyerID, sellerID, listingID, nil, amount, tier)
	if err != nil {
		return nil, err
	}
	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, order.OrderID, models.EventOrderCreated, buyerID, map[string]any{
		"amount":        order.Amount,
		"platform_fee":  order.PlatformFee,
		"seller_amount": order.SellerAmount,
		"fee_tier":      string(tier),
	}); err != nil {
		return nil, err
	}

	if err := s.Settlement.AuthorizeOrder(ctx, order); err != nil {
		return order, err
	}
	if err := s.markPaid(ctx, order, models.SystemActor); err != nil {
		return order, err
	}
	return order, nil
}

// CreateFromOffer materializes an order for an accepted offer. The offer's
// funds were already authorized during payOffer; the processor status is
// still verified here rather than trusted.
func (s *OrderService) CreateFromOffer(ctx context.Context, offer *models.Offer) (*models.Order, error) {
	order, err := s.buildOrder(offer.BuyerID, offer.SellerID, offer.ListingID, &offer.OfferID, offer.Amount, offer.FeeTier)
	if err != nil {
		return nil, err
	}
	order.PaymentIntentRef = offer.PaymentIntentRef

	if err := s.Store.CreateOrder(ctx, order); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, order.OrderID, models.EventOrderCreated, offer.SellerID, map[string]any{
		"offer_id":      offer.OfferID,
		"amount":        order.Amount,
		"platform_fee":  order.PlatformFee,
		"seller_amount": order.SellerAmount,
		"fee_tier":      string(offer.FeeTier),
	}); err != nil {
		return nil, err
	}

	if order.PaymentIntentRef == nil {
		return order, fmt.Errorf("%w: offer %s has no payment intent", settlement.ErrAuthorizationFailed, offer.OfferID)
	}
	held, err := s.Settlement.FundsHeld(ctx, *order.PaymentIntentRef)
	if err != nil {
		return order, err
	}
	if !held {
		return order, fmt.Errorf("%w: offer funds no longer held", settlement.ErrAuthorizationFailed)
	}
	if err := s.markPaid(ctx, order, models.SystemActor); err != nil {
		return order, err
	}
	return order, nil
}

func (s *OrderService) buildOrder(buyerID, sellerID, listingID string, offerID *string, amount int64, tier models.FeeTier) (*models.Order, error) {
	platformFee, sellerAmount, err := s.Fees.Compute(amount, tier)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &models.Order{
		OrderID:      uuid.NewString(),
		BuyerID:      buyerID,
		SellerID:     sellerID,
		ListingID:    listingID,
		OfferID:      offerID,
		Amount:       amount,
		PlatformFee:  platformFee,
		SellerAmount: sellerAmount,
		Currency:     s.Currency,
		Status:       models.OrderPendingPayment,
		MaxRevisions: s.MaxRevisions,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

// PayOrder retries authorization for an order stuck in pending_payment.
// Only the buyer may pay.
func (s *OrderService) PayOrder(ctx context.Context, orderID, actor string) (*models.Order, error) {
	release := s.locks.acquire(orderID)
	defer release()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != order.BuyerID {
		return nil, ErrUnauthorized
	}
	if order.Status != models.OrderPendingPayment {
		return nil, orderTransitionError(order, "pay")
	}
	if err := s.Settlement.AuthorizeOrder(ctx, order); err != nil {
		return order, err
	}
	if err := s.markPaid(ctx, order, models.SystemActor); err != nil {
		return order, err
	}
	return order, nil
}

// PaymentConfirmed applies a processor-confirmed authorization to the
// order. It is driven by the reconciliation worker and the processor event
// stream, never by client input, and is idempotent for orders already past
// pending_payment.
func (s *OrderService) PaymentConfirmed(ctx context.Context, orderID string) (*models.Order, error) {
	release := s.locks.acquire(orderID)
	defer release()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderPendingPayment {
		// Already confirmed (or moved on); duplicate notifications are fine.
		return order, nil
	}
	if order.PaymentIntentRef == nil {
		return nil, fmt.Errorf("%w: order %s has no payment intent", settlement.ErrAuthorizationFailed, orderID)
	}
	held, err := s.Settlement.FundsHeld(ctx, *order.PaymentIntentRef)
	if err != nil {
		return nil, err
	}
	if !held {
		return nil, fmt.Errorf("%w: processor does not report funds held", settlement.ErrAuthorizationFailed)
	}
	if err := s.markPaid(ctx, order, models.SystemActor); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) markPaid(ctx context.Context, order *models.Order, actor string) error {
	now := time.Now().UTC()
	order.Status = models.OrderPaid
	order.PaidAt = &now
	order.UpdatedAt = now
	if err := s.update(ctx, order, models.OrderPendingPayment); err != nil {
		return err
	}
	return s.appendEvent(ctx, order.OrderID, models.EventPaymentConfirmed, actor, map[string]any{
		"intent_ref": deref(order.PaymentIntentRef),
	})
}

// StartWork moves a paid order into in_progress. Seller only.
func (s *OrderService) StartWork(ctx context.Context, orderID, actor string) (*models.Order, error) {
	release := s.locks.acquire(orderID)
	defer release()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != order.SellerID {
		return nil, ErrUnauthorized
	}
	if order.Status != models.OrderPaid && order.Status != models.OrderProcessing {
		return nil, orderTransitionError(order, "start_work")
	}

	expect := order.Status
	order.Status = models.OrderInProgress
	order.UpdatedAt = time.Now().UTC()
	if err := s.update(ctx, order, expect); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, orderID, models.EventWorkStarted, actor, nil); err != nil {
		return nil, err
	}
	return order, nil
}

// Deliver submits (or resubmits, after a revision request) the work. A
// delivery without a message is rejected.
func (s *OrderService) Deliver(ctx context.Context, orderID, actor, message string) (*models.Order, error) {
	release := s.locks.acquire(orderID)
	defer release()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != order.SellerID {
		return nil, ErrUnauthorized
	}
	if order.Status != models.OrderInProgress && order.Status != models.OrderInRevision {
		return nil, orderTransitionError(order, "deliver")
	}
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyDelivery
	}

	expect := order.Status
	now := time.Now().UTC()
	order.Status = models.OrderDelivered
	order.DeliveredAt = &now
	order.UpdatedAt = now
	if err := s.update(ctx, order, expect); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, orderID, models.EventDelivered, actor, map[string]any{
		"message": message,
	}); err != nil {
		return nil, err
	}
	return order, nil
}

// AcceptDelivery completes the order and releases the escrowed funds.
// Completion and paymentReleased are written in a single store update so a
// completed-but-unreleased order is never observable. If the transfer fails
// after capture, the order is parked in disputed with the funds still held.
func (s *OrderService) AcceptDelivery(ctx context.Context, orderID, actor string) (*models.Order, error) {
	release := s.locks.acquire(orderID)
	defer release()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != order.BuyerID {
		return nil, ErrUnauthorized
	}
	if order.Status != models.OrderDelivered {
		return nil, orderTransitionError(order, "accept_delivery")
	}

	if err := s.Settlement.Release(ctx, order); err != nil {
		if errors.Is(err, settlement.ErrTransferFailed) {
			if perr := s.parkDisputed(ctx, order, err); perr != nil {
				return nil, perr
			}
		}
		return nil, err
	}

	now := time.Now().UTC()
	order.Status = models.OrderCompleted
	order.PaymentReleased = true
	order.CompletedAt = &now
	order.UpdatedAt = now
	if err := s.update(ctx, order, models.OrderDelivered); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, orderID, models.EventDeliveryAccepted, actor, nil); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, orderID, models.EventPaymentReleased, models.SystemActor, map[string]any{
		"captured_amount":    order.Amount,
		"transferred_amount": order.SellerAmount,
		"intent_ref":         deref(order.PaymentIntentRef),
	}); err != nil {
		return nil, err
	}
	return order, nil
}

// parkDisputed freezes an order whose funds were captured but could not be
// transferred. Cancelling here would lose track of held money; manual
// resolution is required.
func (s *OrderService) parkDisputed(ctx context.Context, order *models.Order, cause error) error {
	expect := order.Status
	order.Status = models.OrderDisputed
	order.UpdatedAt = time.Now().UTC()
	if err := s.update(ctx, order, expect); err != nil {
		return err
	}
	return s.appendEvent(ctx, order.OrderID, models.EventDisputeOpened, models.SystemActor, map[string]any{
		"reason": cause.Error(),
	})
}

// RequestRevision sends delivered work back to the seller. A request beyond
// maxRevisions is rejected outright and the order stays delivered.
func (s *OrderService) RequestRevision(ctx context.Context, orderID, actor, message string) (*models.Order, error) {
	release := s.locks.acquire(orderID)
	defer release()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != order.BuyerID {
		return nil, ErrUnauthorized
	}
	if order.Status != models.OrderDelivered {
		return nil, orderTransitionError(order, "request_revision")
	}
	if order.Revisions >= order.MaxRevisions {
		return nil, fmt.Errorf("%w: %d of %d used", ErrRevisionLimitExceeded, order.Revisions, order.MaxRevisions)
	}

	order.Revisions++
	order.Status = models.OrderInRevision
	order.UpdatedAt = time.Now().UTC()
	if err := s.update(ctx, order, models.OrderDelivered); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, orderID, models.EventRevisionRequested, actor, map[string]any{
		"message":  message,
		"revision": order.Revisions,
	}); err != nil {
		return nil, err
	}
	return order, nil
}

// Cancel is the buyer's escape hatch before work is funded. If
// authorization already went through, the full amount is refunded exactly
// once; a failed refund aborts the cancellation.
func (s *OrderService) Cancel(ctx context.Context, orderID, actor string) (*models.Order, error) {
	release := s.locks.acquire(orderID)
	defer release()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != order.BuyerID {
		return nil, ErrUnauthorized
	}
	if order.Status != models.OrderPendingPayment {
		return nil, orderTransitionError(order, "cancel")
	}
	return s.cancel(ctx, order, actor, "cancelled by buyer")
}

// AdminCancel resolves a dispute (or abandons any non-terminal order) by
// cancelling it, refunding held funds in full.
func (s *OrderService) AdminCancel(ctx context.Context, orderID, reason string) (*models.Order, error) {
	release := s.locks.acquire(orderID)
	defer release()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, orderTransitionError(order, "admin_cancel")
	}
	if reason == "" {
		reason = "administrative cancel"
	}
	return s.cancel(ctx, order, models.SystemActor, reason)
}

func (s *OrderService) cancel(ctx context.Context, order *models.Order, actor, reason string) (*models.Order, error) {
	refunded := false
	if order.PaymentIntentRef != nil && *order.PaymentIntentRef != "" {
		held, err := s.Settlement.FundsHeld(ctx, *order.PaymentIntentRef)
		if err != nil {
			return nil, err
		}
		if held {
			if err := s.Settlement.Refund(ctx, *order.PaymentIntentRef); err != nil {
				return nil, err
			}
			refunded = true
		}
	}

	expect := order.Status
	now := time.Now().UTC()
	order.Status = models.OrderCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now
	if err := s.update(ctx, order, expect); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, order.OrderID, models.EventCancelled, actor, map[string]any{
		"reason": reason,
	}); err != nil {
		return nil, err
	}
	if refunded {
		if err := s.appendEvent(ctx, order.OrderID, models.EventRefundIssued, models.SystemActor, map[string]any{
			"amount":     order.Amount,
			"intent_ref": deref(order.PaymentIntentRef),
		}); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// OpenDispute freezes an in-flight order pending external resolution.
// Either party may open one while work is funded but not yet delivered.
func (s *OrderService) OpenDispute(ctx context.Context, orderID, actor, reason string) (*models.Order, error) {
	release := s.locks.acquire(orderID)
	defer release()

	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if actor != order.BuyerID && actor != order.SellerID {
		return nil, ErrUnauthorized
	}
	switch order.Status {
	case models.OrderPaid, models.OrderProcessing, models.OrderInProgress:
	default:
		return nil, orderTransitionError(order, "open_dispute")
	}

	expect := order.Status
	order.Status = models.OrderDisputed
	order.UpdatedAt = time.Now().UTC()
	if err := s.update(ctx, order, expect); err != nil {
		return nil, err
	}
	if err := s.appendEvent(ctx, orderID, models.EventDisputeOpened, actor, map[string]any{
		"reason": reason,
	}); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.Store.GetOrder(ctx, orderID)
}

func (s *OrderService) Timeline(ctx context.Context, orderID string) ([]*models.TimelineEvent, error) {
	return s.Store.ListEvents(ctx, orderID)
}

// VerifyTimeline re-derives the order's status from its event sequence and
// reports any drift between the two.
func (s *OrderService) VerifyTimeline(ctx context.Context, orderID string) error {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	events, err := s.Store.ListEvents(ctx, orderID)
	if err != nil {
		return err
	}
	return ledger.Verify(order, events)
}

func (s *OrderService) update(ctx context.Context, order *models.Order, expect models.OrderStatus) error {
	affected, err := s.Store.UpdateOrder(ctx, order, expect)
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("order %s: %w", order.OrderID, ErrConflict)
	}
	return nil
}

func (s *OrderService) appendEvent(ctx context.Context, orderID string, eventType models.EventType, actor string, data map[string]any) error {
	payload := "{}"
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		payload = string(raw)
	}
	return s.Store.AppendEvent(ctx, &models.TimelineEvent{
		EventID:     uuid.NewString(),
		OrderID:     orderID,
		EventType:   eventType,
		PerformedBy: actor,
		EventData:   payload,
		CreatedAt:   time.Now().UTC(),
	})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
