// Package ledger defines the replay rules for an order's timeline. The
// timeline is append-only; replaying it from scratch must land on the
// order's stored status, which gives a standing consistency check over the
// state machine and the store.
package ledger

import (
	"fmt"

	"MarketEscrow/internal/models"
)

// statusAfter maps an event type to the status it leaves the order in,
// keyed by the statuses it may legally occur in. Settlement facts
// (payment_released, refund_issued) do not move the status.
var statusAfter = map[models.EventType]struct {
	from []models.OrderStatus
	to   models.OrderStatus
	keep bool
}{
	models.EventPaymentConfirmed: {
		from: []models.OrderStatus{models.OrderPendingPayment},
		to:   models.OrderPaid,
	},
	models.EventWorkStarted: {
		from: []models.OrderStatus{models.OrderPaid, models.OrderProcessing},
		to:   models.OrderInProgress,
	},
	models.EventDelivered: {
		from: []models.OrderStatus{models.OrderInProgress, models.OrderInRevision},
		to:   models.OrderDelivered,
	},
	models.EventRevisionRequested: {
		from: []models.OrderStatus{models.OrderDelivered},
		to:   models.OrderInRevision,
	},
	models.EventDeliveryAccepted: {
		from: []models.OrderStatus{models.OrderDelivered},
		to:   models.OrderCompleted,
	},
	models.EventDisputeOpened: {
		// delivered is a system source: a failed post-capture transfer
		// parks the order disputed for manual resolution.
		from: []models.OrderStatus{
			models.OrderPaid, models.OrderProcessing,
			models.OrderInProgress, models.OrderDelivered,
		},
		to: models.OrderDisputed,
	},
	models.EventCancelled: {
		from: []models.OrderStatus{
			models.OrderPendingPayment, models.OrderPaid, models.OrderProcessing,
			models.OrderInProgress, models.OrderDelivered, models.OrderInRevision,
			models.OrderDisputed,
		},
		to: models.OrderCancelled,
	},
	models.EventPaymentReleased: {
		from: []models.OrderStatus{models.OrderCompleted},
		keep: true,
	},
	models.EventRefundIssued: {
		from: []models.OrderStatus{models.OrderCancelled},
		keep: true,
	},
}

// State is the result of replaying a timeline from scratch.
type State struct {
	Status          models.OrderStatus
	PaymentReleased bool
}

// Fold replays a timeline from the empty state and returns the resulting
// order state. It fails on any sequence the state machine could not have
// produced.
func Fold(events []*models.TimelineEvent) (State, error) {
	var st State
	if len(events) == 0 {
		return st, fmt.Errorf("empty timeline")
	}
	if events[0].EventType != models.EventOrderCreated {
		return st, fmt.Errorf("timeline must start with %s, got %s", models.EventOrderCreated, events[0].EventType)
	}
	st.Status = models.OrderPendingPayment

	for _, ev := range events[1:] {
		rule, ok := statusAfter[ev.EventType]
		if !ok {
			return st, fmt.Errorf("unknown event type %s", ev.EventType)
		}
		legal := false
		for _, from := range rule.from {
			if st.Status == from {
				legal = true
				break
			}
		}
		if !legal {
			return st, fmt.Errorf("event %s cannot follow status %s", ev.EventType, st.Status)
		}
		if !rule.keep {
			st.Status = rule.to
		}
		if ev.EventType == models.EventPaymentReleased {
			st.PaymentReleased = true
		}
	}
	return st, nil
}

// Verify checks the reconstruction law: the stored status and
// payment_released flag of an order must equal the fold of its full
// timeline.
func Verify(order *models.Order, events []*models.TimelineEvent) error {
	folded, err := Fold(events)
	if err != nil {
		return fmt.Errorf("order %s: %w", order.OrderID, err)
	}
	if folded.Status != order.Status {
		return fmt.Errorf("order %s: stored status %s, timeline folds to %s", order.OrderID, order.Status, folded.Status)
	}
	if folded.PaymentReleased != order.PaymentReleased {
		return fmt.Errorf("order %s: stored payment_released %t, timeline folds to %t", order.OrderID, order.PaymentReleased, folded.PaymentReleased)
	}
	return nil
}
