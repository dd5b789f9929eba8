package ledger

import (
	"testing"

	"MarketEscrow/internal/models"
)

func timeline(types ...models.EventType) []*models.TimelineEvent {
	events := make([]*models.TimelineEvent, 0, len(types))
	for _, t := range types {
		events = append(events, &models.TimelineEvent{OrderID: "order-1", EventType: t})
	}
	return events
}

func TestFoldFullLifecycle(t *testing.T) {
	cases := []struct {
		name         string
		events       []models.EventType
		want         models.OrderStatus
		wantReleased bool
	}{
		{
			name:   "created",
			events: []models.EventType{models.EventOrderCreated},
			want:   models.OrderPendingPayment,
		},
		{
			name: "happy path to completed",
			events: []models.EventType{
				models.EventOrderCreated, models.EventPaymentConfirmed,
				models.EventWorkStarted, models.EventDelivered,
				models.EventDeliveryAccepted, models.EventPaymentReleased,
			},
			want:         models.OrderCompleted,
			wantReleased: true,
		},
		{
			name: "revision loop then completed",
			events: []models.EventType{
				models.EventOrderCreated, models.EventPaymentConfirmed,
				models.EventWorkStarted, models.EventDelivered,
				models.EventRevisionRequested, models.EventDelivered,
				models.EventRevisionRequested, models.EventDelivered,
				models.EventDeliveryAccepted, models.EventPaymentReleased,
			},
			want:         models.OrderCompleted,
			wantReleased: true,
		},
		{
			name: "cancelled before payment",
			events: []models.EventType{
				models.EventOrderCreated, models.EventCancelled,
			},
			want: models.OrderCancelled,
		},
		{
			name: "disputed then administratively cancelled with refund",
			events: []models.EventType{
				models.EventOrderCreated, models.EventPaymentConfirmed,
				models.EventWorkStarted, models.EventDisputeOpened,
				models.EventCancelled, models.EventRefundIssued,
			},
			want: models.OrderCancelled,
		},
		{
			name: "transfer failure parks delivered order disputed",
			events: []models.EventType{
				models.EventOrderCreated, models.EventPaymentConfirmed,
				models.EventWorkStarted, models.EventDelivered,
				models.EventDisputeOpened,
			},
			want: models.OrderDisputed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Fold(timeline(tc.events...))
			if err != nil {
				t.Fatalf("fold failed: %v", err)
			}
			if got.Status != tc.want {
				t.Fatalf("fold = %s, want %s", got.Status, tc.want)
			}
			if got.PaymentReleased != tc.wantReleased {
				t.Fatalf("fold released = %t, want %t", got.PaymentReleased, tc.wantReleased)
			}
		})
	}
}

func TestFoldRejectsIllegalSequences(t *testing.T) {
	cases := []struct {
		name   string
		events []models.EventType
	}{
		{"empty timeline", nil},
		{"missing creation", []models.EventType{models.EventPaymentConfirmed}},
		{"delivery before payment", []models.EventType{models.EventOrderCreated, models.EventDelivered}},
		{"accept before delivery", []models.EventType{
			models.EventOrderCreated, models.EventPaymentConfirmed, models.EventDeliveryAccepted,
		}},
		{"release before completion", []models.EventType{
			models.EventOrderCreated, models.EventPaymentConfirmed, models.EventPaymentReleased,
		}},
		{"event after completion", []models.EventType{
			models.EventOrderCreated, models.EventPaymentConfirmed,
			models.EventWorkStarted, models.EventDelivered,
			models.EventDeliveryAccepted, models.EventWorkStarted,
		}},
		{"dispute before payment", []models.EventType{
			models.EventOrderCreated, models.EventDisputeOpened,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Fold(timeline(tc.events...)); err == nil {
				t.Fatal("expected fold error, got nil")
			}
		})
	}
}

func TestVerifyDetectsDrift(t *testing.T) {
	order := &models.Order{OrderID: "order-1", Status: models.OrderPaid}
	events := timeline(models.EventOrderCreated, models.EventPaymentConfirmed)

	if err := Verify(order, events); err != nil {
		t.Fatalf("verify failed on consistent order: %v", err)
	}

	order.Status = models.OrderDelivered
	if err := Verify(order, events); err == nil {
		t.Fatal("expected drift error, got nil")
	}
}

func TestVerifyDetectsReleasedDrift(t *testing.T) {
	order := &models.Order{OrderID: "order-1", Status: models.OrderCompleted, PaymentReleased: true}
	events := timeline(
		models.EventOrderCreated, models.EventPaymentConfirmed,
		models.EventWorkStarted, models.EventDelivered,
		models.EventDeliveryAccepted, models.EventPaymentReleased,
	)

	if err := Verify(order, events); err != nil {
		t.Fatalf("verify failed on consistent order: %v", err)
	}

	order.PaymentReleased = false
	if err := Verify(order, events); err == nil {
		t.Fatal("expected released drift error, got nil")
	}
}
