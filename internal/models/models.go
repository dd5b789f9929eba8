package models

import "time"

type OfferStatus string

const (
	OfferPending        OfferStatus = "pending"
	OfferPendingPayment OfferStatus = "pending_payment"
	OfferPaid           OfferStatus = "paid"
	OfferAccepted       OfferStatus = "accepted"
	OfferRejected       OfferStatus = "rejected"
	OfferCancelled      OfferStatus = "cancelled"
	OfferExpired        OfferStatus = "expired"
)

// Terminal reports whether no further offer transitions are possible.
func (s OfferStatus) Terminal() bool {
	switch s {
	case OfferAccepted, OfferRejected, OfferCancelled, OfferExpired:
		return true
	}
	return false
}

type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPaid           OrderStatus = "paid"
	OrderProcessing     OrderStatus = "processing"
	OrderInProgress     OrderStatus = "in_progress"
	OrderDelivered      OrderStatus = "delivered"
	OrderInRevision     OrderStatus = "in_revision"
	OrderCompleted      OrderStatus = "completed"
	OrderCancelled      OrderStatus = "cancelled"
	OrderDisputed       OrderStatus = "disputed"
)

// Terminal reports whether the order has reached a final status. Disputed
// orders are frozen pending external resolution; only the administrative
// cancel path may move them.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

type FeeTier string

const (
	TierStandard  FeeTier = "standard"
	TierPremium   FeeTier = "premium"
	TierExclusive FeeTier = "exclusive"
	TierHype      FeeTier = "hype"
)

// SystemActor is recorded as the performer of transitions driven by the
// platform itself (payment confirmations, expiry, administrative cancels).
const SystemActor = "system"

type Offer struct {
	OfferID          string
	ListingID        string
	BuyerID          string
	SellerID         string
	Amount           int64
	Message          string
	FeeTier          FeeTier
	Status           OfferStatus
	PaymentIntentRef *string
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Order struct {
	OrderID          string
	BuyerID          string
	SellerID         string
	ListingID        string
	OfferID          *string
	Amount           int64
	PlatformFee      int64
	SellerAmount     int64
	Currency         string
	Status           OrderStatus
	Revisions        int
	MaxRevisions     int
	PaymentIntentRef *string
	PaymentReleased  bool
	CreatedAt        time.Time
	PaidAt           *time.Time
	DeliveredAt      *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
	UpdatedAt        time.Time
}

type EventType string

const (
	EventOrderCreated      EventType = "order_created"
	EventPaymentConfirmed  EventType = "payment_confirmed"
	EventWorkStarted       EventType = "work_started"
	EventDelivered         EventType = "delivered"
	EventRevisionRequested EventType = "revision_requested"
	EventDeliveryAccepted  EventType = "delivery_accepted"
	EventDisputeOpened     EventType = "dispute_opened"
	EventCancelled         EventType = "cancelled"
	EventPaymentReleased   EventType = "payment_released"
	EventRefundIssued      EventType = "refund_issued"
)

// TimelineEvent is an append-only fact about an order. Events are never
// edited or deleted; the order's current status must be reproducible as a
// fold over its event sequence.
type TimelineEvent struct {
	EventID     string
	OrderID     string
	EventType   EventType
	PerformedBy string
	EventData   string
	CreatedAt   time.Time
}
