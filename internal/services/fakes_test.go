package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"MarketEscrow/internal/fees"
	"MarketEscrow/internal/models"
	"MarketEscrow/internal/processor"
	"MarketEscrow/internal/settlement"
)

// fakeStore keeps offers, orders and timeline events in memory and mimics
// the conditional-update discipline of the real store: updates only land
// while the stored status matches the expectation.
type fakeStore struct {
	mu     sync.Mutex
	offers map[string]*models.Offer
	orders map[string]*models.Order
	events map[string][]*models.TimelineEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		offers: map[string]*models.Offer{},
		orders: map[string]*models.Order{},
		events: map[string][]*models.TimelineEvent{},
	}
}

func (f *fakeStore) CreateOffer(ctx context.Context, offer *models.Offer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *offer
	f.offers[offer.OfferID] = &cp
	return nil
}

func (f *fakeStore) GetOffer(ctx context.Context, offerID string) (*models.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	offer, ok := f.offers[offerID]
	if !ok {
		return nil, fmt.Errorf("offer %s not found", offerID)
	}
	cp := *offer
	return &cp, nil
}

func (f *fakeStore) UpdateOffer(ctx context.Context, offer *models.Offer, expect models.OfferStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.offers[offer.OfferID]
	if !ok || current.Status != expect {
		return 0, nil
	}
	cp := *offer
	f.offers[offer.OfferID] = &cp
	return 1, nil
}

func (f *fakeStore) CreateOrder(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *order
	f.orders[order.OrderID] = &cp
	return nil
}

func (f *fakeStore) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	cp := *order
	return &cp, nil
}

func (f *fakeStore) UpdateOrder(ctx context.Context, order *models.Order, expect models.OrderStatus) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.orders[order.OrderID]
	if !ok || current.Status != expect {
		return 0, nil
	}
	cp := *order
	f.orders[order.OrderID] = &cp
	return 1, nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, ev *models.TimelineEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ev
	f.events[ev.OrderID] = append(f.events[ev.OrderID], &cp)
	return nil
}

func (f *fakeStore) ListEvents(ctx context.Context, orderID string) ([]*models.TimelineEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.events[orderID]
	out := make([]*models.TimelineEvent, len(events))
	copy(out, events)
	return out, nil
}

func (f *fakeStore) SetOrderIntent(ctx context.Context, orderID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	order.PaymentIntentRef = &ref
	return nil
}

func (f *fakeStore) SetOfferIntent(ctx context.Context, offerID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	offer, ok := f.offers[offerID]
	if !ok {
		return fmt.Errorf("offer %s not found", offerID)
	}
	offer.PaymentIntentRef = &ref
	return nil
}

func (f *fakeStore) eventTypes(orderID string) []models.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.EventType
	for _, ev := range f.events[orderID] {
		out = append(out, ev.EventType)
	}
	return out
}

func (f *fakeStore) countEvents(orderID string, eventType models.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events[orderID] {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// fakeProc is a minimal processor double. Confirm upgrades a fresh intent
// to authorized unless stuckConfirm is set.
type fakeProc struct {
	mu      sync.Mutex
	status  map[string]processor.IntentStatus
	nextRef int

	createErr    error
	transferErr  error
	stuckConfirm bool

	captureCalls  int
	refundCalls   int
	transferCalls int
}

func newFakeProc() *fakeProc {
	return &fakeProc{status: map[string]processor.IntentStatus{}}
}

func (f *fakeProc) CreateIntent(ctx context.Context, amount int64, currency string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextRef++
	ref := fmt.Sprintf("pi_%d", f.nextRef)
	f.status[ref] = processor.IntentRequiresConfirmation
	return ref, nil
}

func (f *fakeProc) Confirm(ctx context.Context, ref string) (processor.IntentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.status[ref]
	if !ok {
		return "", errors.New("no such intent")
	}
	if status == processor.IntentRequiresConfirmation && !f.stuckConfirm {
		status = processor.IntentAuthorized
		f.status[ref] = status
	}
	return status, nil
}

func (f *fakeProc) Capture(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureCalls++
	f.status[ref] = processor.IntentCaptured
	return nil
}

func (f *fakeProc) Refund(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	f.status[ref] = processor.IntentRefunded
	return nil
}

func (f *fakeProc) Transfer(ctx context.Context, ref, destination string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return f.transferErr
	}
	f.transferCalls++
	return nil
}

func (f *fakeProc) authorize(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[ref] = processor.IntentAuthorized
}

type env struct {
	store  *fakeStore
	proc   *fakeProc
	coord  *settlement.Coordinator
	orders *OrderService
	offers *OfferService
}

func newEnv() *env {
	store := newFakeStore()
	proc := newFakeProc()
	coord := &settlement.Coordinator{
		Processor: proc,
		Store:     store,
		Timeout:   100 * time.Millisecond,
	}
	orders := &OrderService{
		Store:        store,
		Fees:         fees.Calculator{Tiers: fees.DefaultTiers()},
		Settlement:   coord,
		Currency:     "usd",
		MaxRevisions: 3,
	}
	offers := &OfferService{
		Store:      store,
		Orders:     orders,
		Settlement: coord,
		TTL:        24 * time.Hour,
	}
	return &env{store: store, proc: proc, coord: coord, orders: orders, offers: offers}
}
