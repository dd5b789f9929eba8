package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"MarketEscrow/internal/models"
	"MarketEscrow/internal/processor"
)

// fakeProcessor is an in-memory stand-in for the card processor. Each
// method can be primed to fail a number of times before succeeding.
type fakeProcessor struct {
	mu      sync.Mutex
	status  map[string]processor.IntentStatus
	nextRef int

	createCalls   int
	confirmCalls  int
	captureCalls  int
	refundCalls   int
	transferCalls int

	confirmTimeouts  int
	captureTimeouts  int
	refundTimeouts   int
	captureLands     bool // when true, a timed-out capture still landed
	transferErr      error
	createErr        error
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{status: map[string]processor.IntentStatus{}}
}

func (f *fakeProcessor) CreateIntent(ctx context.Context, amount int64, currency string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextRef++
	ref := fmt.Sprintf("pi_%d", f.nextRef)
	f.status[ref] = processor.IntentRequiresConfirmation
	return ref, nil
}

func (f *fakeProcessor) Confirm(ctx context.Context, ref string) (processor.IntentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls++
	if f.confirmTimeouts > 0 {
		f.confirmTimeouts--
		return "", context.DeadlineExceeded
	}
	status, ok := f.status[ref]
	if !ok {
		return "", errors.New("no such intent")
	}
	if status == processor.IntentRequiresConfirmation {
		status = processor.IntentAuthorized
		f.status[ref] = status
	}
	return status, nil
}

func (f *fakeProcessor) Capture(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captureCalls++
	if f.captureTimeouts > 0 {
		f.captureTimeouts--
		if f.captureLands {
			f.status[ref] = processor.IntentCaptured
		}
		return context.DeadlineExceeded
	}
	f.status[ref] = processor.IntentCaptured
	return nil
}

func (f *fakeProcessor) Refund(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	if f.refundTimeouts > 0 {
		f.refundTimeouts--
		return context.DeadlineExceeded
	}
	f.status[ref] = processor.IntentRefunded
	return nil
}

func (f *fakeProcessor) Transfer(ctx context.Context, ref, destination string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferCalls++
	return f.transferErr
}

type fakeIntentStore struct {
	orderIntents map[string]string
	offerIntents map[string]string
}

func newFakeIntentStore() *fakeIntentStore {
	return &fakeIntentStore{orderIntents: map[string]string{}, offerIntents: map[string]string{}}
}

func (f *fakeIntentStore) SetOrderIntent(ctx context.Context, orderID, ref string) error {
	f.orderIntents[orderID] = ref
	return nil
}

func (f *fakeIntentStore) SetOfferIntent(ctx context.Context, offerID, ref string) error {
	f.offerIntents[offerID] = ref
	return nil
}

func newCoordinator(p processor.Client) (*Coordinator, *fakeIntentStore) {
	st := newFakeIntentStore()
	return &Coordinator{Processor: p, Store: st, Timeout: 50 * time.Millisecond}, st
}

func testOrder() *models.Order {
	return &models.Order{
		OrderID:      "order-1",
		BuyerID:      "buyer-1",
		SellerID:     "seller-1",
		Amount:       10000,
		PlatformFee:  3000,
		SellerAmount: 7000,
		Currency:     "usd",
		Status:       models.OrderPendingPayment,
	}
}

func TestAuthorizeOrderStoresIntentRef(t *testing.T) {
	proc := newFakeProcessor()
	coord, store := newCoordinator(proc)
	order := testOrder()

	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if order.PaymentIntentRef == nil {
		t.Fatal("intent ref not set on order")
	}
	if store.orderIntents["order-1"] != *order.PaymentIntentRef {
		t.Fatalf("intent ref not persisted: %v", store.orderIntents)
	}
}

func TestAuthorizeOrderCreateFailureIsRetryable(t *testing.T) {
	proc := newFakeProcessor()
	proc.createErr = errors.New("card declined")
	coord, store := newCoordinator(proc)
	order := testOrder()

	err := coord.AuthorizeOrder(context.Background(), order)
	if !errors.Is(err, ErrAuthorizationFailed) {
		t.Fatalf("got %v, want ErrAuthorizationFailed", err)
	}
	if order.PaymentIntentRef != nil {
		t.Fatal("intent ref must not be set on failed create")
	}
	if len(store.orderIntents) != 0 {
		t.Fatal("nothing should be persisted on failed create")
	}

	// Buyer retries after the decline clears.
	proc.createErr = nil
	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestAuthorizeOrderReusesExistingIntent(t *testing.T) {
	proc := newFakeProcessor()
	coord, _ := newCoordinator(proc)
	order := testOrder()

	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("re-authorize failed: %v", err)
	}
	if proc.createCalls != 1 {
		t.Fatalf("create calls = %d, want 1 (existing intent reused)", proc.createCalls)
	}
}

func TestReleaseCapturesAndTransfersOnce(t *testing.T) {
	proc := newFakeProcessor()
	coord, _ := newCoordinator(proc)
	order := testOrder()

	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if err := coord.Release(context.Background(), order); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if proc.captureCalls != 1 || proc.transferCalls != 1 {
		t.Fatalf("capture=%d transfer=%d, want 1/1", proc.captureCalls, proc.transferCalls)
	}
}

func TestReleaseIdempotentCapture(t *testing.T) {
	proc := newFakeProcessor()
	coord, _ := newCoordinator(proc)
	order := testOrder()

	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if err := coord.Release(context.Background(), order); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	// A retried release must not charge the buyer a second time.
	if err := coord.Release(context.Background(), order); err != nil {
		t.Fatalf("second release failed: %v", err)
	}
	if proc.captureCalls != 1 {
		t.Fatalf("capture calls = %d, want 1", proc.captureCalls)
	}
}

func TestReleaseCaptureTimeoutResolvedByRequery(t *testing.T) {
	proc := newFakeProcessor()
	proc.captureTimeouts = 1
	proc.captureLands = true // the charge actually went through
	coord, _ := newCoordinator(proc)
	order := testOrder()

	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if err := coord.Release(context.Background(), order); err != nil {
		t.Fatalf("release should recover from capture timeout via re-query: %v", err)
	}
	if proc.captureCalls != 1 {
		t.Fatalf("capture calls = %d, want 1 (no blind retry)", proc.captureCalls)
	}
	if proc.transferCalls != 1 {
		t.Fatalf("transfer calls = %d, want 1", proc.transferCalls)
	}
}

func TestReleaseTransferFailureAfterCapture(t *testing.T) {
	proc := newFakeProcessor()
	proc.transferErr = errors.New("payout account frozen")
	coord, _ := newCoordinator(proc)
	order := testOrder()

	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	err := coord.Release(context.Background(), order)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if proc.captureCalls != 1 {
		t.Fatalf("capture calls = %d, want 1", proc.captureCalls)
	}
}

func TestRefundIsIdempotent(t *testing.T) {
	proc := newFakeProcessor()
	coord, _ := newCoordinator(proc)
	order := testOrder()

	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	ref := *order.PaymentIntentRef

	if err := coord.Refund(context.Background(), ref); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if err := coord.Refund(context.Background(), ref); err != nil {
		t.Fatalf("second refund failed: %v", err)
	}
	if proc.refundCalls != 1 {
		t.Fatalf("refund calls = %d, want 1", proc.refundCalls)
	}
}

func TestRefundTimeoutAmbiguous(t *testing.T) {
	proc := newFakeProcessor()
	coord, _ := newCoordinator(proc)
	order := testOrder()

	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	ref := *order.PaymentIntentRef

	// Refund times out and the intent still reports funds held: the outcome
	// is ambiguous and must be surfaced as such, not retried blindly.
	proc.refundTimeouts = 1
	err := coord.Refund(context.Background(), ref)
	if !errors.Is(err, ErrReconciliationAmbiguous) {
		t.Fatalf("got %v, want ErrReconciliationAmbiguous", err)
	}
	if proc.refundCalls != 1 {
		t.Fatalf("refund calls = %d, want 1 (no blind retry)", proc.refundCalls)
	}
}

func TestConfirmTimeoutRequeriesBeforeGivingUp(t *testing.T) {
	proc := newFakeProcessor()
	coord, _ := newCoordinator(proc)
	order := testOrder()

	if err := coord.AuthorizeOrder(context.Background(), order); err != nil {
		t.Fatalf("authorize failed: %v", err)
	}

	proc.confirmTimeouts = 1
	held, err := coord.FundsHeld(context.Background(), *order.PaymentIntentRef)
	if err != nil {
		t.Fatalf("funds-held check should recover via re-query: %v", err)
	}
	if !held {
		t.Fatal("funds should be reported held")
	}

	proc.confirmTimeouts = 2
	_, err = coord.FundsHeld(context.Background(), *order.PaymentIntentRef)
	if !errors.Is(err, ErrReconciliationAmbiguous) {
		t.Fatalf("got %v, want ErrReconciliationAmbiguous", err)
	}
}
