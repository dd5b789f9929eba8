package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"MarketEscrow/internal/models"
	"MarketEscrow/internal/services"
	"MarketEscrow/internal/settlement"
	"MarketEscrow/internal/store"
)

// Worker sweeps overdue offers and reconciles pending_payment records
// against the processor. The event stream (ws.go) confirms most payments
// within seconds; the tick loop is the catch-all for anything the stream
// missed.
type Worker struct {
	Store      *store.Store
	Orders     *services.OrderService
	Offers     *services.OfferService
	WSEndpoint string
	Interval   time.Duration
}

func (w *Worker) Run(ctx context.Context) {
	go w.RunWS(ctx)
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		if err := w.SyncOnce(ctx); err != nil {
			log.Printf("sync error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) SyncOnce(ctx context.Context) error {
	expired, err := w.Store.MarkExpiredOffers(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if expired > 0 {
		log.Printf("expired offers=%d", expired)
	}

	if err := w.reconcileOrders(ctx); err != nil {
		return err
	}
	return w.reconcileOffers(ctx)
}

func (w *Worker) reconcileOrders(ctx context.Context) error {
	orders, err := w.Store.ListPendingPaymentOrders(ctx)
	if err != nil {
		return err
	}
	for _, order := range orders {
		updated, err := w.Orders.PaymentConfirmed(ctx, order.OrderID)
		if err != nil {
			logReconcileError("order", order.OrderID, err)
			continue
		}
		if updated.Status != models.OrderPendingPayment {
			log.Printf("order %s -> %s intent=%s", order.OrderID, updated.Status, deref(order.PaymentIntentRef))
		}
	}
	return nil
}

func (w *Worker) reconcileOffers(ctx context.Context) error {
	offers, err := w.Store.ListPendingPaymentOffers(ctx)
	if err != nil {
		return err
	}
	for _, offer := range offers {
		updated, err := w.Offers.MarkOfferPaid(ctx, offer.OfferID)
		if err != nil {
			logReconcileError("offer", offer.OfferID, err)
			continue
		}
		if updated.Status != models.OfferPendingPayment {
			log.Printf("offer %s -> %s intent=%s", offer.OfferID, updated.Status, deref(offer.PaymentIntentRef))
		}
	}
	return nil
}

func logReconcileError(kind, id string, err error) {
	// Funds not held yet is the normal case for a fresh intent; anything
	// else deserves a visible log line.
	if errors.Is(err, settlement.ErrAuthorizationFailed) {
		return
	}
	log.Printf("reconcile %s %s failed: %v", kind, id, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
