package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"MarketEscrow/internal/processor"

	"github.com/jackc/pgx/v5"
)

// RunWS consumes the processor's intent event stream and applies
// confirmations as they arrive. Reconnects with a short backoff; the tick
// loop covers any events lost across reconnects.
func (w *Worker) RunWS(ctx context.Context) {
	if w.WSEndpoint == "" {
		log.Printf("ws disabled: ws_endpoint is empty")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := processor.NewWSClient(w.WSEndpoint)
		if err := client.Connect(ctx); err != nil {
			log.Printf("ws connect failed: %v", err)
			time.Sleep(3 * time.Second)
			continue
		}
		log.Printf("ws connected %s", w.WSEndpoint)

		if err := client.Subscribe(ctx); err != nil {
			log.Printf("ws subscribe failed: %v", err)
			client.Close()
			time.Sleep(3 * time.Second)
			continue
		}

		for {
			msg, err := client.Read(ctx)
			if err != nil {
				log.Printf("ws read failed: %v", err)
				client.Close()
				break
			}

			ev, ok, err := processor.ParseIntentEvent(msg)
			if err != nil {
				log.Printf("ws parse failed: %v", err)
				continue
			}
			if !ok || ev.IntentRef == "" {
				continue
			}
			w.applyIntentEvent(ctx, ev)
		}

		time.Sleep(2 * time.Second)
	}
}

func (w *Worker) applyIntentEvent(ctx context.Context, ev *processor.IntentEvent) {
	if ev.Type != processor.EventIntentSucceeded {
		if ev.Type == processor.EventIntentFailed {
			// The buyer retries through the pay endpoints; nothing to
			// advance here.
			log.Printf("ws intent failed ref=%s", ev.IntentRef)
		}
		return
	}

	order, err := w.Store.GetOrderByIntent(ctx, ev.IntentRef)
	if err == nil {
		if _, err := w.Orders.PaymentConfirmed(ctx, order.OrderID); err != nil {
			logReconcileError("order", order.OrderID, err)
		}
		return
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		log.Printf("ws get order failed: %v", err)
		return
	}

	offer, err := w.Store.GetOfferByIntent(ctx, ev.IntentRef)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			log.Printf("ws get offer failed: %v", err)
		}
		return
	}
	if _, err := w.Offers.MarkOfferPaid(ctx, offer.OfferID); err != nil {
		logReconcileError("offer", offer.OfferID, err)
	}
}
