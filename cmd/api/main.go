package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"MarketEscrow/internal/config"
	"MarketEscrow/internal/db"
	"MarketEscrow/internal/fees"
	internalhttp "MarketEscrow/internal/http"
	"MarketEscrow/internal/processor"
	"MarketEscrow/internal/services"
	"MarketEscrow/internal/settlement"
	"MarketEscrow/internal/store"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	proc := processor.NewHTTPClient(cfg.Processor.BaseURL, cfg.Processor.APIKey)
	coordinator := &settlement.Coordinator{
		Processor: proc,
		Store:     st,
		Currency:  cfg.Orders.Currency,
		Timeout:   time.Duration(cfg.Processor.TimeoutSeconds) * time.Second,
	}
	orderSvc := &services.OrderService{
		Store:        st,
		Fees:         fees.Calculator{Tiers: cfg.FeeTiers()},
		Settlement:   coordinator,
		Currency:     cfg.Orders.Currency,
		MaxRevisions: cfg.Orders.MaxRevisions,
	}
	offerSvc := &services.OfferService{
		Store:      st,
		Orders:     orderSvc,
		Settlement: coordinator,
		TTL:        time.Duration(cfg.Offers.TTLMinutes) * time.Minute,
	}

	h := internalhttp.NewHandler(offerSvc, orderSvc)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
