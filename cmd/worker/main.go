package main

import (
	"context"
	"log"
	"time"

	"MarketEscrow/internal/config"
	"MarketEscrow/internal/db"
	"MarketEscrow/internal/fees"
	"MarketEscrow/internal/processor"
	"MarketEscrow/internal/services"
	"MarketEscrow/internal/settlement"
	"MarketEscrow/internal/store"
	"MarketEscrow/internal/worker"

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

	if cfg.Processor.WSEndpoint != "" {
		log.Printf("ws endpoint: %s", cfg.Processor.WSEndpoint)
	}

	w := &worker.Worker{
		Store:      st,
		Orders:     orderSvc,
		Offers:     offerSvc,
		WSEndpoint: cfg.Processor.WSEndpoint,
		Interval:   time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
	}

	log.Printf("worker started (processor=%s)", cfg.Processor.BaseURL)
	w.Run(ctx)
}
