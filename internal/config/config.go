package config

import (
	"errors"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"MarketEscrow/internal/fees"
	"MarketEscrow/internal/models"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Processor struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		WSEndpoint     string `yaml:"ws_endpoint"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"processor"`
	Fees struct {
		// Tier rates in basis points; keys are fee tier names.
		Tiers map[string]int64 `yaml:"tiers"`
	} `yaml:"fees"`
	Offers struct {
		TTLMinutes int `yaml:"ttl_minutes"`
	} `yaml:"offers"`
	Orders struct {
		MaxRevisions int    `yaml:"max_revisions"`
		Currency     string `yaml:"currency"`
	} `yaml:"orders"`
	Worker struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if cfg.Processor.BaseURL == "" {
		return nil, errors.New("processor.base_url is required")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("PROCESSOR_BASE_URL"); v != "" {
		cfg.Processor.BaseURL = v
	}
	if v := os.Getenv("PROCESSOR_API_KEY"); v != "" {
		cfg.Processor.APIKey = v
	}
	if v := os.Getenv("PROCESSOR_WS_ENDPOINT"); v != "" {
		cfg.Processor.WSEndpoint = v
	}
	if v := os.Getenv("PROCESSOR_TIMEOUT_SECONDS"); v != "" {
		cfg.Processor.TimeoutSeconds = atoiOr(cfg.Processor.TimeoutSeconds, v)
	}
	if v := os.Getenv("OFFER_TTL_MINUTES"); v != "" {
		cfg.Offers.TTLMinutes = atoiOr(cfg.Offers.TTLMinutes, v)
	}
	if v := os.Getenv("ORDER_MAX_REVISIONS"); v != "" {
		cfg.Orders.MaxRevisions = atoiOr(cfg.Orders.MaxRevisions, v)
	}
	if v := os.Getenv("ORDER_CURRENCY"); v != "" {
		cfg.Orders.Currency = v
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoiOr(cfg.Worker.IntervalSeconds, v)
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Processor.TimeoutSeconds <= 0 {
		cfg.Processor.TimeoutSeconds = 5
	}
	if cfg.Offers.TTLMinutes <= 0 {
		cfg.Offers.TTLMinutes = 24 * 60
	}
	if cfg.Orders.MaxRevisions <= 0 {
		cfg.Orders.MaxRevisions = 3
	}
	if cfg.Orders.Currency == "" {
		cfg.Orders.Currency = "usd"
	}
	if cfg.Worker.IntervalSeconds <= 0 {
		cfg.Worker.IntervalSeconds = 20
	}
}

// FeeTiers converts the configured rate table into calculator form, falling
// back to the built-in rates when fees.tiers is absent.
func (c *Config) FeeTiers() map[models.FeeTier]int64 {
	if len(c.Fees.Tiers) == 0 {
		return fees.DefaultTiers()
	}
	tiers := make(map[models.FeeTier]int64, len(c.Fees.Tiers))
	for name, bps := range c.Fees.Tiers {
		tiers[models.FeeTier(name)] = bps
	}
	return tiers
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}
