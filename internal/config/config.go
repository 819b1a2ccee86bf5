package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr          string
	DatabaseURL   string
	DisputeWindow time.Duration
}

type WorkerConfig struct {
	DatabaseURL     string
	ScoreFeedURLs   []string
	OracleTimeout   time.Duration
	BeaconTickEvery time.Duration
	YieldAPR        float64
	YieldTickEvery  time.Duration
}

type CLIConfig struct {
	APIBaseURL string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("SQUARES_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:          addr,
		DatabaseURL:   strings.TrimSpace(os.Getenv("DATABASE_URL")),
		DisputeWindow: envDurationDefault("SQUARES_DISPUTE_WINDOW", 15*time.Minute),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		ScoreFeedURLs:   envList("SQUARES_SCORE_FEED_URLS"),
		OracleTimeout:   envDurationDefault("SQUARES_ORACLE_TIMEOUT", 10*time.Second),
		BeaconTickEvery: envDurationDefault("SQUARES_BEACON_TICK_EVERY", 12*time.Second),
		YieldAPR:        envFloatDefault("SQUARES_YIELD_APR", 0.04),
		YieldTickEvery:  envDurationDefault("SQUARES_YIELD_TICK_EVERY", 1*time.Hour),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if len(cfg.ScoreFeedURLs) == 0 {
		return cfg, fmt.Errorf("SQUARES_SCORE_FEED_URLS is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() CLIConfig {
	return CLIConfig{
		APIBaseURL: strings.TrimRight(envDefault("SQCTL_API_BASE_URL", "http://localhost:8080"), "/"),
	}
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envList(key string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(os.Getenv(key), ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envFloatDefault(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
