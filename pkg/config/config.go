// Package config loads runtime settings from the environment (optionally via
// .env) and the strategy roster from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the simulation core.
type Config struct {
	// Database
	DBPath string

	// Status API; empty disables the listener.
	APIAddr string

	// Market data
	DataDir string

	// Venue and broker parameters
	FillMultiplier float64
	StockFee       float64 // per share, negative is a cost

	// Portfolio
	PriceOffset float64 // intent limit price offset off the last close
	Crossing    bool

	// Pipeline
	Strict bool

	// Strategy roster file; empty means the database enumeration only.
	RosterPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		DBPath:         getEnv("DB_PATH", "./data/tradesim.db"),
		APIAddr:        getEnv("API_ADDR", ""),
		DataDir:        getEnv("DATA_DIR", "./data/bars"),
		FillMultiplier: getEnvFloat("FILL_MULTIPLIER", 1.0),
		StockFee:       getEnvFloat("STOCK_FEE_PER_SHARE", -0.01),
		PriceOffset:    getEnvFloat("PRICE_OFFSET", 0.0),
		Crossing:       getEnv("ENABLE_CROSSING", "false") == "true",
		Strict:         getEnv("STRICT", "false") == "true",
		RosterPath:     getEnv("ROSTER_PATH", ""),
	}, nil
}

// RosterEntry is one strategy instance in the YAML roster.
type RosterEntry struct {
	StrategyID  string         `yaml:"strategy_id"`
	PortfolioID string         `yaml:"portfolio_id"`
	ClassName   string         `yaml:"class_name"`
	Params      map[string]any `yaml:"params"`
}

// Roster is the YAML strategy roster.
type Roster struct {
	Strategies []RosterEntry `yaml:"strategies"`
}

// LoadRoster parses a strategy roster file.
func LoadRoster(path string) (*Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var r Roster
	if err := yaml.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parse roster: %w", err)
	}
	for i, e := range r.Strategies {
		if e.StrategyID == "" || e.ClassName == "" {
			return nil, fmt.Errorf("roster entry %d: strategy_id and class_name are required", i)
		}
		if e.PortfolioID == "" {
			r.Strategies[i].PortfolioID = "main"
		}
	}
	return &r, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
