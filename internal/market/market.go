// Package market supplies bar data to the trading engine. The engine only
// depends on the DataManager interface; the default implementation replays
// preloaded bars (from CSV files or scripted in tests) against a settable
// bartime.
package market

import (
	"errors"
	"time"
)

// ErrNoMarketData is returned when no bar exists for a tracked symbol at the
// requested bartime. Order processing for that symbol is skipped, not fatal.
var ErrNoMarketData = errors.New("no market data")

// Bar is one OHLCV interval for a (product_type, symbol, frequency).
type Bar struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// SymbolRequest identifies one data subscription.
type SymbolRequest struct {
	ProductType string
	Symbol      string
	Frequency   string
}

// DataManager is the market data contract consumed by the engine. Bartime is
// the clock: all current/prior lookups are relative to it.
type DataManager interface {
	Bartime() time.Time
	SetBartime(ts time.Time)

	AddSymbols(requests ...SymbolRequest)
	Update(productType, frequency string) error

	// CurrentBar returns the bar at exactly the current bartime.
	CurrentBar(productType, symbol string) (Bar, error)
	// CurrentPrice returns the close of the latest bar at or before bartime.
	CurrentPrice(productType, symbol string) (float64, error)
	// PriorClose returns the closing price of the prior session.
	PriorClose(productType, symbol string) (float64, error)
}
