// Package strategy defines the strategy contract and the base bridge that
// gives strategy code its capability set: order authoring, intents and
// read access to market data and positions.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradesim/internal/market"
	"tradesim/internal/order"
	"tradesim/internal/position"
)

// Callbacks is the lifecycle surface the engine drives. Base implements all
// of them as no-ops; concrete strategies override what they need.
type Callbacks interface {
	OnStart() error
	OnBeginOfDay(ts time.Time) error
	OnMarketOpen(ts time.Time) error
	OnBar(ts time.Time) error
	OnFills(ts time.Time, orders []*order.Order) error
	OnCancels(ts time.Time, orders []*order.Order) error
	OnMarketClose(ts time.Time) error
	OnEndOfDay(ts time.Time) error
	OnStop(ts time.Time) error
}

// Strategy is what the engine registers: the lifecycle callbacks plus the
// bridge accessors supplied by Base.
type Strategy interface {
	Callbacks
	Init(id, portfolioID string, h Handles)
	ID() string
	UUID() string
	PortfolioID() string
	SetParameters(params map[string]any)
	Symbols() []market.SymbolRequest
	Intent(productType, symbol string, target int64)
	TakeIntents() []Intent
}

// PortfolioHandle is the read surface of the owning portfolio. The portfolio
// package provides the implementation; an interface here keeps the strategy
// package free of the dependency cycle.
type PortfolioHandle interface {
	ID() string
	UUID() string
	StrategyIDs() []string
}

// Handles is the capability set handed to a strategy: four non-owning
// references to the shared components.
type Handles struct {
	OMS       *order.Manager
	Portfolio PortfolioHandle
	PM        *position.Manager
	MDM       market.DataManager
}

// Intent is an absolute position target for one symbol. Intents are
// single-shot: a new intent for the same (product_type, symbol) replaces the
// previous one, and the portfolio consumes them when it processes orders.
// Targets the portfolio cannot act on yet (the working order still in
// flight) are re-armed for the next bar.
type Intent struct {
	ProductType string
	Symbol      string
	Target      int64
}

// Base carries the strategy identity and the bridge methods. Concrete
// strategies embed it and override the Callbacks they care about.
type Base struct {
	mu          sync.Mutex
	id          string
	uid         string
	portfolioID string
	handles     Handles
	params      map[string]any
	symbols     []market.SymbolRequest
	intents     []Intent
}

// Init binds the strategy to its identity and handles. The engine calls it
// once before OnStart.
func (b *Base) Init(id, portfolioID string, h Handles) {
	b.id = id
	b.uid = uuid.NewString()
	b.portfolioID = portfolioID
	b.handles = h
	if b.params == nil {
		b.params = make(map[string]any)
	}
}

func (b *Base) ID() string          { return b.id }
func (b *Base) UUID() string        { return b.uid }
func (b *Base) PortfolioID() string { return b.portfolioID }

// OriginatorID is the id stamped on strategy-authored orders.
func (b *Base) OriginatorID() string { return "strategy." + b.id }

// Portfolio returns the owning portfolio's read handle; nil until wired.
func (b *Base) Portfolio() PortfolioHandle { return b.handles.Portfolio }

// SetParameters merges configuration into the parameter map.
func (b *Base) SetParameters(params map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.params == nil {
		b.params = make(map[string]any)
	}
	for k, v := range params {
		b.params[k] = v
	}
}

// Param reads one parameter.
func (b *Base) Param(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.params[key]
	return v, ok
}

// IntParam reads one integer parameter with a default.
func (b *Base) IntParam(key string, def int64) int64 {
	v, ok := b.Param(key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return def
}

// AddSymbols subscribes the strategy to bar series.
func (b *Base) AddSymbols(reqs ...market.SymbolRequest) {
	b.mu.Lock()
	b.symbols = append(b.symbols, reqs...)
	b.mu.Unlock()
	b.handles.MDM.AddSymbols(reqs...)
}

// Symbols returns the strategy's subscriptions.
func (b *Base) Symbols() []market.SymbolRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]market.SymbolRequest(nil), b.symbols...)
}

// Order creates and registers a new order authored by this strategy.
// Returns the order UUID.
func (b *Base) Order(productType, symbol, side string, quantity int64, orderType string, details order.Details) (string, error) {
	o, err := order.New(b.uid, b.OriginatorID(), b.uid, b.id, productType, symbol, side, quantity, orderType, details)
	if err != nil {
		return "", err
	}
	o.PortfolioID = b.portfolioID
	if err := b.handles.OMS.NewOrder(o); err != nil {
		return "", err
	}
	return o.UUID, nil
}

// GetOrder resolves an order UUID.
func (b *Base) GetOrder(uuid string) (*order.Order, error) {
	return b.handles.OMS.Get(uuid)
}

// CancelOrder requests cancellation of a resting order.
func (b *Base) CancelOrder(o *order.Order) error {
	return b.handles.OMS.ChangeState(o, order.StateCancelRequested)
}

// ReplaceOrder requests a quantity/details replacement of a resting order.
func (b *Base) ReplaceOrder(o *order.Order, quantity int64, details order.Details) error {
	return b.handles.OMS.ReplaceOrder(o, quantity, details)
}

// Intent declares an absolute target position, replacing any previous intent
// for the same (product_type, symbol).
func (b *Base) Intent(productType, symbol string, target int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.intents {
		if b.intents[i].ProductType == productType && b.intents[i].Symbol == symbol {
			b.intents[i].Target = target
			return
		}
	}
	b.intents = append(b.intents, Intent{ProductType: productType, Symbol: symbol, Target: target})
}

// GetIntent returns the pending intent for the symbol, if any.
func (b *Base) GetIntent(productType, symbol string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, in := range b.intents {
		if in.ProductType == productType && in.Symbol == symbol {
			return in.Target, true
		}
	}
	return 0, false
}

// TakeIntents returns and clears the pending intents. The portfolio calls
// this once per bar.
func (b *Base) TakeIntents() []Intent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.intents
	b.intents = nil
	return out
}

// Position returns this strategy's current position for the symbol.
func (b *Base) Position(productType, symbol string) int64 {
	return b.handles.PM.Position(b.id, productType, symbol)
}

// CurrentBar reads the bar at the current bartime.
func (b *Base) CurrentBar(productType, symbol string) (market.Bar, error) {
	return b.handles.MDM.CurrentBar(productType, symbol)
}

// CurrentPrice reads the last price at the current bartime.
func (b *Base) CurrentPrice(productType, symbol string) (float64, error) {
	return b.handles.MDM.CurrentPrice(productType, symbol)
}

// No-op lifecycle defaults.
func (b *Base) OnStart() error                                    { return nil }
func (b *Base) OnBeginOfDay(time.Time) error                      { return nil }
func (b *Base) OnMarketOpen(time.Time) error                      { return nil }
func (b *Base) OnBar(time.Time) error                             { return nil }
func (b *Base) OnFills(time.Time, []*order.Order) error           { return nil }
func (b *Base) OnCancels(time.Time, []*order.Order) error         { return nil }
func (b *Base) OnMarketClose(time.Time) error                     { return nil }
func (b *Base) OnEndOfDay(time.Time) error                        { return nil }
func (b *Base) OnStop(time.Time) error                            { return nil }

var _ Strategy = (*Base)(nil)

func (b *Base) String() string {
	return fmt.Sprintf("Strategy{%s portfolio=%s}", b.id, b.portfolioID)
}
