// Package position tracks per-(strategy, product_type, symbol) positions,
// books fills from closed orders and computes the session PnL breakdown.
package position

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"tradesim/internal/market"
	"tradesim/internal/order"
)

// Key identifies one position row.
type Key struct {
	StrategyID  string
	ProductType string
	Symbol      string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.StrategyID, k.ProductType, k.Symbol)
}

// Trade is one booked execution.
type Trade struct {
	OriginatorID string
	StrategyID   string
	Timestamp    time.Time
	ProductType  string
	Symbol       string
	Side         order.Side
	Quantity     int64
	Price        float64
	Commission   float64
}

// Position is one keyed row. Quantities and averages accumulate over the
// session; StartPosition carries the overnight position.
type Position struct {
	Key Key

	StartPosition   int64
	BuyQuantity     int64
	BuyAvgPrice     float64
	SellQuantity    int64
	SellAvgPrice    float64
	CurrentPosition int64
	NetQuantity     int64
	Commission      float64

	BuyPnL      float64
	SellPnL     float64
	TradePnL    float64
	PositionPnL float64
	GrossPnL    float64
	NetPnL      float64
}

// Manager owns all position rows. Only the manager mutates them.
type Manager struct {
	mu     sync.RWMutex
	oms    *order.Manager
	mdm    market.DataManager
	rows   map[Key]*Position
	seq    []Key
	trades []Trade
}

// NewManager creates an empty position manager.
func NewManager(oms *order.Manager, mdm market.DataManager) *Manager {
	return &Manager{oms: oms, mdm: mdm, rows: make(map[Key]*Position)}
}

func (m *Manager) row(k Key) *Position {
	p, ok := m.rows[k]
	if !ok {
		p = &Position{Key: k}
		m.rows[k] = p
		m.seq = append(m.seq, k)
	}
	return p
}

// SetStartPosition seeds the overnight position for a row, typically from
// the prior session's persisted snapshot.
func (m *Manager) SetStartPosition(strategyID, productType, symbol string, qty int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.row(Key{strategyID, productType, symbol})
	p.StartPosition = qty
	p.CurrentPosition = p.StartPosition + p.BuyQuantity - p.SellQuantity
}

// EnterTrade books one execution into the keyed row.
func (m *Manager) EnterTrade(t Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.row(Key{t.StrategyID, t.ProductType, t.Symbol})
	switch t.Side {
	case order.Buy:
		p.BuyAvgPrice = weightedAvg(p.BuyAvgPrice, p.BuyQuantity, t.Price, t.Quantity)
		p.BuyQuantity += t.Quantity
		p.NetQuantity += t.Quantity
	case order.Sell:
		p.SellAvgPrice = weightedAvg(p.SellAvgPrice, p.SellQuantity, t.Price, t.Quantity)
		p.SellQuantity += t.Quantity
		p.NetQuantity -= t.Quantity
	}
	p.Commission += t.Commission
	p.CurrentPosition = p.StartPosition + p.BuyQuantity - p.SellQuantity
	m.trades = append(m.trades, t)
	log.Printf("[pm] trade %s %s %d @ %.4f on %s, position=%d",
		t.Side, t.Symbol, t.Quantity, t.Price, t.StrategyID, p.CurrentPosition)
}

func weightedAvg(avg float64, qty int64, price float64, addQty int64) float64 {
	if qty+addQty == 0 {
		return 0
	}
	return (avg*float64(qty) + price*float64(addQty)) / float64(qty+addQty)
}

// EnterTradeFromOrder books a closed order's accumulated fills as one trade.
func (m *Manager) EnterTradeFromOrder(o *order.Order) error {
	if !o.Closed {
		return fmt.Errorf("order %s is %s, not closed", o.UUID, o.State)
	}
	if o.FillQuantity == 0 {
		return fmt.Errorf("order %s has no fills to book", o.UUID)
	}
	m.EnterTrade(Trade{
		OriginatorID: o.OriginatorID,
		StrategyID:   o.StrategyID,
		Timestamp:    m.oms.Bartime(),
		ProductType:  o.ProductType,
		Symbol:       o.Symbol,
		Side:         o.BuySell,
		Quantity:     o.FillQuantity,
		Price:        o.FillPrice,
		Commission:   o.Commission,
	})
	return nil
}

// BookFills books every closed order with unbooked fills and marks it
// booked. Closed orders without fills (rejects, clean cancels) never reach
// the to-be-booked set. Returns the booked orders grouped by originator_id
// for strategy notification.
func (m *Manager) BookFills() (map[string][]*order.Order, error) {
	booked := make(map[string][]*order.Order)
	for _, o := range m.oms.ToBeBooked() {
		if o.FillQuantity == 0 {
			m.oms.SetBooked(o, order.BookedTrue)
			continue
		}
		if err := m.EnterTradeFromOrder(o); err != nil {
			return booked, err
		}
		m.oms.SetBooked(o, order.BookedTrue)
		booked[o.OriginatorID] = append(booked[o.OriginatorID], o)
	}
	return booked, nil
}

// UpdatePnL recomputes the PnL breakdown for every row from current prices:
// trade PnL against the session's buy/sell averages, position PnL for the
// overnight position against the prior close.
func (m *Manager) UpdatePnL() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, k := range m.seq {
		p := m.rows[k]
		px, err := m.mdm.CurrentPrice(k.ProductType, k.Symbol)
		if err != nil {
			if errors.Is(err, market.ErrNoMarketData) {
				continue
			}
			errs = append(errs, fmt.Errorf("pnl for %s: %w", k, err))
			continue
		}

		p.BuyPnL, p.SellPnL = 0, 0
		if p.BuyQuantity > 0 {
			p.BuyPnL = (px - p.BuyAvgPrice) * float64(p.BuyQuantity)
		}
		if p.SellQuantity > 0 {
			p.SellPnL = (p.SellAvgPrice - px) * float64(p.SellQuantity)
		}
		p.TradePnL = p.BuyPnL + p.SellPnL

		p.PositionPnL = 0
		if p.StartPosition != 0 {
			prior, err := m.mdm.PriorClose(k.ProductType, k.Symbol)
			if err != nil {
				errs = append(errs, fmt.Errorf("prior close for %s: %w", k, err))
				continue
			}
			p.PositionPnL = (px - prior) * float64(p.StartPosition)
		}
		p.GrossPnL = p.TradePnL + p.PositionPnL
		p.NetPnL = p.GrossPnL + p.Commission
	}
	return errors.Join(errs...)
}

// Position returns the current position for the key, zero if absent.
func (m *Manager) Position(strategyID, productType, symbol string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.rows[Key{strategyID, productType, symbol}]; ok {
		return p.CurrentPosition
	}
	return 0
}

// GetValue reads one cell of a position row.
func (m *Manager) GetValue(strategyID, productType, symbol, field string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.rows[Key{strategyID, productType, symbol}]
	if !ok {
		return 0, fmt.Errorf("no position row for %s/%s/%s", strategyID, productType, symbol)
	}
	switch field {
	case "start_position":
		return float64(p.StartPosition), nil
	case "buy_quantity":
		return float64(p.BuyQuantity), nil
	case "buy_avg_price":
		return p.BuyAvgPrice, nil
	case "sell_quantity":
		return float64(p.SellQuantity), nil
	case "sell_avg_price":
		return p.SellAvgPrice, nil
	case "current_position":
		return float64(p.CurrentPosition), nil
	case "net_quantity":
		return float64(p.NetQuantity), nil
	case "commission":
		return p.Commission, nil
	case "buy_pnl":
		return p.BuyPnL, nil
	case "sell_pnl":
		return p.SellPnL, nil
	case "trade_pnl":
		return p.TradePnL, nil
	case "position_pnl":
		return p.PositionPnL, nil
	case "gross_pnl":
		return p.GrossPnL, nil
	case "net_pnl":
		return p.NetPnL, nil
	}
	return 0, fmt.Errorf("unknown position field %q", field)
}

// Rows returns a copy of all position rows sorted by key.
func (m *Manager) Rows() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.rows))
	for _, p := range m.rows {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.StrategyID != b.StrategyID {
			return a.StrategyID < b.StrategyID
		}
		if a.ProductType != b.ProductType {
			return a.ProductType < b.ProductType
		}
		return a.Symbol < b.Symbol
	})
	return out
}

// Trades returns a copy of the session's trades in booking order.
func (m *Manager) Trades() []Trade {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Trade(nil), m.trades...)
}

// RollSession carries every row's current position into start_position and
// zeroes the session accumulators. Called at begin of day.
func (m *Manager) RollSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		p.StartPosition = p.CurrentPosition
		p.BuyQuantity, p.BuyAvgPrice = 0, 0
		p.SellQuantity, p.SellAvgPrice = 0, 0
		p.NetQuantity = 0
		p.Commission = 0
		p.BuyPnL, p.SellPnL, p.TradePnL = 0, 0, 0
		p.PositionPnL, p.GrossPnL, p.NetPnL = 0, 0, 0
	}
	m.trades = nil
	log.Printf("[pm] session rolled: %d rows", len(m.rows))
}

// Reset drops all rows and trades.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[Key]*Position)
	m.seq = nil
	m.trades = nil
}
