// Package exchange implements the paper trading venue. It keeps its own
// order book keyed by exchange_order_id and never sees the trading-system
// Order objects; the broker translates between the two.
package exchange

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"tradesim/internal/market"
	"tradesim/internal/order"
)

// ErrUnknownOrder is returned for an exchange_order_id the venue never issued.
var ErrUnknownOrder = errors.New("unknown exchange order")

// OrderStatus is the venue-side view of one order, returned to the broker.
type OrderStatus struct {
	ID           int64
	State        order.State
	Quantity     int64
	FillQuantity int64
	Fills        []order.Fill
	CloseBartime time.Time
}

type paperOrder struct {
	id          int64
	productType string
	symbol      string
	side        order.Side
	quantity    int64
	typ         order.Type
	details     order.Details

	state        order.State
	fills        []order.Fill
	fillQuantity int64
	closeBartime time.Time

	cancelRequested  bool
	replaceRequested bool
	replaceQuantity  int64
	replaceDetails   order.Details
}

func (p *paperOrder) remaining() int64 { return p.quantity - p.fillQuantity }

func (p *paperOrder) close(s order.State, bartime time.Time) {
	p.state = s
	p.closeBartime = bartime
}

// PaperExchange simulates a venue against bar data. Orders received during a
// bar are queued and enter the book only on the next bar's processing pass,
// so a late arrival can never fill against the bar it was sent on.
type PaperExchange struct {
	mu             sync.Mutex
	fillMultiplier float64

	orders  map[int64]*paperOrder
	book    []*paperOrder // live, matched in insertion order
	ready   []*paperOrder // received last bar, activated next pass
	pending []*paperOrder // received this bar

	nextID     int64
	nextFillID int64
}

// NewPaperExchange creates a venue with the given volume participation cap
// (fraction of a bar's volume fillable per bar; values outside (0, 1] mean
// the whole bar).
func NewPaperExchange(fillMultiplier float64) *PaperExchange {
	if fillMultiplier <= 0 || fillMultiplier > 1 {
		fillMultiplier = 1
	}
	return &PaperExchange{
		fillMultiplier: fillMultiplier,
		orders:         make(map[int64]*paperOrder),
		nextID:         time.Now().UnixMilli() * 1000,
	}
}

// ReceiveOrder accepts an order and returns its exchange_order_id. The order
// stays queued in SENT until the bar after next processing pass.
func (e *PaperExchange) ReceiveOrder(productType, symbol string, side order.Side, quantity int64, typ order.Type, details order.Details) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	p := &paperOrder{
		id:          e.nextID,
		productType: productType,
		symbol:      symbol,
		side:        side,
		quantity:    quantity,
		typ:         typ,
		details:     details,
		state:       order.StateSent,
	}
	e.orders[p.id] = p
	e.pending = append(e.pending, p)
	log.Printf("[exchange] received order %d: %s %s %d %s %s", p.id, side, symbol, quantity, typ, productType)
	return p.id
}

// CancelOrder requests cancellation. It takes effect at the next processing
// pass, before any matching.
func (e *PaperExchange) CancelOrder(id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	if p.state.Closed() {
		return fmt.Errorf("exchange order %d is already %s", id, p.state)
	}
	p.cancelRequested = true
	return nil
}

// ReplaceOrder requests a quantity/details replacement. A zero quantity keeps
// the current quantity, nil details keep the current details. It takes effect
// at the next processing pass.
func (e *PaperExchange) ReplaceOrder(id int64, quantity int64, details order.Details) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	if p.state.Closed() {
		return fmt.Errorf("exchange order %d is already %s", id, p.state)
	}
	p.replaceRequested = true
	p.replaceQuantity = quantity
	p.replaceDetails = details
	return nil
}

// ProcessOrders runs one venue pass at the data manager's bartime:
// activate the orders queued on the previous bar, apply pending cancels and
// replaces, match the book against the current bars, then stage this bar's
// arrivals for the next pass.
func (e *PaperExchange) ProcessOrders(mdm market.DataManager) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	bartime := mdm.Bartime()

	for _, p := range e.ready {
		if p.cancelRequested {
			p.close(order.StateCanceled, bartime)
			continue
		}
		p.state = order.StateLive
		e.book = append(e.book, p)
	}
	e.ready = nil

	for _, p := range e.book {
		if p.state.Closed() {
			continue
		}
		if p.cancelRequested {
			p.close(order.StateCanceled, bartime)
			log.Printf("[exchange] canceled order %d", p.id)
			continue
		}
		if p.replaceRequested {
			e.applyReplace(p, bartime)
		}
	}

	// Per-(product_type, symbol) volume budget for this bar, consumed in
	// insertion order.
	budgets := make(map[string]int64)
	for _, p := range e.book {
		if p.state.Closed() {
			continue
		}
		bar, err := mdm.CurrentBar(p.productType, p.symbol)
		if err != nil {
			if errors.Is(err, market.ErrNoMarketData) {
				continue
			}
			return fmt.Errorf("current bar for %s %s: %w", p.productType, p.symbol, err)
		}

		price, marketable := matchPrice(p, bar)
		if !marketable {
			continue
		}

		key := p.productType + "|" + p.symbol
		if _, ok := budgets[key]; !ok {
			budgets[key] = int64(math.Floor(bar.Volume * e.fillMultiplier))
		}
		qty := p.remaining()
		if budgets[key] < qty {
			qty = budgets[key]
		}
		if qty <= 0 {
			continue
		}
		budgets[key] -= qty
		e.fill(p, qty, price, bartime)
	}
	e.compactBook()

	e.ready = e.pending
	e.pending = nil
	return nil
}

// matchPrice decides whether the order is marketable against the bar and at
// which price. LIMIT buys need low ≤ limit and fill at min(limit, open);
// LIMIT sells need high ≥ limit and fill at max(limit, open); MARKET fills at
// the open.
func matchPrice(p *paperOrder, bar market.Bar) (float64, bool) {
	if p.typ == order.Market {
		return bar.Open, true
	}
	limit := p.details.Price()
	if p.side == order.Buy {
		if bar.Low <= limit {
			return math.Min(limit, bar.Open), true
		}
		return 0, false
	}
	if bar.High >= limit {
		return math.Max(limit, bar.Open), true
	}
	return 0, false
}

func (e *PaperExchange) applyReplace(p *paperOrder, bartime time.Time) {
	p.replaceRequested = false
	qty := p.replaceQuantity
	if qty == 0 {
		qty = p.quantity
	}
	if p.replaceDetails != nil {
		p.details = p.replaceDetails
		p.replaceDetails = nil
	}
	if qty <= p.fillQuantity {
		// Shrinking to or below the filled quantity completes the order.
		p.quantity = p.fillQuantity
		p.close(order.StateFilled, bartime)
		log.Printf("[exchange] replace shrank order %d below fills, now FILLED", p.id)
		return
	}
	p.quantity = qty
	log.Printf("[exchange] replaced order %d: qty=%d", p.id, qty)
}

func (e *PaperExchange) fill(p *paperOrder, qty int64, price float64, bartime time.Time) {
	e.nextFillID++
	p.fills = append(p.fills, order.Fill{
		ID:        e.nextFillID,
		Timestamp: time.Now().UTC(),
		Bartime:   bartime,
		Quantity:  qty,
		Price:     price,
	})
	p.fillQuantity += qty
	if p.remaining() == 0 {
		p.close(order.StateFilled, bartime)
	} else {
		p.state = order.StatePartiallyFilled
	}
	log.Printf("[exchange] fill %d on order %d: qty=%d px=%.4f state=%s", e.nextFillID, p.id, qty, price, p.state)
}

func (e *PaperExchange) compactBook() {
	open := e.book[:0]
	for _, p := range e.book {
		if !p.state.Closed() {
			open = append(open, p)
		}
	}
	e.book = open
}

// MarketClose cancels every open order of the product type, including queued
// arrivals. The broker observes the cancellations on its next mirror pass.
func (e *PaperExchange) MarketClose(productType string, bartime time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, p := range e.orders {
		if p.productType == productType && !p.state.Closed() {
			p.close(order.StateCanceled, bartime)
			n++
		}
	}
	e.compactBook()
	if n > 0 {
		log.Printf("[exchange] market close %s: canceled %d open orders", productType, n)
	}
}

// GetOrder returns a snapshot of the venue-side order.
func (e *PaperExchange) GetOrder(id int64) (OrderStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.orders[id]
	if !ok {
		return OrderStatus{}, fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	return OrderStatus{
		ID:           p.id,
		State:        p.state,
		Quantity:     p.quantity,
		FillQuantity: p.fillQuantity,
		Fills:        append([]order.Fill(nil), p.fills...),
		CloseBartime: p.closeBartime,
	}, nil
}

// OpenOrderIDs returns the ids of all orders not yet closed, queued arrivals
// included.
func (e *PaperExchange) OpenOrderIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ids []int64
	for _, p := range e.book {
		if !p.state.Closed() {
			ids = append(ids, p.id)
		}
	}
	for _, p := range e.ready {
		if !p.state.Closed() {
			ids = append(ids, p.id)
		}
	}
	for _, p := range e.pending {
		if !p.state.Closed() {
			ids = append(ids, p.id)
		}
	}
	return ids
}

// FillOrder injects a fill directly. Test hook, never called by the pipeline.
func (e *PaperExchange) FillOrder(id int64, qty int64, price float64, bartime time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.orders[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	if qty > p.remaining() {
		return fmt.Errorf("fill of %d exceeds remaining %d on exchange order %d", qty, p.remaining(), id)
	}
	e.fill(p, qty, price, bartime)
	return nil
}
