package order

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradesim/internal/events"
)

// ErrDuplicateOrder is returned when an order UUID is registered twice.
var ErrDuplicateOrder = errors.New("duplicate order")

// ErrUnknownOrder is returned when an order UUID is not registered.
var ErrUnknownOrder = errors.New("unknown order")

// ErrMarketClosed is returned when a transition into RISK_ACCEPTED or SENT is
// attempted while the product's market is closed.
var ErrMarketClosed = errors.New("market closed")

// Filter selects orders. Zero-valued fields are ignored; set fields are
// combined with AND, and a multi-valued States field matches any of its
// entries.
type Filter struct {
	OriginatorID string
	StrategyID   string
	PortfolioID  string
	ProductType  string
	Symbol       string
	States       []State
	Closed       *bool
}

func (f Filter) matches(o *Order) bool {
	if f.OriginatorID != "" && o.OriginatorID != f.OriginatorID {
		return false
	}
	if f.StrategyID != "" && o.StrategyID != f.StrategyID {
		return false
	}
	if f.PortfolioID != "" && o.PortfolioID != f.PortfolioID {
		return false
	}
	if f.ProductType != "" && o.ProductType != f.ProductType {
		return false
	}
	if f.Symbol != "" && o.Symbol != f.Symbol {
		return false
	}
	if f.Closed != nil && o.Closed != *f.Closed {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if o.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Manager is the single owner of all orders. Every state change funnels
// through ChangeState so the lifecycle graph and the market-state gate are
// enforced in one place.
type Manager struct {
	mu          sync.RWMutex
	id          string
	orders      map[string]*Order
	seq         []*Order // insertion order, for deterministic iteration
	marketState map[string]bool
	bartime     time.Time
	bus         *events.Bus
}

// NewManager creates an empty order manager. bus may be nil.
func NewManager(id string, bus *events.Bus) *Manager {
	return &Manager{
		id:          id,
		orders:      make(map[string]*Order),
		marketState: make(map[string]bool),
		bus:         bus,
	}
}

// ID returns the manager identifier.
func (m *Manager) ID() string { return m.id }

// SetBartime sets the bartime stamped onto subsequent state changes.
func (m *Manager) SetBartime(ts time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bartime = ts
}

// Bartime returns the current bartime.
func (m *Manager) Bartime() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bartime
}

// SetMarketState records whether a product type's market is open and
// publishes the change.
func (m *Manager) SetMarketState(productType string, open bool) {
	m.mu.Lock()
	m.marketState[productType] = open
	m.mu.Unlock()
	m.bus.Publish(events.EventMarketState, events.MarketStateChange{ProductType: productType, Open: open})
	log.Printf("[oms] market state %s open=%v", productType, open)
}

// MarketOpen reports whether the product type's market is open. Unknown
// product types are closed.
func (m *Manager) MarketOpen(productType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marketState[productType]
}

// NewOrder registers a freshly created order. The order must be in CREATED
// state and its UUID must be unused.
func (m *Manager) NewOrder(o *Order) error {
	if o.State != StateCreated {
		return fmt.Errorf("order %s is %s, expected %s", o.UUID, o.State, StateCreated)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.UUID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.UUID)
	}
	m.orders[o.UUID] = o
	m.seq = append(m.seq, o)
	m.bus.Publish(events.EventOrderNew, events.OrderUpdate{
		UUID: o.UUID, Symbol: o.Symbol, State: string(o.State), Bartime: m.bartime, Quantity: o.Quantity,
	})
	log.Printf("[oms] new order %s", o)
	return nil
}

// Get returns the order with the given UUID.
func (m *Manager) Get(uuid string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[uuid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, uuid)
	}
	return o, nil
}

// ChangeState moves an order along the lifecycle graph. A change to the
// current state is a no-op. Transitions into RISK_ACCEPTED or SENT are
// refused while the product's market is closed.
func (m *Manager) ChangeState(o *Order, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.UUID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, o.UUID)
	}
	if o.State == to {
		return nil
	}
	if !CanTransition(o.State, to) {
		return fmt.Errorf("%w: %s -> %s on order %s", ErrInvalidTransition, o.State, to, o.UUID)
	}
	if (to == StateRiskAccepted || to == StateSent) && !m.marketState[o.ProductType] {
		return fmt.Errorf("%w: cannot move %s to %s for %s", ErrMarketClosed, o.UUID, to, o.ProductType)
	}
	from := o.State
	o.transition(to, m.bartime)
	m.bus.Publish(events.EventOrderState, events.OrderUpdate{
		UUID: o.UUID, Symbol: o.Symbol, State: string(to), Bartime: m.bartime, Quantity: o.Quantity,
	})
	log.Printf("[oms] order %s %s -> %s", o.UUID, from, to)
	return nil
}

// ReplaceOrder records a replacement request: the order moves to
// REPLACE_REQUESTED and carries the new quantity and details. A zero quantity
// keeps the current quantity, nil details keep the current details.
func (m *Manager) ReplaceOrder(o *Order, quantity int64, details Details) error {
	if err := m.ChangeState(o, StateReplaceRequested); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o.applyReplace(quantity, details)
	return nil
}

// RevertReplace restores the order's quantity and details to the previous
// replace row after a rejected replacement.
func (m *Manager) RevertReplace(o *Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(o.Replaces) < 2 {
		return
	}
	o.Replaces = o.Replaces[:len(o.Replaces)-1]
	last := o.Replaces[len(o.Replaces)-1]
	o.Quantity = last.Quantity
	o.Details = last.Details.clone()
}

// AddFill applies a venue fill to an order and marks it pending booking.
func (m *Manager) AddFill(o *Order, f Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := o.AddFill(f); err != nil {
		return err
	}
	o.Booked = BookedFalse
	m.bus.Publish(events.EventOrderFill, events.OrderUpdate{
		UUID: o.UUID, Symbol: o.Symbol, State: string(o.State), Bartime: m.bartime, Quantity: f.Quantity,
	})
	return nil
}

// SetBooked sets the booking flag.
func (m *Manager) SetBooked(o *Order, b BookedFlag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.Booked = b
	if b == BookedTrue {
		for i := range o.Fills {
			o.Fills[i].Booked = true
		}
	}
}

// update runs a mutation on a registered order while holding the write lock,
// so snapshot readers never observe a torn write.
func (m *Manager) update(o *Order, fn func(*Order)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.UUID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, o.UUID)
	}
	fn(o)
	return nil
}

// SetDetail annotates a registered order's details. Components record
// out-of-band attributes (risk reasons and the like) through here rather
// than writing the map directly.
func (m *Manager) SetDetail(o *Order, key string, value any) error {
	return m.update(o, func(o *Order) {
		if o.Details == nil {
			o.Details = Details{}
		}
		o.Details[key] = value
	})
}

// SetRouting records the broker and exchange order ids assigned when an
// order goes out to the venue.
func (m *Manager) SetRouting(o *Order, brokerOrderID, exchangeOrderID int64) error {
	return m.update(o, func(o *Order) {
		o.BrokerOrderID = brokerOrderID
		o.ExchangeOrderID = exchangeOrderID
	})
}

// SetPortfolioUUID tags the order with the staging portfolio.
func (m *Manager) SetPortfolioUUID(o *Order, uid string) error {
	return m.update(o, func(o *Order) { o.PortfolioUUID = uid })
}

// OrdersSnapshot returns ToMap projections of the matching orders, built
// under the manager lock. Concurrent observers (the status API) read through
// here instead of holding live order pointers.
func (m *Manager) OrdersSnapshot(f Filter) []map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]map[string]any, 0, len(m.seq))
	for _, o := range m.seq {
		if f.matches(o) {
			out = append(out, o.ToMap())
		}
	}
	return out
}

// OrdersList returns the orders matching the filter in insertion order.
func (m *Manager) OrdersList(f Filter) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Order
	for _, o := range m.seq {
		if f.matches(o) {
			out = append(out, o)
		}
	}
	return out
}

// OpenOrders returns the non-terminal orders matching the filter.
func (m *Manager) OpenOrders(f Filter) []*Order {
	closed := false
	f.Closed = &closed
	return m.OrdersList(f)
}

// ClosedOrders returns the terminal orders matching the filter.
func (m *Manager) ClosedOrders(f Filter) []*Order {
	closed := true
	f.Closed = &closed
	return m.OrdersList(f)
}

// ToBeBooked returns the closed orders with fills not yet applied to
// positions.
func (m *Manager) ToBeBooked() []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Order
	for _, o := range m.seq {
		if o.Closed && o.Booked == BookedFalse {
			out = append(out, o)
		}
	}
	return out
}

// StuckOrders returns orders sitting in a transient engine-side state whose
// last state change happened before the current bartime. Requests raised
// during the current bar are not stuck yet.
func (m *Manager) StuckOrders() []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Order
	for _, o := range m.seq {
		switch o.State {
		case StateCreated, StateStaged, StateRiskAccepted,
			StateCancelRequested, StateCancelSent,
			StateReplaceRequested, StateReplaceSent:
			if o.LastStateBartime().Before(m.bartime) {
				out = append(out, o)
			}
		}
	}
	return out
}

// Reset drops all orders and market state, keeping the manager identity.
// Used at end of day after persistence.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = make(map[string]*Order)
	m.seq = nil
	m.marketState = make(map[string]bool)
	log.Printf("[oms] reset")
}
