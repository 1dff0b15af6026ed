// Package portfolio binds strategies together, stages their orders for risk,
// converts position intents into limit orders and optionally crosses exactly
// opposing orders internally.
package portfolio

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradesim/internal/market"
	"tradesim/internal/order"
	"tradesim/internal/position"
	"tradesim/internal/strategy"
)

// Portfolio owns a set of strategies and the orders they produce.
type Portfolio struct {
	mu  sync.Mutex
	id  string
	uid string

	oms *order.Manager
	pm  *position.Manager
	mdm market.DataManager

	strategies []strategy.Strategy

	// priceOffset shifts intent-derived limit prices off the last close:
	// buys price at close+offset, sells at close-offset.
	priceOffset float64
	crossing    bool
	crossSeq    int64
}

// New creates a portfolio. priceOffset is the intent pricing offset;
// crossing enables internal order crossing.
func New(id string, oms *order.Manager, pm *position.Manager, mdm market.DataManager, priceOffset float64, crossing bool) *Portfolio {
	return &Portfolio{
		id:          id,
		uid:         uuid.NewString(),
		oms:         oms,
		pm:          pm,
		mdm:         mdm,
		priceOffset: priceOffset,
		crossing:    crossing,
	}
}

var _ strategy.PortfolioHandle = (*Portfolio)(nil)

func (p *Portfolio) ID() string   { return p.id }
func (p *Portfolio) UUID() string { return p.uid }

// OriginatorID is the id stamped on intent-derived orders, distinguishing
// them from strategy-authored ones.
func (p *Portfolio) OriginatorID() string { return "portfolio." + p.id }

// AddStrategy binds a strategy. Strategies are processed in registration
// order.
func (p *Portfolio) AddStrategy(s strategy.Strategy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategies = append(p.strategies, s)
}

// Strategies returns the bound strategies in registration order.
func (p *Portfolio) Strategies() []strategy.Strategy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]strategy.Strategy(nil), p.strategies...)
}

// StrategyIDs returns the bound strategy ids in registration order.
func (p *Portfolio) StrategyIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, len(p.strategies))
	for i, s := range p.strategies {
		ids[i] = s.ID()
	}
	return ids
}

// ProcessOrders runs the per-bar portfolio pass: stage freshly created
// orders, materialize intents, then cross opposing staged orders if enabled.
// After it returns no order of this portfolio remains in CREATED.
func (p *Portfolio) ProcessOrders() error {
	var errs []error
	for _, o := range p.oms.OrdersList(order.Filter{PortfolioID: p.id, States: []order.State{order.StateCreated}}) {
		if err := p.oms.SetPortfolioUUID(o, p.uid); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.oms.ChangeState(o, order.StateStaged); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range p.Strategies() {
		for _, in := range s.TakeIntents() {
			if err := p.processIntent(s, in); err != nil {
				errs = append(errs, fmt.Errorf("intent %s %s on %s: %w", in.ProductType, in.Symbol, s.ID(), err))
			}
		}
	}
	if p.crossing {
		if err := p.crossStaged(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// processIntent reconciles one absolute position target against the current
// position and the in-flight intent order, if any.
func (p *Portfolio) processIntent(s strategy.Strategy, in strategy.Intent) error {
	delta := in.Target - p.pm.Position(s.ID(), in.ProductType, in.Symbol)

	open := p.oms.OpenOrders(order.Filter{
		OriginatorID: p.OriginatorID(),
		StrategyID:   s.ID(),
		ProductType:  in.ProductType,
		Symbol:       in.Symbol,
	})
	if len(open) > 0 {
		done, err := p.reconcileIntentOrder(open[0], delta)
		if err != nil {
			return err
		}
		if !done {
			// The working order is still in flight or being unwound; keep
			// the target so the next bar reconciles it.
			s.Intent(in.ProductType, in.Symbol, in.Target)
		}
		return nil
	}
	if delta == 0 {
		return nil
	}
	return p.stageIntentOrder(s, in, delta)
}

// reconcileIntentOrder adjusts an in-flight intent order to a new delta:
// cancel when the target is reached or the direction flipped, replace when
// only the quantity moved. It reports whether the target is fully handled;
// a false return means the caller must retain the intent for the next bar.
func (p *Portfolio) reconcileIntentOrder(o *order.Order, delta int64) (bool, error) {
	switch o.State {
	case order.StateLive, order.StatePartiallyFilled:
	default:
		// Still in flight toward the venue or mid cancel/replace; let it
		// resolve before adjusting.
		return false, nil
	}
	side := order.Buy
	if delta < 0 {
		side = order.Sell
	}
	qty := delta
	if qty < 0 {
		qty = -qty
	}
	switch {
	case delta == 0 || o.BuySell != side:
		// The canceled order leaves the remaining delta unworked; the
		// retained intent re-stages once the cancel resolves.
		log.Printf("[portfolio:%s] intent moved against order %s, canceling", p.id, o.UUID)
		return false, p.oms.ChangeState(o, order.StateCancelRequested)
	case o.Quantity != qty:
		log.Printf("[portfolio:%s] intent resized order %s to %d", p.id, o.UUID, qty)
		return true, p.oms.ReplaceOrder(o, qty, nil)
	}
	return true, nil
}

// stageIntentOrder creates the limit order for a fresh intent delta and
// stages it. The order books under the owning strategy but carries the
// portfolio as originator.
func (p *Portfolio) stageIntentOrder(s strategy.Strategy, in strategy.Intent, delta int64) error {
	side := "buy"
	qty := delta
	offset := p.priceOffset
	if delta < 0 {
		side, qty, offset = "sell", -delta, -p.priceOffset
	}
	px, err := p.mdm.CurrentPrice(in.ProductType, in.Symbol)
	if err != nil {
		return err
	}
	o, err := order.New(p.uid, p.OriginatorID(), s.UUID(), s.ID(), in.ProductType, in.Symbol, side, qty, "LIMIT", order.Details{"price": px + offset})
	if err != nil {
		return err
	}
	o.PortfolioUUID = p.uid
	o.PortfolioID = p.id
	if err := p.oms.NewOrder(o); err != nil {
		return err
	}
	log.Printf("[portfolio:%s] intent -> %s %d %s @ %.4f for %s", p.id, side, qty, in.Symbol, px+offset, s.ID())
	return p.oms.ChangeState(o, order.StateStaged)
}

// crossStaged matches exactly opposing staged orders across strategies:
// same product and symbol, equal quantity, opposite side, different
// strategy. Both legs terminate with a synthetic fill at the midpoint of
// their limit prices and never reach risk or the venue.
func (p *Portfolio) crossStaged() error {
	staged := p.oms.OrdersList(order.Filter{PortfolioID: p.id, States: []order.State{order.StateStaged}})
	crossed := make(map[string]bool)
	for i, a := range staged {
		if crossed[a.UUID] || a.Type != order.Limit {
			continue
		}
		for _, b := range staged[i+1:] {
			if crossed[b.UUID] || b.Type != order.Limit {
				continue
			}
			if a.StrategyID == b.StrategyID ||
				a.ProductType != b.ProductType || a.Symbol != b.Symbol ||
				a.Quantity != b.Quantity || a.BuySell != b.BuySell.Opposite() {
				continue
			}
			px := (a.Details.Price() + b.Details.Price()) / 2
			if err := p.cross(a, b, px); err != nil {
				return err
			}
			crossed[a.UUID], crossed[b.UUID] = true, true
			break
		}
	}
	return nil
}

func (p *Portfolio) cross(a, b *order.Order, px float64) error {
	ts := time.Now().UTC()
	for _, o := range []*order.Order{a, b} {
		p.crossSeq--
		fill := order.Fill{
			ID:        p.crossSeq, // negative ids mark synthetic crossing fills
			Timestamp: ts,
			Bartime:   p.oms.Bartime(),
			Quantity:  o.Quantity,
			Price:     px,
		}
		if err := p.oms.AddFill(o, fill); err != nil {
			return err
		}
		if err := p.oms.ChangeState(o, order.StateFilled); err != nil {
			return err
		}
	}
	log.Printf("[portfolio:%s] crossed %s and %s: %d @ %.4f", p.id, a.UUID, b.UUID, a.Quantity, px)
	return nil
}
