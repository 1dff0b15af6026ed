// Package engine drives the per-bar event pipeline and the session
// boundaries around it.
package engine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"tradesim/internal/broker"
	"tradesim/internal/events"
	"tradesim/internal/exchange"
	"tradesim/internal/market"
	"tradesim/internal/order"
	"tradesim/internal/portfolio"
	"tradesim/internal/position"
	"tradesim/internal/risk"
	"tradesim/internal/strategy"
)

// ErrStuckOrder is returned when an order survives a bar in a transient
// request state.
var ErrStuckOrder = errors.New("stuck order")

// Persister stores end-of-day snapshots.
type Persister interface {
	SaveOrders(source string, ts time.Time, orders []*order.Order) error
	SavePositions(source string, ts time.Time, rows []position.Position) error
}

// Processor wires the components together and runs the bar pipeline over
// them. All calls are single-threaded: the runner advances bartime and the
// pipeline runs to completion before the next bar.
type Processor struct {
	source string

	oms   *order.Manager
	mdm   market.DataManager
	exch  *exchange.PaperExchange
	brk   *broker.PaperBroker
	risk  *risk.Manager
	pm    *position.Manager
	bus   *events.Bus
	store Persister

	portfolios []*portfolio.Portfolio
	strict     bool

	// product type -> frequencies tracked, filled from strategy
	// subscriptions at start.
	tracked   map[string]map[string]bool
	unhealthy map[string]bool
}

// NewProcessor creates a pipeline over the given components. store may be
// nil to skip persistence; strict makes strategy callback errors fatal.
func NewProcessor(source string, oms *order.Manager, mdm market.DataManager, exch *exchange.PaperExchange, brk *broker.PaperBroker, rm *risk.Manager, pm *position.Manager, bus *events.Bus, store Persister, strict bool) *Processor {
	return &Processor{
		source:    source,
		oms:       oms,
		mdm:       mdm,
		exch:      exch,
		brk:       brk,
		risk:      rm,
		pm:        pm,
		bus:       bus,
		store:     store,
		strict:    strict,
		tracked:   make(map[string]map[string]bool),
		unhealthy: make(map[string]bool),
	}
}

// AddPortfolio registers a portfolio; its strategies join the pipeline.
func (p *Processor) AddPortfolio(pf *portfolio.Portfolio) {
	p.portfolios = append(p.portfolios, pf)
}

// Portfolios returns the registered portfolios in registration order.
func (p *Processor) Portfolios() []*portfolio.Portfolio {
	return p.portfolios
}

func (p *Processor) strategies() []strategy.Strategy {
	var out []strategy.Strategy
	for _, pf := range p.portfolios {
		out = append(out, pf.Strategies()...)
	}
	return out
}

// callback runs one strategy lifecycle call, recovering panics. A failing
// strategy is marked unhealthy and skipped until the next begin of day.
func (p *Processor) callback(s strategy.Strategy, name string, fn func() error) (err error) {
	if p.unhealthy[s.ID()] {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked in %s: %v", s.ID(), name, r)
		}
		if err != nil {
			log.Printf("[engine] %v; disabling %s until next session", err, s.ID())
			p.unhealthy[s.ID()] = true
			if !p.strict {
				err = nil
			}
		}
	}()
	return fn()
}

// OnStart initializes every strategy and records its subscriptions.
func (p *Processor) OnStart() error {
	for _, s := range p.strategies() {
		if err := p.callback(s, "on_start", s.OnStart); err != nil {
			return err
		}
		for _, r := range s.Symbols() {
			if p.tracked[r.ProductType] == nil {
				p.tracked[r.ProductType] = make(map[string]bool)
			}
			p.tracked[r.ProductType][r.Frequency] = true
		}
	}
	log.Printf("[engine] started: %d portfolios, %d strategies, source=%s",
		len(p.portfolios), len(p.strategies()), p.source)
	return nil
}

// BeginOfDay rolls the position session, re-enables unhealthy strategies and
// notifies the strategies.
func (p *Processor) BeginOfDay(ts time.Time) error {
	p.unhealthy = make(map[string]bool)
	p.pm.RollSession()
	for _, s := range p.strategies() {
		if err := p.callback(s, "on_begin_of_day", func() error { return s.OnBeginOfDay(ts) }); err != nil {
			return err
		}
	}
	return nil
}

// MarketOpen opens every tracked product and notifies the strategies.
func (p *Processor) MarketOpen(ts time.Time) error {
	for pt := range p.tracked {
		p.oms.SetMarketState(pt, true)
	}
	for _, s := range p.strategies() {
		if err := p.callback(s, "on_market_open", func() error { return s.OnMarketOpen(ts) }); err != nil {
			return err
		}
	}
	return nil
}

// ProcessBar runs the pipeline for one bar: data update, strategy bars,
// portfolio and risk passes, the venue round trip, booking, notifications,
// PnL and the stuck-order check.
func (p *Processor) ProcessBar(ts time.Time) error {
	p.mdm.SetBartime(ts)
	p.oms.SetBartime(ts)

	var errs []error
	for pt, freqs := range p.tracked {
		for freq := range freqs {
			if err := p.mdm.Update(pt, freq); err != nil {
				errs = append(errs, fmt.Errorf("market update %s %s: %w", pt, freq, err))
			}
		}
	}

	for _, s := range p.strategies() {
		if err := p.callback(s, "on_bar", func() error { return s.OnBar(ts) }); err != nil {
			return err
		}
	}

	for _, pf := range p.portfolios {
		if err := pf.ProcessOrders(); err != nil {
			errs = append(errs, err)
		}
		if err := p.risk.ProcessPortfolioOrders(pf.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.brk.SendOrders(); err != nil {
		errs = append(errs, err)
	}
	if err := p.exch.ProcessOrders(p.mdm); err != nil {
		errs = append(errs, err)
	}
	if err := p.brk.ProcessFills(); err != nil {
		errs = append(errs, err)
	}

	booked, err := p.pm.BookFills()
	if err != nil {
		errs = append(errs, err)
	}
	if err := p.notify(ts, booked); err != nil {
		return err
	}

	if err := p.pm.UpdatePnL(); err != nil {
		errs = append(errs, err)
	}

	if stuck := p.oms.StuckOrders(); len(stuck) > 0 {
		return fmt.Errorf("%w: %d orders in transient states at %s, first %s in %s",
			ErrStuckOrder, len(stuck), ts, stuck[0].UUID, stuck[0].State)
	}

	p.bus.Publish(events.EventBarProcessed, ts)
	return errors.Join(errs...)
}

// notify dispatches OnFills and OnCancels per strategy: booked orders by
// owning strategy, plus cancellations that landed on this bar.
func (p *Processor) notify(ts time.Time, booked map[string][]*order.Order) error {
	fills := make(map[string][]*order.Order)
	for _, orders := range booked {
		for _, o := range orders {
			fills[o.StrategyID] = append(fills[o.StrategyID], o)
			p.bus.Publish(events.EventTradeBooked, events.OrderUpdate{
				UUID: o.UUID, Symbol: o.Symbol, State: string(o.State), Bartime: ts, Quantity: o.FillQuantity,
			})
		}
	}
	cancels := make(map[string][]*order.Order)
	for _, o := range p.oms.ClosedOrders(order.Filter{States: []order.State{order.StateCanceled}}) {
		if o.LastStateBartime().Equal(ts) {
			cancels[o.StrategyID] = append(cancels[o.StrategyID], o)
		}
	}
	if len(fills) == 0 && len(cancels) == 0 {
		return nil
	}
	for _, s := range p.strategies() {
		if orders := fills[s.ID()]; len(orders) > 0 {
			if err := p.callback(s, "on_fills", func() error { return s.OnFills(ts, orders) }); err != nil {
				return err
			}
		}
		if orders := cancels[s.ID()]; len(orders) > 0 {
			if err := p.callback(s, "on_cancels", func() error { return s.OnCancels(ts, orders) }); err != nil {
				return err
			}
		}
	}
	return nil
}

// MarketClose closes every tracked product, sweeps the venue book, mirrors
// the resulting cancellations and notifies the strategies. After it returns
// no order may remain open at the venue.
func (p *Processor) MarketClose(ts time.Time) error {
	for pt := range p.tracked {
		p.oms.SetMarketState(pt, false)
		p.exch.MarketClose(pt, ts)
	}
	if err := p.brk.ProcessFills(); err != nil {
		return err
	}
	booked, err := p.pm.BookFills()
	if err != nil {
		return err
	}
	if err := p.notify(ts, booked); err != nil {
		return err
	}
	for _, s := range p.strategies() {
		if err := p.callback(s, "on_market_close", func() error { return s.OnMarketClose(ts) }); err != nil {
			return err
		}
	}
	if ids := p.exch.OpenOrderIDs(); len(ids) > 0 {
		return fmt.Errorf("venue still has %d open orders after market close", len(ids))
	}
	return nil
}

// EndOfDay notifies the strategies, persists the day's orders and positions
// (retrying once) and resets the per-day order state.
func (p *Processor) EndOfDay(ts time.Time) error {
	for _, s := range p.strategies() {
		if err := p.callback(s, "on_end_of_day", func() error { return s.OnEndOfDay(ts) }); err != nil {
			return err
		}
	}
	if p.store != nil {
		if err := p.persist(ts); err != nil {
			return fmt.Errorf("end of day persistence: %w", err)
		}
	}
	p.oms.Reset()
	p.brk.Reset()
	return nil
}

func (p *Processor) persist(ts time.Time) error {
	save := func() error {
		if err := p.store.SaveOrders(p.source, ts, p.oms.OrdersList(order.Filter{})); err != nil {
			return err
		}
		return p.store.SavePositions(p.source, ts, p.pm.Rows())
	}
	err := save()
	if err == nil {
		return nil
	}
	log.Printf("[engine] persistence failed, retrying once: %v", err)
	return save()
}

// OnStop notifies the strategies that the run is over.
func (p *Processor) OnStop(ts time.Time) error {
	for _, s := range p.strategies() {
		if err := p.callback(s, "on_stop", func() error { return s.OnStop(ts) }); err != nil {
			return err
		}
	}
	return nil
}
