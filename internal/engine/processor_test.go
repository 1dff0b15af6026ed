package engine

import (
	"errors"
	"testing"
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

var t0 = time.Date(2023, 5, 1, 9, 30, 0, 0, time.UTC)

// scriptStrategy runs a per-bar script and records its notifications.
type scriptStrategy struct {
	strategy.Base
	script  func(s *scriptStrategy, ts time.Time) error
	fills   []*order.Order
	cancels []*order.Order
}

func (s *scriptStrategy) OnStart() error {
	s.AddSymbols(market.SymbolRequest{ProductType: "stock", Symbol: "TEST", Frequency: "1min"})
	return nil
}

func (s *scriptStrategy) OnBar(ts time.Time) error {
	if s.script != nil {
		return s.script(s, ts)
	}
	return nil
}

func (s *scriptStrategy) OnFills(_ time.Time, orders []*order.Order) error {
	s.fills = append(s.fills, orders...)
	return nil
}

func (s *scriptStrategy) OnCancels(_ time.Time, orders []*order.Order) error {
	s.cancels = append(s.cancels, orders...)
	return nil
}

type fixture struct {
	sim  *market.SimData
	oms  *order.Manager
	exch *exchange.PaperExchange
	pm   *position.Manager
	pf   *portfolio.Portfolio
	proc *Processor
}

func newFixture(t *testing.T, fillMultiplier float64, bars []market.Bar, strategies ...strategy.Strategy) *fixture {
	t.Helper()
	for i := range bars {
		bars[i].Timestamp = t0.Add(time.Duration(i) * time.Minute)
	}
	sim := market.NewSimData()
	sim.LoadBars("stock", "TEST", "1min", bars)

	bus := events.NewBus()
	oms := order.NewManager("oms-test", bus)
	exch := exchange.NewPaperExchange(fillMultiplier)
	brk := broker.NewPaperBroker(oms, exch, nil)
	pm := position.NewManager(oms, sim)
	rm := risk.NewManager(oms)
	pf := portfolio.New("main", oms, pm, sim, 0.05, false)
	for _, s := range strategies {
		pf.AddStrategy(s)
	}
	proc := NewProcessor("sim-test", oms, sim, exch, brk, rm, pm, bus, nil, false)
	proc.AddPortfolio(pf)
	return &fixture{sim: sim, oms: oms, exch: exch, pm: pm, pf: pf, proc: proc}
}

// open starts the session at t0 without closing it, so mid-session state can
// be asserted.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	if err := f.proc.OnStart(); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	if err := f.proc.BeginOfDay(t0); err != nil {
		t.Fatalf("BeginOfDay: %v", err)
	}
	if err := f.proc.MarketOpen(t0); err != nil {
		t.Fatalf("MarketOpen: %v", err)
	}
}

func (f *fixture) bar(t *testing.T, n int) {
	t.Helper()
	if err := f.proc.ProcessBar(t0.Add(time.Duration(n) * time.Minute)); err != nil {
		t.Fatalf("ProcessBar %d: %v", n, err)
	}
}

func newScripted(t *testing.T, id string, script func(s *scriptStrategy, ts time.Time) error) *scriptStrategy {
	t.Helper()
	return &scriptStrategy{script: script}
}

func TestLimitBuyFilledNextBar(t *testing.T) {
	var uuid string
	s := newScripted(t, "alpha", func(s *scriptStrategy, ts time.Time) error {
		if ts.Equal(t0) {
			u, err := s.Order("stock", "TEST", "buy", 100, "LIMIT", order.Details{"price": 10.0})
			uuid = u
			return err
		}
		return nil
	})
	f := newFixture(t, 1, []market.Bar{
		{Open: 10.0, High: 10.2, Low: 9.95, Close: 10.1, Volume: 1000},
		{Open: 9.9, High: 10.1, Low: 9.8, Close: 10.0, Volume: 1000},
	}, s)
	s.Init("alpha", "main", strategy.Handles{OMS: f.oms, PM: f.pm, MDM: f.sim})

	f.open(t)
	f.bar(t, 0)
	o, err := f.oms.Get(uuid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.State != order.StateSent {
		t.Fatalf("state after submit bar = %s, expected SENT", o.State)
	}

	f.bar(t, 1)
	if o.State != order.StateFilled {
		t.Fatalf("state=%s, expected FILLED", o.State)
	}
	if o.FillQuantity != 100 || o.FillPrice != 9.9 {
		t.Errorf("fill qty=%d px=%v, expected 100 @ 9.9", o.FillQuantity, o.FillPrice)
	}
	if got := f.pm.Position("alpha", "stock", "TEST"); got != 100 {
		t.Errorf("position=%d, expected 100", got)
	}
	if len(s.fills) != 1 || s.fills[0] != o {
		t.Errorf("OnFills got %v, expected the filled order", s.fills)
	}
}

func TestLimitNotMarketableStaysLive(t *testing.T) {
	var uuid string
	s := newScripted(t, "alpha", func(s *scriptStrategy, ts time.Time) error {
		if ts.Equal(t0) {
			u, err := s.Order("stock", "TEST", "buy", 100, "LIMIT", order.Details{"price": 10.0})
			uuid = u
			return err
		}
		return nil
	})
	f := newFixture(t, 1, []market.Bar{
		{Open: 10.5, High: 10.6, Low: 10.3, Close: 10.4, Volume: 1000},
		{Open: 10.5, High: 10.6, Low: 10.2, Close: 10.4, Volume: 1000},
	}, s)
	s.Init("alpha", "main", strategy.Handles{OMS: f.oms, PM: f.pm, MDM: f.sim})

	f.open(t)
	f.bar(t, 0)
	f.bar(t, 1)

	o, _ := f.oms.Get(uuid)
	if o.State != order.StateLive {
		t.Fatalf("state=%s, expected LIVE", o.State)
	}
	if len(o.Fills) != 0 {
		t.Errorf("fills=%v, expected none", o.Fills)
	}
	if got := f.pm.Position("alpha", "stock", "TEST"); got != 0 {
		t.Errorf("position=%d, expected 0", got)
	}
}

func TestIntentConvertsAndFills(t *testing.T) {
	s := newScripted(t, "alpha", func(s *scriptStrategy, ts time.Time) error {
		if ts.Equal(t0) {
			s.Intent("stock", "TEST", 50)
		}
		return nil
	})
	f := newFixture(t, 1, []market.Bar{
		{Open: 10.0, High: 10.1, Low: 9.9, Close: 10.0, Volume: 1000},
		{Open: 10.0, High: 10.1, Low: 9.9, Close: 10.0, Volume: 1000},
	}, s)
	s.Init("alpha", "main", strategy.Handles{OMS: f.oms, PM: f.pm, MDM: f.sim})

	f.open(t)
	f.bar(t, 0)
	converted := f.oms.OrdersList(order.Filter{OriginatorID: "portfolio.main"})
	if len(converted) != 1 {
		t.Fatalf("intent produced %d orders, expected 1", len(converted))
	}
	o := converted[0]
	if o.BuySell != order.Buy || o.Quantity != 50 {
		t.Errorf("order=%s %d, expected buy 50", o.BuySell, o.Quantity)
	}

	f.bar(t, 1)
	if o.State != order.StateFilled {
		t.Fatalf("state=%s, expected FILLED (limit 10.05 against open 10)", o.State)
	}
	if got := f.pm.Position("alpha", "stock", "TEST"); got != 50 {
		t.Errorf("position=%d, expected 50", got)
	}
}

func TestRiskRejectWhenMarketClosed(t *testing.T) {
	var uuid string
	s := newScripted(t, "alpha", func(s *scriptStrategy, ts time.Time) error {
		if ts.Equal(t0) {
			u, err := s.Order("stock", "TEST", "buy", 100, "LIMIT", order.Details{"price": 10.0})
			uuid = u
			return err
		}
		return nil
	})
	f := newFixture(t, 1, []market.Bar{
		{Open: 10.0, High: 10.1, Low: 9.9, Close: 10.0, Volume: 1000},
	}, s)
	s.Init("alpha", "main", strategy.Handles{OMS: f.oms, PM: f.pm, MDM: f.sim})

	// Session boundaries run but the market never opens.
	if err := f.proc.OnStart(); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	if err := f.proc.BeginOfDay(t0); err != nil {
		t.Fatalf("BeginOfDay: %v", err)
	}
	f.bar(t, 0)

	o, _ := f.oms.Get(uuid)
	if o.State != order.StateRiskRejected {
		t.Fatalf("state=%s, expected RISK_REJECTED", o.State)
	}
	if got := f.pm.Position("alpha", "stock", "TEST"); got != 0 {
		t.Errorf("position=%d, expected 0", got)
	}
	if got := len(f.oms.ClosedOrders(order.Filter{})); got != 1 {
		t.Errorf("closed orders=%d, expected exactly 1", got)
	}
}

func TestPartialFillThenCancel(t *testing.T) {
	var uuid string
	s := newScripted(t, "alpha", func(s *scriptStrategy, ts time.Time) error {
		switch {
		case ts.Equal(t0):
			u, err := s.Order("stock", "TEST", "sell", 100, "LIMIT", order.Details{"price": 10.0})
			uuid = u
			return err
		case ts.Equal(t0.Add(2 * time.Minute)):
			o, err := s.GetOrder(uuid)
			if err != nil {
				return err
			}
			return s.CancelOrder(o)
		}
		return nil
	})
	f := newFixture(t, 0.1, []market.Bar{ // 60 shares per 600-volume bar
		{Open: 10.0, High: 10.2, Low: 9.8, Close: 10.0, Volume: 600},
		{Open: 10.0, High: 10.2, Low: 9.8, Close: 10.0, Volume: 600},
		{Open: 10.0, High: 10.2, Low: 9.8, Close: 10.0, Volume: 600},
	}, s)
	s.Init("alpha", "main", strategy.Handles{OMS: f.oms, PM: f.pm, MDM: f.sim})

	f.open(t)
	f.bar(t, 0)
	f.bar(t, 1)
	o, _ := f.oms.Get(uuid)
	if o.State != order.StatePartiallyFilled || o.FillQuantity != 60 {
		t.Fatalf("state=%s fill=%d, expected PARTIALLY_FILLED 60", o.State, o.FillQuantity)
	}

	f.bar(t, 2)
	if o.State != order.StateCanceled {
		t.Fatalf("state=%s, expected CANCELED", o.State)
	}
	if o.FillQuantity != 60 {
		t.Errorf("fill quantity=%d after cancel, expected 60", o.FillQuantity)
	}
	var path []order.State
	for _, sc := range o.StateHistory {
		path = append(path, sc.State)
	}
	for i, want := range []order.State{order.StateCancelRequested, order.StateCancelSent, order.StateCanceled} {
		if got := path[len(path)-3+i]; got != want {
			t.Fatalf("state path tail %v, expected ...CANCEL_REQUESTED, CANCEL_SENT, CANCELED", path)
		}
	}
	// The partial fills book once the order closes.
	if got := f.pm.Position("alpha", "stock", "TEST"); got != -60 {
		t.Errorf("position=%d, expected -60", got)
	}
	if len(s.cancels) != 1 || s.cancels[0] != o {
		t.Errorf("OnCancels got %v, expected the canceled order", s.cancels)
	}
}

func TestStuckOrderDetected(t *testing.T) {
	s := newScripted(t, "alpha", nil)
	f := newFixture(t, 1, []market.Bar{
		{Open: 10.0, High: 10.1, Low: 9.9, Close: 10.0, Volume: 1000},
		{Open: 10.0, High: 10.1, Low: 9.9, Close: 10.0, Volume: 1000},
	}, s)
	s.Init("alpha", "main", strategy.Handles{OMS: f.oms, PM: f.pm, MDM: f.sim})
	f.open(t)

	// An order tagged to a portfolio nobody processes stays CREATED.
	o, err := order.New("x", "strategy.ghost", "g", "ghost", "stock", "TEST", "buy", 10, "LIMIT", order.Details{"price": 10.0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.PortfolioID = "nobody"
	if err := f.oms.NewOrder(o); err != nil {
		t.Fatalf("NewOrder: %v", err)
	}

	err = f.proc.ProcessBar(t0)
	if !errors.Is(err, ErrStuckOrder) {
		t.Fatalf("ProcessBar err=%v, expected ErrStuckOrder", err)
	}
}

func TestStrategyPanicIsolated(t *testing.T) {
	bad := newScripted(t, "bad", func(s *scriptStrategy, ts time.Time) error {
		panic("boom")
	})
	var uuid string
	good := newScripted(t, "good", func(s *scriptStrategy, ts time.Time) error {
		if ts.Equal(t0) {
			u, err := s.Order("stock", "TEST", "buy", 100, "LIMIT", order.Details{"price": 10.0})
			uuid = u
			return err
		}
		return nil
	})
	f := newFixture(t, 1, []market.Bar{
		{Open: 10.0, High: 10.2, Low: 9.9, Close: 10.0, Volume: 1000},
		{Open: 9.9, High: 10.1, Low: 9.8, Close: 10.0, Volume: 1000},
	}, bad, good)
	bad.Init("bad", "main", strategy.Handles{OMS: f.oms, PM: f.pm, MDM: f.sim})
	good.Init("good", "main", strategy.Handles{OMS: f.oms, PM: f.pm, MDM: f.sim})

	f.open(t)
	f.bar(t, 0)
	f.bar(t, 1)

	o, err := f.oms.Get(uuid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if o.State != order.StateFilled {
		t.Errorf("healthy strategy's order state=%s, expected FILLED despite the panic", o.State)
	}
}
