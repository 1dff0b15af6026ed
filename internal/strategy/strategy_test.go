package strategy

import (
	"testing"
	"time"

	"tradesim/internal/market"
	"tradesim/internal/order"
	"tradesim/internal/position"
)

func newHandles(t *testing.T) Handles {
	t.Helper()
	sim := market.NewSimData()
	oms := order.NewManager("oms-test", nil)
	oms.SetMarketState("stock", true)
	oms.SetBartime(time.Date(2023, 5, 1, 9, 30, 0, 0, time.UTC))
	return Handles{OMS: oms, PM: position.NewManager(oms, sim), MDM: sim}
}

func TestBaseOrderAuthoring(t *testing.T) {
	h := newHandles(t)
	var b Base
	b.Init("alpha", "main", h)

	uuid, err := b.Order("stock", "TEST", "buy", 100, "LIMIT", order.Details{"price": 10.0})
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	o, err := b.GetOrder(uuid)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.OriginatorID != "strategy.alpha" {
		t.Errorf("originator_id=%q, expected strategy.alpha", o.OriginatorID)
	}
	if o.StrategyID != "alpha" || o.PortfolioID != "main" {
		t.Errorf("strategy_id=%q portfolio_id=%q", o.StrategyID, o.PortfolioID)
	}
	if o.State != order.StateCreated {
		t.Errorf("state=%s, expected CREATED", o.State)
	}

	if _, err := b.Order("stock", "TEST", "hold", 100, "LIMIT", nil); err == nil {
		t.Errorf("invalid side accepted")
	}
}

func TestIntentsAreSingleShot(t *testing.T) {
	h := newHandles(t)
	var b Base
	b.Init("alpha", "main", h)

	b.Intent("stock", "X", 50)
	b.Intent("stock", "Y", 20)
	b.Intent("stock", "X", 80) // replaces the first X intent

	if got, ok := b.GetIntent("stock", "X"); !ok || got != 80 {
		t.Errorf("GetIntent(X)=%d,%v, expected 80", got, ok)
	}
	taken := b.TakeIntents()
	if len(taken) != 2 {
		t.Fatalf("TakeIntents=%v, expected 2 intents", taken)
	}
	if taken[0].Symbol != "X" || taken[0].Target != 80 {
		t.Errorf("first intent=%+v, expected X target 80", taken[0])
	}
	if len(b.TakeIntents()) != 0 {
		t.Errorf("intents survived TakeIntents")
	}
	if _, ok := b.GetIntent("stock", "X"); ok {
		t.Errorf("GetIntent found a consumed intent")
	}
}

func TestRegistry(t *testing.T) {
	s, err := New("TargetHold")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := s.(*TargetHold); !ok {
		t.Fatalf("New returned %T", s)
	}
	if _, err := New("NoSuchClass"); err == nil {
		t.Errorf("unknown class accepted")
	}
	found := false
	for _, c := range Classes() {
		if c == "TargetHold" {
			found = true
		}
	}
	if !found {
		t.Errorf("Classes()=%v missing TargetHold", Classes())
	}
}

func TestTargetHoldDeclaresIntentOnce(t *testing.T) {
	h := newHandles(t)
	s := &TargetHold{}
	s.Init("hold1", "main", h)
	s.SetParameters(map[string]any{"symbol": "X", "target": int64(50)})

	if err := s.OnStart(); err != nil {
		t.Fatalf("OnStart: %v", err)
	}
	ts := time.Date(2023, 5, 1, 9, 30, 0, 0, time.UTC)
	if err := s.OnBar(ts); err != nil {
		t.Fatalf("OnBar: %v", err)
	}
	if got, ok := s.GetIntent("stock", "X"); !ok || got != 50 {
		t.Fatalf("intent=%d,%v, expected 50", got, ok)
	}
	s.TakeIntents()
	// Later bars of the same day do not re-declare.
	if err := s.OnBar(ts.Add(time.Minute)); err != nil {
		t.Fatalf("OnBar: %v", err)
	}
	if _, ok := s.GetIntent("stock", "X"); ok {
		t.Errorf("intent re-declared on a later bar")
	}
	// A new day re-arms the strategy.
	if err := s.OnBeginOfDay(ts.Add(24 * time.Hour)); err != nil {
		t.Fatalf("OnBeginOfDay: %v", err)
	}
	if err := s.OnBar(ts.Add(24 * time.Hour)); err != nil {
		t.Fatalf("OnBar: %v", err)
	}
	if got, ok := s.GetIntent("stock", "X"); !ok || got != 50 {
		t.Errorf("intent after new day=%d,%v, expected 50", got, ok)
	}
}
