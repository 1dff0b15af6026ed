package order

import (
	"errors"
	"testing"
	"time"
)

func newTestManager() *Manager {
	m := NewManager("oms-test", nil)
	m.SetMarketState("stock", true)
	m.SetBartime(time.Date(2023, 5, 1, 9, 30, 0, 0, time.UTC))
	return m
}

func stage(t *testing.T, m *Manager, o *Order) {
	t.Helper()
	if err := m.NewOrder(o); err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := m.ChangeState(o, StateStaged); err != nil {
		t.Fatalf("ChangeState to STAGED: %v", err)
	}
}

func TestManagerNewOrder(t *testing.T) {
	m := newTestManager()
	o := newTestOrder(t)
	if err := m.NewOrder(o); err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := m.NewOrder(o); !errors.Is(err, ErrDuplicateOrder) {
		t.Errorf("duplicate registration: err=%v, expected ErrDuplicateOrder", err)
	}
	got, err := m.Get(o.UUID)
	if err != nil || got != o {
		t.Errorf("Get(%s)=%v, %v", o.UUID, got, err)
	}
	if _, err := m.Get("nope"); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("Get of unknown uuid: err=%v, expected ErrUnknownOrder", err)
	}
}

func TestManagerRejectsInvalidTransition(t *testing.T) {
	m := newTestManager()
	o := newTestOrder(t)
	if err := m.NewOrder(o); err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if err := m.ChangeState(o, StateSent); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("CREATED -> SENT: err=%v, expected ErrInvalidTransition", err)
	}
	if o.State != StateCreated {
		t.Errorf("state mutated to %s by a rejected transition", o.State)
	}
}

func TestManagerSameStateIsNoop(t *testing.T) {
	m := newTestManager()
	o := newTestOrder(t)
	stage(t, m, o)
	n := len(o.StateHistory)
	if err := m.ChangeState(o, StateStaged); err != nil {
		t.Fatalf("same-state change: %v", err)
	}
	if len(o.StateHistory) != n {
		t.Errorf("same-state change appended history")
	}
}

func TestManagerMarketStateGate(t *testing.T) {
	m := newTestManager()
	m.SetMarketState("stock", false)
	o := newTestOrder(t)
	stage(t, m, o)

	if err := m.ChangeState(o, StateRiskAccepted); !errors.Is(err, ErrMarketClosed) {
		t.Fatalf("STAGED -> RISK_ACCEPTED with market closed: err=%v, expected ErrMarketClosed", err)
	}
	// Cancellation paths stay available while the market is closed.
	if err := m.ChangeState(o, StateRiskRejected); err != nil {
		t.Fatalf("STAGED -> RISK_REJECTED with market closed: %v", err)
	}

	m.SetMarketState("stock", true)
	o2 := newTestOrder(t)
	stage(t, m, o2)
	if err := m.ChangeState(o2, StateRiskAccepted); err != nil {
		t.Fatalf("STAGED -> RISK_ACCEPTED with market open: %v", err)
	}
}

func TestManagerBartimeStamped(t *testing.T) {
	m := newTestManager()
	bt := time.Date(2023, 5, 1, 9, 31, 0, 0, time.UTC)
	m.SetBartime(bt)
	o := newTestOrder(t)
	stage(t, m, o)
	if got := o.LastStateBartime(); !got.Equal(bt) {
		t.Errorf("LastStateBartime=%s, expected %s", got, bt)
	}
}

func TestManagerReplaceAndRevert(t *testing.T) {
	m := newTestManager()
	o := newTestOrder(t)
	stage(t, m, o)
	for _, s := range []State{StateRiskAccepted, StateSent, StateLive} {
		if err := m.ChangeState(o, s); err != nil {
			t.Fatalf("ChangeState to %s: %v", s, err)
		}
	}

	if err := m.ReplaceOrder(o, 150, Details{"price": 45.0}); err != nil {
		t.Fatalf("ReplaceOrder: %v", err)
	}
	if o.State != StateReplaceRequested || o.Quantity != 150 || o.Details.Price() != 45.0 {
		t.Fatalf("replace not applied: state=%s qty=%d px=%v", o.State, o.Quantity, o.Details.Price())
	}

	if err := m.ChangeState(o, StateReplaceRejected); err != nil {
		t.Fatalf("ChangeState to REPLACE_REJECTED: %v", err)
	}
	m.RevertReplace(o)
	if o.Quantity != 100 || o.Details.Price() != 50.0 {
		t.Errorf("revert restored qty=%d px=%v, expected 100 @ 50", o.Quantity, o.Details.Price())
	}
	if err := m.ChangeState(o, StateLive); err != nil {
		t.Fatalf("REPLACE_REJECTED -> LIVE: %v", err)
	}
}

func TestManagerFiltersAndBooking(t *testing.T) {
	m := newTestManager()

	a := newTestOrder(t)
	stage(t, m, a)

	b, err := New("orig2", "portfolio.main", "", "", "stock", "MSFT", "sell", 30, "LIMIT", Details{"price": 200.0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b.PortfolioID = "main"
	stage(t, m, b)

	if got := len(m.OrdersList(Filter{Symbol: "MSFT"})); got != 1 {
		t.Errorf("filter by symbol matched %d orders, expected 1", got)
	}
	if got := len(m.OrdersList(Filter{OriginatorID: "strategy.test"})); got != 1 {
		t.Errorf("filter by originator matched %d orders, expected 1", got)
	}
	if got := len(m.OpenOrders(Filter{})); got != 2 {
		t.Errorf("OpenOrders=%d, expected 2", got)
	}

	// Drive a to FILLED with a fill attached.
	for _, s := range []State{StateRiskAccepted, StateSent, StateLive} {
		if err := m.ChangeState(a, s); err != nil {
			t.Fatalf("ChangeState to %s: %v", s, err)
		}
	}
	if err := m.AddFill(a, Fill{ID: 1, Quantity: 100, Price: 50, Commission: -1}); err != nil {
		t.Fatalf("AddFill: %v", err)
	}
	if err := m.ChangeState(a, StateFilled); err != nil {
		t.Fatalf("ChangeState to FILLED: %v", err)
	}

	tb := m.ToBeBooked()
	if len(tb) != 1 || tb[0] != a {
		t.Fatalf("ToBeBooked=%v, expected just the filled order", tb)
	}
	m.SetBooked(a, BookedTrue)
	if len(m.ToBeBooked()) != 0 {
		t.Errorf("order still pending booking after SetBooked(true)")
	}
	if !a.Fills[0].Booked {
		t.Errorf("fill not marked booked")
	}
	if got := len(m.ClosedOrders(Filter{})); got != 1 {
		t.Errorf("ClosedOrders=%d, expected 1", got)
	}
}

func TestManagerStuckOrders(t *testing.T) {
	m := newTestManager()
	o := newTestOrder(t)
	stage(t, m, o) // staged at the current bartime: not stuck yet
	if got := len(m.StuckOrders()); got != 0 {
		t.Fatalf("StuckOrders=%d on the same bar, expected 0", got)
	}
	m.SetBartime(m.Bartime().Add(time.Minute))
	if got := len(m.StuckOrders()); got != 1 {
		t.Fatalf("StuckOrders=%d after the bar advanced, expected 1", got)
	}

	// LIVE is a resting venue state, never stuck.
	for _, s := range []State{StateRiskAccepted, StateSent, StateLive} {
		if err := m.ChangeState(o, s); err != nil {
			t.Fatalf("ChangeState to %s: %v", s, err)
		}
	}
	m.SetBartime(m.Bartime().Add(time.Minute))
	if got := len(m.StuckOrders()); got != 0 {
		t.Errorf("StuckOrders=%d for a LIVE order, expected 0", got)
	}
}

func TestManagerSetDetail(t *testing.T) {
	m := newTestManager()
	o := newTestOrder(t)

	if err := m.SetDetail(o, "risk_reason", "x"); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("SetDetail on unregistered order: err=%v, expected ErrUnknownOrder", err)
	}
	stage(t, m, o)
	if err := m.SetDetail(o, "risk_reason", "max_quantity: too big"); err != nil {
		t.Fatalf("SetDetail: %v", err)
	}
	if got := o.Details["risk_reason"]; got != "max_quantity: too big" {
		t.Errorf("risk_reason=%v", got)
	}
}

func TestManagerSetRouting(t *testing.T) {
	m := newTestManager()
	o := newTestOrder(t)
	stage(t, m, o)
	if err := m.SetRouting(o, 7, 9001); err != nil {
		t.Fatalf("SetRouting: %v", err)
	}
	if o.BrokerOrderID != 7 || o.ExchangeOrderID != 9001 {
		t.Errorf("routing ids=%d/%d, expected 7/9001", o.BrokerOrderID, o.ExchangeOrderID)
	}
}

// Observers snapshot orders while the pipeline mutates them; the race
// detector verifies both sides stay behind the manager lock.
func TestManagerSnapshotDuringMutation(t *testing.T) {
	m := newTestManager()
	o := newTestOrder(t)
	stage(t, m, o)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			for _, snap := range m.OrdersSnapshot(Filter{}) {
				if snap["uuid"] != o.UUID {
					t.Errorf("snapshot uuid=%v", snap["uuid"])
					return
				}
			}
		}
	}()
	for i := 0; i < 500; i++ {
		if err := m.SetDetail(o, "risk_reason", i); err != nil {
			t.Fatalf("SetDetail: %v", err)
		}
		if err := m.SetRouting(o, int64(i), int64(i)); err != nil {
			t.Fatalf("SetRouting: %v", err)
		}
	}
	<-done

	snaps := m.OrdersSnapshot(Filter{Symbol: o.Symbol})
	if len(snaps) != 1 {
		t.Fatalf("snapshots=%d, expected 1", len(snaps))
	}
	if got := snaps[0]["risk_reason"]; got != nil {
		t.Errorf("state-history keys leaked a details value: %v", got)
	}
	details, ok := snaps[0]["details"].(Details)
	if !ok || details["risk_reason"] != 499 {
		t.Errorf("details=%v, expected risk_reason 499", snaps[0]["details"])
	}
}

func TestManagerReset(t *testing.T) {
	m := newTestManager()
	o := newTestOrder(t)
	stage(t, m, o)
	m.Reset()
	if got := len(m.OrdersList(Filter{})); got != 0 {
		t.Errorf("orders after reset: %d", got)
	}
	if m.MarketOpen("stock") {
		t.Errorf("market state survived reset")
	}
	if err := m.NewOrder(newTestOrder(t)); err != nil {
		t.Errorf("NewOrder after reset: %v", err)
	}
}
