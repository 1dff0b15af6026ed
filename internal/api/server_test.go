package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tradesim/internal/events"
	"tradesim/internal/order"
	"tradesim/internal/position"
)

func newTestServer(t *testing.T) (*Server, *order.Manager, *position.Manager) {
	t.Helper()
	bus := events.NewBus()
	oms := order.NewManager("test", bus)
	oms.SetBartime(time.Date(2023, 5, 1, 9, 30, 0, 0, time.UTC))
	oms.SetMarketState("stock", true)
	pm := position.NewManager(oms, nil)
	return NewServer(oms, pm, bus, SystemMeta{Source: "test", Version: "dev"}), oms, pm
}

func get(t *testing.T, s *Server, path string) map[string]any {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
	return body
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	body := get(t, s, "/health")
	if body["status"] != "ok" {
		t.Errorf("status=%v, expected ok", body["status"])
	}
	if body["source"] != "test" {
		t.Errorf("source=%v, expected test", body["source"])
	}
}

func TestGetOrdersFiltered(t *testing.T) {
	s, oms, _ := newTestServer(t)

	a, err := order.New("strategy.alpha", "strategy.alpha", "su", "alpha", "stock", "AAA", "buy", 100, "LIMIT", order.Details{"price": 10.0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := order.New("strategy.beta", "strategy.beta", "su", "beta", "stock", "BBB", "sell", 50, "MARKET", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, o := range []*order.Order{a, b} {
		if err := oms.NewOrder(o); err != nil {
			t.Fatalf("NewOrder: %v", err)
		}
	}

	body := get(t, s, "/api/orders")
	if body["count"].(float64) != 2 {
		t.Errorf("count=%v, expected 2", body["count"])
	}

	body = get(t, s, "/api/orders?symbol=AAA")
	if body["count"].(float64) != 1 {
		t.Fatalf("filtered count=%v, expected 1", body["count"])
	}
	rows := body["orders"].([]any)
	row := rows[0].(map[string]any)
	if row["symbol"] != "AAA" || row["strategy_id"] != "alpha" {
		t.Errorf("row=%v", row)
	}

	body = get(t, s, "/api/orders?state=FILLED")
	if body["count"].(float64) != 0 {
		t.Errorf("state filter count=%v, expected 0", body["count"])
	}
}

func TestGetPositions(t *testing.T) {
	s, oms, pm := newTestServer(t)

	o, err := order.New("strategy.alpha", "strategy.alpha", "su", "alpha", "stock", "TEST", "buy", 100, "LIMIT", order.Details{"price": 10.0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := oms.NewOrder(o); err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	pm.EnterTrade(position.Trade{
		OriginatorID: "strategy.alpha",
		StrategyID:   "alpha",
		Timestamp:    oms.Bartime(),
		ProductType:  "stock",
		Symbol:       "TEST",
		Side:         order.Buy,
		Quantity:     100,
		Price:        9.9,
		Commission:   -1,
	})

	body := get(t, s, "/api/positions")
	if body["count"].(float64) != 1 {
		t.Fatalf("count=%v, expected 1", body["count"])
	}
	row := body["positions"].([]any)[0].(map[string]any)
	if row["symbol"] != "TEST" || row["current_position"].(float64) != 100 {
		t.Errorf("row=%v", row)
	}
}
