package order

import (
	"fmt"
	"sort"
	"time"
)

// FromMap reconstructs an order from a ToMap projection. The append-only
// histories for replaces and fills are not part of the projection; the state
// history is rebuilt from the per-state timestamp keys.
func FromMap(m map[string]any) (*Order, error) {
	str := func(key string) string {
		s, _ := m[key].(string)
		return s
	}
	i64 := func(key string) int64 {
		switch v := m[key].(type) {
		case int64:
			return v
		case int:
			return int64(v)
		case float64:
			return int64(v)
		}
		return 0
	}
	f64 := func(key string) float64 {
		switch v := m[key].(type) {
		case float64:
			return v
		case int64:
			return float64(v)
		}
		return 0
	}

	bs, err := ParseSide(str("buy_sell"))
	if err != nil {
		return nil, err
	}
	typ, err := ParseType(str("type"))
	if err != nil {
		return nil, err
	}

	o := &Order{
		UUID:            str("uuid"),
		OriginatorUUID:  str("originator_uuid"),
		OriginatorID:    str("originator_id"),
		StrategyUUID:    str("strategy_uuid"),
		StrategyID:      str("strategy_id"),
		PortfolioUUID:   str("portfolio_uuid"),
		PortfolioID:     str("portfolio_id"),
		ProductType:     str("product_type"),
		Symbol:          str("symbol"),
		BuySell:         bs,
		Quantity:        i64("quantity"),
		Type:            typ,
		BrokerOrderID:   i64("broker_order_id"),
		ExchangeOrderID: i64("exchange_order_id"),
		FillPrice:       f64("fill_price"),
		FillQuantity:    i64("fill_quantity"),
		Commission:      f64("commission"),
	}
	if o.UUID == "" {
		return nil, fmt.Errorf("order map has no uuid")
	}
	if ts, ok := m["create_timestamp"].(time.Time); ok {
		o.CreateTimestamp = ts
	}
	if d, ok := m["details"].(Details); ok {
		o.Details = d.clone()
	} else if d, ok := m["details"].(map[string]any); ok {
		o.Details = Details(d).clone()
	} else {
		o.Details = Details{}
	}

	state := State(str("state"))
	if !validState(state) {
		return nil, fmt.Errorf("order map has invalid state %q", state)
	}
	o.State = state
	o.Closed = state.Closed()

	switch str("booked") {
	case "true":
		o.Booked = BookedTrue
	case "false":
		o.Booked = BookedFalse
	default:
		o.Booked = BookedNone
	}

	for _, s := range append(append([]State{}, OpenStates...), ClosedStates...) {
		if ts, ok := m[string(s)].(time.Time); ok {
			o.StateHistory = append(o.StateHistory, StateChange{Timestamp: ts, State: s})
		}
	}
	sort.SliceStable(o.StateHistory, func(i, j int) bool {
		return o.StateHistory[i].Timestamp.Before(o.StateHistory[j].Timestamp)
	})
	return o, nil
}
