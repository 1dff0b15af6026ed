// Package order holds the Order entity, its lifecycle state machine and the
// OrderManager repository. Orders are created by strategies or portfolios,
// owned by the OrderManager and referenced everywhere else by UUID.
package order

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Side is the canonical direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide normalizes the accepted side spellings (buy, sell, b, s in any
// case) to the canonical values.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "buy", "b":
		return Buy, nil
	case "sell", "s":
		return Sell, nil
	}
	return "", fmt.Errorf("side must be one of buy, sell, b, s: %q", s)
}

// Opposite returns the other direction.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Type is the order type.
type Type string

const (
	Limit  Type = "LIMIT"
	Market Type = "MARKET"
)

// ParseType validates an order type.
func ParseType(s string) (Type, error) {
	switch Type(strings.ToUpper(s)) {
	case Limit:
		return Limit, nil
	case Market:
		return Market, nil
	}
	return "", fmt.Errorf("unsupported order type: %q", s)
}

// Details carries the type-dependent order parameters, e.g. {"price": 10.0}
// for LIMIT. Risk rejection reasons are also recorded here.
type Details map[string]any

// Price returns the limit price, or 0 if none is set.
func (d Details) Price() float64 {
	switch v := d["price"].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func (d Details) clone() Details {
	c := make(Details, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// BookedFlag is the three-valued booking marker: none until the first fill,
// false while unbooked fills exist, true once the PositionManager applied
// the order.
type BookedFlag int

const (
	BookedNone BookedFlag = iota
	BookedFalse
	BookedTrue
)

func (b BookedFlag) String() string {
	switch b {
	case BookedFalse:
		return "false"
	case BookedTrue:
		return "true"
	}
	return "none"
}

// StateChange is one appended row of the state history.
type StateChange struct {
	Timestamp time.Time
	Bartime   time.Time
	State     State
}

// Replace is one appended row of the replace history. The original quantity
// and details form the first row.
type Replace struct {
	Quantity int64
	Details  Details
}

// Fill is one execution received from the venue (or synthesized by internal
// crossing).
type Fill struct {
	ID         int64
	Timestamp  time.Time
	Bartime    time.Time
	Quantity   int64
	Price      float64
	Commission float64
	Booked     bool
}

// Order is the value-plus-state entity for one instruction. All lifecycle
// mutation goes through the OrderManager; other components treat Orders as
// read-only.
type Order struct {
	UUID            string
	CreateTimestamp time.Time

	OriginatorUUID string
	OriginatorID   string
	StrategyUUID   string
	StrategyID     string
	PortfolioUUID  string
	PortfolioID    string

	ProductType string
	Symbol      string
	BuySell     Side
	Quantity    int64
	Type        Type
	Details     Details

	State  State
	Closed bool
	Booked BookedFlag

	BrokerOrderID   int64
	ExchangeOrderID int64

	FillPrice    float64
	FillQuantity int64
	Commission   float64

	StateHistory []StateChange
	Replaces     []Replace
	Fills        []Fill
}

// New creates an order in CREATED state. side and orderType accept the
// spellings of ParseSide / ParseType.
func New(originatorUUID, originatorID, strategyUUID, strategyID, productType, symbol, side string, quantity int64, orderType string, details Details) (*Order, error) {
	bs, err := ParseSide(side)
	if err != nil {
		return nil, err
	}
	typ, err := ParseType(orderType)
	if err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive: %d", quantity)
	}
	if typ == Limit && details.Price() <= 0 {
		return nil, fmt.Errorf("LIMIT order requires a positive price")
	}
	if details == nil {
		details = Details{}
	}

	o := &Order{
		UUID:            uuid.NewString(),
		CreateTimestamp: time.Now().UTC(),
		OriginatorUUID:  originatorUUID,
		OriginatorID:    originatorID,
		StrategyUUID:    strategyUUID,
		StrategyID:      strategyID,
		ProductType:     productType,
		Symbol:          symbol,
		BuySell:         bs,
		Quantity:        quantity,
		Type:            typ,
		Details:         details.clone(),
		Booked:          BookedNone,
	}
	o.Replaces = append(o.Replaces, Replace{Quantity: quantity, Details: details.clone()})
	o.transition(StateCreated, time.Time{})
	return o, nil
}

// transition appends a state row without edge validation; validation happens
// in the OrderManager. CREATED is the only state set directly at creation.
func (o *Order) transition(s State, bartime time.Time) {
	o.State = s
	o.Closed = s.Closed()
	o.StateHistory = append(o.StateHistory, StateChange{
		Timestamp: time.Now().UTC(),
		Bartime:   bartime,
		State:     s,
	})
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FillQuantity
}

// HasFill reports whether a fill with the given venue ID was already applied.
func (o *Order) HasFill(fillID int64) bool {
	for _, f := range o.Fills {
		if f.ID == fillID {
			return true
		}
	}
	return false
}

// AddFill appends a fill and recomputes the aggregate fill quantity, the
// quantity-weighted average fill price and the commission total.
func (o *Order) AddFill(f Fill) error {
	if o.HasFill(f.ID) {
		return fmt.Errorf("duplicate fill id %d on order %s", f.ID, o.UUID)
	}
	if o.FillQuantity+f.Quantity > o.Quantity {
		return fmt.Errorf("fill of %d exceeds remaining %d on order %s", f.Quantity, o.Remaining(), o.UUID)
	}
	if o.FillQuantity > 0 {
		o.FillPrice = (o.FillPrice*float64(o.FillQuantity) + f.Price*float64(f.Quantity)) /
			float64(o.FillQuantity+f.Quantity)
	} else {
		o.FillPrice = f.Price
	}
	o.FillQuantity += f.Quantity
	o.Commission += f.Commission
	o.Fills = append(o.Fills, f)
	log.Printf("[order] fill %d on %s: qty=%d px=%.4f commission=%.4f", f.ID, o.UUID, f.Quantity, f.Price, f.Commission)
	return nil
}

// applyReplace appends a replacement row; quantity and details reflect the
// latest replacement. A zero quantity keeps the current quantity.
func (o *Order) applyReplace(quantity int64, details Details) {
	if quantity == 0 {
		quantity = o.Quantity
	}
	if details == nil {
		details = o.Details
	}
	o.Replaces = append(o.Replaces, Replace{Quantity: quantity, Details: details.clone()})
	o.Quantity = quantity
	o.Details = details.clone()
}

// LastStateBartime returns the bartime of the most recent state change.
func (o *Order) LastStateBartime() time.Time {
	if len(o.StateHistory) == 0 {
		return time.Time{}
	}
	return o.StateHistory[len(o.StateHistory)-1].Bartime
}

// Fingerprint returns the canonical identity line used for cross-run
// comparison: uuid|create_timestamp|product_type|symbol|side|quantity|type|detailsJSON.
func (o *Order) Fingerprint() string {
	details, _ := json.Marshal(o.Details)
	return fmt.Sprintf("%s|%s|%s|%s|%s|%d|%s|%s",
		o.UUID, o.CreateTimestamp.Format(time.RFC3339Nano), o.ProductType, o.Symbol,
		o.BuySell, o.Quantity, o.Type, details)
}

// ToMap projects the order attributes, including one key per visited state
// with its timestamp. The projection round-trips through FromMap.
func (o *Order) ToMap() map[string]any {
	m := map[string]any{
		"uuid":              o.UUID,
		"create_timestamp":  o.CreateTimestamp,
		"originator_uuid":   o.OriginatorUUID,
		"originator_id":     o.OriginatorID,
		"strategy_uuid":     o.StrategyUUID,
		"strategy_id":       o.StrategyID,
		"portfolio_uuid":    o.PortfolioUUID,
		"portfolio_id":      o.PortfolioID,
		"product_type":      o.ProductType,
		"symbol":            o.Symbol,
		"buy_sell":          string(o.BuySell),
		"quantity":          o.Quantity,
		"type":              string(o.Type),
		"details":           o.Details.clone(),
		"state":             string(o.State),
		"closed":            o.Closed,
		"booked":            o.Booked.String(),
		"broker_order_id":   o.BrokerOrderID,
		"exchange_order_id": o.ExchangeOrderID,
		"fill_price":        o.FillPrice,
		"fill_quantity":     o.FillQuantity,
		"commission":        o.Commission,
	}
	for _, sc := range o.StateHistory {
		m[string(sc.State)] = sc.Timestamp
	}
	return m
}

func (o *Order) String() string {
	return fmt.Sprintf("Order{%s %s %s %s %d %s %s}",
		o.UUID, o.State, o.Symbol, o.BuySell, o.Quantity, o.Type, o.OriginatorID)
}
