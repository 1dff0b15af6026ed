package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventOrderNew     Event = "order.new"
	EventOrderState   Event = "order.state"
	EventOrderFill    Event = "order.fill"
	EventTradeBooked  Event = "trade.booked"
	EventMarketState  Event = "market.state"
	EventBarProcessed Event = "bar.processed"
)

// OrderUpdate is the payload for order lifecycle events.
type OrderUpdate struct {
	UUID     string
	Symbol   string
	State    string
	Bartime  time.Time
	Quantity int64
}

// MarketStateChange is the payload for market open/close events.
type MarketStateChange struct {
	ProductType string
	Open        bool
}
