// Package broker implements the paper broker: the translation layer between
// trading-system Orders and the venue's own book. It owns the
// broker_order_id <-> uuid mapping and is the only component that talks to
// the exchange.
package broker

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"tradesim/internal/exchange"
	"tradesim/internal/order"
)

// DefaultStockFee is the per-share commission for the stock product type.
// Negative values are costs.
const DefaultStockFee = -0.01

// PaperBroker forwards orders to a PaperExchange and mirrors the venue state
// back into the OMS once per bar.
type PaperBroker struct {
	mu   sync.Mutex
	oms  *order.Manager
	exch *exchange.PaperExchange

	// fee per share by product type; negative means cost.
	fees map[string]float64

	nextBrokerID int64
	byBrokerID   map[int64]string
}

// NewPaperBroker creates a broker over the given OMS and venue. fees maps
// product type to per-share commission; the stock default applies when nil.
func NewPaperBroker(oms *order.Manager, exch *exchange.PaperExchange, fees map[string]float64) *PaperBroker {
	if fees == nil {
		fees = map[string]float64{"stock": DefaultStockFee}
	}
	return &PaperBroker{
		oms:        oms,
		exch:       exch,
		fees:       fees,
		byBrokerID: make(map[int64]string),
	}
}

func (b *PaperBroker) commission(productType string, qty int64) float64 {
	return float64(qty) * b.fees[productType]
}

// SendOrder submits one RISK_ACCEPTED order to the venue and moves it to
// SENT.
func (b *PaperBroker) SendOrder(o *order.Order) error {
	if o.State != order.StateRiskAccepted {
		return fmt.Errorf("order %s is %s, expected %s", o.UUID, o.State, order.StateRiskAccepted)
	}
	b.mu.Lock()
	b.nextBrokerID++
	brokerID := b.nextBrokerID
	b.byBrokerID[brokerID] = o.UUID
	b.mu.Unlock()

	exchangeID := b.exch.ReceiveOrder(o.ProductType, o.Symbol, o.BuySell, o.Quantity, o.Type, o.Details)
	if err := b.oms.SetRouting(o, brokerID, exchangeID); err != nil {
		return err
	}
	if err := b.oms.ChangeState(o, order.StateSent); err != nil {
		return err
	}
	log.Printf("[broker] sent order %s broker_id=%d exchange_id=%d", o.UUID, brokerID, exchangeID)
	return nil
}

// SendOrders runs the per-bar outbound pass: cancel requests first, then
// replace requests, then new RISK_ACCEPTED orders. Cancels and replaces go
// out first so the venue resolves them on this bar.
func (b *PaperBroker) SendOrders() error {
	var errs []error
	for _, o := range b.oms.OrdersList(order.Filter{States: []order.State{order.StateCancelRequested}}) {
		if err := b.sendCancel(o); err != nil {
			errs = append(errs, err)
		}
	}
	for _, o := range b.oms.OrdersList(order.Filter{States: []order.State{order.StateReplaceRequested}}) {
		if err := b.sendReplace(o); err != nil {
			errs = append(errs, err)
		}
	}
	for _, o := range b.oms.OrdersList(order.Filter{States: []order.State{order.StateRiskAccepted}}) {
		if err := b.SendOrder(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *PaperBroker) sendCancel(o *order.Order) error {
	if o.BrokerOrderID == 0 {
		// Never reached the venue: cancel locally.
		return b.oms.ChangeState(o, order.StateCanceled)
	}
	if err := b.exch.CancelOrder(o.ExchangeOrderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", o.UUID, err)
	}
	return b.oms.ChangeState(o, order.StateCancelSent)
}

func (b *PaperBroker) sendReplace(o *order.Order) error {
	if o.BrokerOrderID == 0 {
		return fmt.Errorf("replace of unsent order %s", o.UUID)
	}
	if err := b.exch.ReplaceOrder(o.ExchangeOrderID, o.Quantity, o.Details); err != nil {
		return fmt.Errorf("replace order %s: %w", o.UUID, err)
	}
	return b.oms.ChangeState(o, order.StateReplaceSent)
}

// ProcessFills mirrors the venue into the OMS: for every order awaiting a
// venue outcome, append the fills not yet seen (with commission applied) and
// follow the venue's state.
func (b *PaperBroker) ProcessFills() error {
	watching := b.oms.OrdersList(order.Filter{States: []order.State{
		order.StateSent, order.StateLive, order.StatePartiallyFilled,
		order.StateCancelSent, order.StateReplaceSent,
	}})

	var errs []error
	for _, o := range watching {
		if err := b.mirror(o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *PaperBroker) mirror(o *order.Order) error {
	st, err := b.exch.GetOrder(o.ExchangeOrderID)
	if err != nil {
		return fmt.Errorf("mirror order %s: %w", o.UUID, err)
	}
	for _, f := range st.Fills {
		if o.HasFill(f.ID) {
			continue
		}
		f.Commission = b.commission(o.ProductType, f.Quantity)
		if err := b.oms.AddFill(o, f); err != nil {
			return fmt.Errorf("mirror fill %d onto %s: %w", f.ID, o.UUID, err)
		}
	}
	if st.State != o.State {
		if err := b.oms.ChangeState(o, st.State); err != nil {
			return fmt.Errorf("mirror state of %s: %w", o.UUID, err)
		}
	}
	return nil
}

// OrderUUID resolves a broker_order_id to the trading-system order UUID.
func (b *PaperBroker) OrderUUID(brokerOrderID int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	uuid, ok := b.byBrokerID[brokerOrderID]
	return uuid, ok
}

// Reset drops the broker_order_id mapping. Used at end of day together with
// the OMS reset.
func (b *PaperBroker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byBrokerID = make(map[int64]string)
}
