// Package risk gates staged orders before they reach the broker. Rules are
// pure predicates over the order; the first reject wins and its reason is
// recorded on the order details.
package risk

import (
	"fmt"
	"log"

	"tradesim/internal/order"
)

// Rule is one named check. Check returns nil to accept or an error carrying
// the rejection reason.
type Rule struct {
	Name  string
	Check func(o *order.Order) error
}

// MarketOpenRule rejects orders whose product type's market is closed.
func MarketOpenRule(oms *order.Manager) Rule {
	return Rule{
		Name: "market_open",
		Check: func(o *order.Order) error {
			if !oms.MarketOpen(o.ProductType) {
				return fmt.Errorf("market closed for %s", o.ProductType)
			}
			return nil
		},
	}
}

// MaxQuantityRule rejects orders above a per-order quantity cap.
func MaxQuantityRule(max int64) Rule {
	return Rule{
		Name: "max_quantity",
		Check: func(o *order.Order) error {
			if o.Quantity > max {
				return fmt.Errorf("quantity %d exceeds limit %d", o.Quantity, max)
			}
			return nil
		},
	}
}

// MaxNotionalRule rejects LIMIT orders whose quantity x limit price exceeds
// the cap. MARKET orders pass; they carry no price to evaluate.
func MaxNotionalRule(max float64) Rule {
	return Rule{
		Name: "max_notional",
		Check: func(o *order.Order) error {
			if o.Type != order.Limit {
				return nil
			}
			notional := float64(o.Quantity) * o.Details.Price()
			if notional > max {
				return fmt.Errorf("notional %.2f exceeds limit %.2f", notional, max)
			}
			return nil
		},
	}
}

// Manager applies the rule set to staged orders and replace requests.
type Manager struct {
	oms   *order.Manager
	rules []Rule
}

// NewManager creates a risk manager. The market-open rule is always first;
// extra rules run after it in the given order.
func NewManager(oms *order.Manager, rules ...Rule) *Manager {
	return &Manager{oms: oms, rules: append([]Rule{MarketOpenRule(oms)}, rules...)}
}

func (m *Manager) check(o *order.Order) (string, error) {
	for _, r := range m.rules {
		if err := r.Check(o); err != nil {
			return r.Name, err
		}
	}
	return "", nil
}

// ProcessPortfolioOrders gates every STAGED order and replace request of the
// portfolio. Accepted orders move to RISK_ACCEPTED; rejected ones to
// RISK_REJECTED with the reason on the order. Rejected replaces are reverted
// and the order returns to LIVE.
func (m *Manager) ProcessPortfolioOrders(portfolioID string) error {
	for _, o := range m.oms.OrdersList(order.Filter{PortfolioID: portfolioID, States: []order.State{order.StateStaged}}) {
		name, err := m.check(o)
		if err == nil {
			if cerr := m.oms.ChangeState(o, order.StateRiskAccepted); cerr != nil {
				return cerr
			}
			continue
		}
		if derr := m.oms.SetDetail(o, "risk_reason", fmt.Sprintf("%s: %v", name, err)); derr != nil {
			return derr
		}
		log.Printf("[risk] rejected order %s: %s: %v", o.UUID, name, err)
		if cerr := m.oms.ChangeState(o, order.StateRiskRejected); cerr != nil {
			return cerr
		}
	}

	for _, o := range m.oms.OrdersList(order.Filter{PortfolioID: portfolioID, States: []order.State{order.StateReplaceRequested}}) {
		name, err := m.check(o)
		if err == nil {
			continue // broker picks it up from REPLACE_REQUESTED
		}
		log.Printf("[risk] rejected replace of %s: %s: %v", o.UUID, name, err)
		if cerr := m.oms.ChangeState(o, order.StateReplaceRejected); cerr != nil {
			return cerr
		}
		m.oms.RevertReplace(o)
		if cerr := m.oms.ChangeState(o, order.StateLive); cerr != nil {
			return cerr
		}
	}
	return nil
}
