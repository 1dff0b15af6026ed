package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tradesim/internal/order"
	"tradesim/internal/position"
)

// Store reads and writes snapshot rows. Snapshots are keyed by (source,
// snapshot_ts); saving the same key again replaces the previous snapshot, so
// a retried end-of-day save stays idempotent.
type Store struct {
	db *sql.DB
}

// StrategyRow is one strategy enumeration entry.
type StrategyRow struct {
	StrategyID  string
	PortfolioID string
	ClassName   string
	Params      map[string]any
	Active      bool
}

// SaveOrders replaces the order snapshot for (source, ts).
func (s *Store) SaveOrders(source string, ts time.Time, orders []*order.Order) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM orders WHERE source = ? AND snapshot_ts = ?`, source, ts.UTC()); err != nil {
		return fmt.Errorf("clear order snapshot: %w", err)
	}
	for _, o := range orders {
		details, err := json.Marshal(o.Details)
		if err != nil {
			return fmt.Errorf("marshal details of %s: %w", o.UUID, err)
		}
		_, err = tx.Exec(`
			INSERT INTO orders (
				source, snapshot_ts, uuid, create_timestamp, originator_id,
				strategy_id, portfolio_id, product_type, symbol, buy_sell,
				quantity, type, details, state, closed, booked,
				broker_order_id, exchange_order_id, fill_price, fill_quantity, commission
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			source, ts.UTC(), o.UUID, o.CreateTimestamp, o.OriginatorID,
			o.StrategyID, o.PortfolioID, o.ProductType, o.Symbol, string(o.BuySell),
			o.Quantity, string(o.Type), string(details), string(o.State), o.Closed, o.Booked.String(),
			o.BrokerOrderID, o.ExchangeOrderID, o.FillPrice, o.FillQuantity, o.Commission)
		if err != nil {
			return fmt.Errorf("insert order %s: %w", o.UUID, err)
		}
	}
	return tx.Commit()
}

// GetOrders loads the order snapshot for (source, ts). State histories are
// not persisted; loaded orders carry only their final state.
func (s *Store) GetOrders(source string, ts time.Time) ([]*order.Order, error) {
	rows, err := s.db.Query(`
		SELECT uuid, create_timestamp, originator_id, strategy_id, portfolio_id,
		       product_type, symbol, buy_sell, quantity, type, details, state,
		       closed, booked, broker_order_id, exchange_order_id,
		       fill_price, fill_quantity, commission
		FROM orders WHERE source = ? AND snapshot_ts = ? ORDER BY create_timestamp, uuid`,
		source, ts.UTC())
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []*order.Order
	for rows.Next() {
		var (
			o          order.Order
			side, typ  string
			detailsRaw string
			state      string
			booked     string
		)
		if err := rows.Scan(&o.UUID, &o.CreateTimestamp, &o.OriginatorID, &o.StrategyID, &o.PortfolioID,
			&o.ProductType, &o.Symbol, &side, &o.Quantity, &typ, &detailsRaw, &state,
			&o.Closed, &booked, &o.BrokerOrderID, &o.ExchangeOrderID,
			&o.FillPrice, &o.FillQuantity, &o.Commission); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		if o.BuySell, err = order.ParseSide(side); err != nil {
			return nil, err
		}
		if o.Type, err = order.ParseType(typ); err != nil {
			return nil, err
		}
		o.State = order.State(state)
		switch booked {
		case "true":
			o.Booked = order.BookedTrue
		case "false":
			o.Booked = order.BookedFalse
		default:
			o.Booked = order.BookedNone
		}
		o.Details = order.Details{}
		if detailsRaw != "" {
			if err := json.Unmarshal([]byte(detailsRaw), &o.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details of %s: %w", o.UUID, err)
			}
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// SavePositions replaces the position snapshot for (source, ts).
func (s *Store) SavePositions(source string, ts time.Time, positions []position.Position) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM positions WHERE source = ? AND snapshot_ts = ?`, source, ts.UTC()); err != nil {
		return fmt.Errorf("clear position snapshot: %w", err)
	}
	for _, p := range positions {
		_, err := tx.Exec(`
			INSERT INTO positions (
				source, snapshot_ts, strategy_id, product_type, symbol,
				start_position, buy_quantity, buy_avg_price, sell_quantity, sell_avg_price,
				current_position, net_quantity, commission,
				buy_pnl, sell_pnl, trade_pnl, position_pnl, gross_pnl, net_pnl
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			source, ts.UTC(), p.Key.StrategyID, p.Key.ProductType, p.Key.Symbol,
			p.StartPosition, p.BuyQuantity, p.BuyAvgPrice, p.SellQuantity, p.SellAvgPrice,
			p.CurrentPosition, p.NetQuantity, p.Commission,
			p.BuyPnL, p.SellPnL, p.TradePnL, p.PositionPnL, p.GrossPnL, p.NetPnL)
		if err != nil {
			return fmt.Errorf("insert position %s: %w", p.Key, err)
		}
	}
	return tx.Commit()
}

// GetPositions loads the position snapshot for (source, ts).
func (s *Store) GetPositions(source string, ts time.Time) ([]position.Position, error) {
	rows, err := s.db.Query(`
		SELECT strategy_id, product_type, symbol,
		       start_position, buy_quantity, buy_avg_price, sell_quantity, sell_avg_price,
		       current_position, net_quantity, commission,
		       buy_pnl, sell_pnl, trade_pnl, position_pnl, gross_pnl, net_pnl
		FROM positions WHERE source = ? AND snapshot_ts = ?
		ORDER BY strategy_id, product_type, symbol`,
		source, ts.UTC())
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		var p position.Position
		if err := rows.Scan(&p.Key.StrategyID, &p.Key.ProductType, &p.Key.Symbol,
			&p.StartPosition, &p.BuyQuantity, &p.BuyAvgPrice, &p.SellQuantity, &p.SellAvgPrice,
			&p.CurrentPosition, &p.NetQuantity, &p.Commission,
			&p.BuyPnL, &p.SellPnL, &p.TradePnL, &p.PositionPnL, &p.GrossPnL, &p.NetPnL); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveTrades appends the session's trades under (source, ts).
func (s *Store) SaveTrades(source string, ts time.Time, trades []position.Trade) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM trades WHERE source = ? AND snapshot_ts = ?`, source, ts.UTC()); err != nil {
		return fmt.Errorf("clear trade snapshot: %w", err)
	}
	for _, t := range trades {
		_, err := tx.Exec(`
			INSERT INTO trades (
				source, snapshot_ts, originator_id, strategy_id, trade_ts,
				product_type, symbol, side, quantity, price, commission
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			source, ts.UTC(), t.OriginatorID, t.StrategyID, t.Timestamp,
			t.ProductType, t.Symbol, string(t.Side), t.Quantity, t.Price, t.Commission)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	return tx.Commit()
}

// UpsertStrategy inserts or updates a strategy enumeration row.
func (s *Store) UpsertStrategy(row StrategyRow) error {
	params, err := json.Marshal(row.Params)
	if err != nil {
		return fmt.Errorf("marshal params of %s: %w", row.StrategyID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO strategies (strategy_id, portfolio_id, class_name, params, is_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			portfolio_id = excluded.portfolio_id,
			class_name = excluded.class_name,
			params = excluded.params,
			is_active = excluded.is_active`,
		row.StrategyID, row.PortfolioID, row.ClassName, string(params), row.Active)
	if err != nil {
		return fmt.Errorf("upsert strategy %s: %w", row.StrategyID, err)
	}
	return nil
}

// Strategies returns the active strategy enumeration rows.
func (s *Store) Strategies() ([]StrategyRow, error) {
	rows, err := s.db.Query(`
		SELECT strategy_id, portfolio_id, class_name, COALESCE(params, ''), is_active
		FROM strategies WHERE is_active = 1 ORDER BY strategy_id`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []StrategyRow
	for rows.Next() {
		var (
			r         StrategyRow
			paramsRaw string
		)
		if err := rows.Scan(&r.StrategyID, &r.PortfolioID, &r.ClassName, &paramsRaw, &r.Active); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		if paramsRaw != "" {
			if err := json.Unmarshal([]byte(paramsRaw), &r.Params); err != nil {
				return nil, fmt.Errorf("unmarshal params of %s: %w", r.StrategyID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
