package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS orders (
    source TEXT NOT NULL,
    snapshot_ts DATETIME NOT NULL,
    uuid TEXT NOT NULL,
    create_timestamp DATETIME NOT NULL,
    originator_id TEXT,
    strategy_id TEXT,
    portfolio_id TEXT,
    product_type TEXT NOT NULL,
    symbol TEXT NOT NULL,
    buy_sell TEXT NOT NULL,
    quantity INTEGER NOT NULL,
    type TEXT NOT NULL,
    details TEXT,
    state TEXT NOT NULL,
    closed BOOLEAN NOT NULL,
    booked TEXT NOT NULL,
    broker_order_id INTEGER DEFAULT 0,
    exchange_order_id INTEGER DEFAULT 0,
    fill_price REAL DEFAULT 0,
    fill_quantity INTEGER DEFAULT 0,
    commission REAL DEFAULT 0,
    PRIMARY KEY (source, snapshot_ts, uuid)
);

CREATE TABLE IF NOT EXISTS positions (
    source TEXT NOT NULL,
    snapshot_ts DATETIME NOT NULL,
    strategy_id TEXT NOT NULL,
    product_type TEXT NOT NULL,
    symbol TEXT NOT NULL,
    start_position INTEGER DEFAULT 0,
    buy_quantity INTEGER DEFAULT 0,
    buy_avg_price REAL DEFAULT 0,
    sell_quantity INTEGER DEFAULT 0,
    sell_avg_price REAL DEFAULT 0,
    current_position INTEGER DEFAULT 0,
    net_quantity INTEGER DEFAULT 0,
    commission REAL DEFAULT 0,
    buy_pnl REAL DEFAULT 0,
    sell_pnl REAL DEFAULT 0,
    trade_pnl REAL DEFAULT 0,
    position_pnl REAL DEFAULT 0,
    gross_pnl REAL DEFAULT 0,
    net_pnl REAL DEFAULT 0,
    PRIMARY KEY (source, snapshot_ts, strategy_id, product_type, symbol)
);

CREATE TABLE IF NOT EXISTS trades (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    snapshot_ts DATETIME NOT NULL,
    originator_id TEXT,
    strategy_id TEXT NOT NULL,
    trade_ts DATETIME NOT NULL,
    product_type TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    quantity INTEGER NOT NULL,
    price REAL NOT NULL,
    commission REAL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS strategies (
    strategy_id TEXT PRIMARY KEY,
    portfolio_id TEXT NOT NULL,
    class_name TEXT NOT NULL,
    params TEXT,
    is_active BOOLEAN DEFAULT 1,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
