// Package journal records every order and execution to SQLite for
// post-session analysis. The journal is append-only during the session;
// daily PnL and trade listings are read back by the status API and the
// end-of-day report.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"kats-trader/internal/order"
	"kats-trader/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id      TEXT PRIMARY KEY,
	broker_no     TEXT,
	stock_code    TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	price         INTEGER NOT NULL,
	strategy      TEXT,
	state         TEXT NOT NULL,
	filled_qty    INTEGER NOT NULL DEFAULT 0,
	avg_price     REAL NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS fills (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id   TEXT NOT NULL,
	stock_code TEXT NOT NULL,
	side       TEXT NOT NULL,
	qty        INTEGER NOT NULL,
	price      INTEGER NOT NULL,
	filled_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fills_order ON fills(order_id);
CREATE INDEX IF NOT EXISTS idx_fills_day ON fills(filled_at);

CREATE TABLE IF NOT EXISTS daily_pnl (
	day           TEXT PRIMARY KEY,
	realized      INTEGER NOT NULL,
	equity        INTEGER NOT NULL,
	recorded_at   TEXT NOT NULL
);
`

// Journal is the SQLite-backed trade log.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and migrates) the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// SQLite handles one writer at a time
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return &Journal{db: db, logger: logger.With("component", "journal")}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// RecordOrder upserts an order's current state. Called on creation and
// on every terminal transition.
func (j *Journal) RecordOrder(ctx context.Context, o *order.Order) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders (order_id, broker_no, stock_code, side, quantity, price, strategy, state, filled_qty, avg_price, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id) DO UPDATE SET
			broker_no = excluded.broker_no,
			state = excluded.state,
			filled_qty = excluded.filled_qty,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at`,
		o.ID, o.BrokerOrderNo, o.StockCode, string(o.Side), o.Quantity, o.Price,
		o.StrategyCode, string(o.CurrentState()), o.FilledQty, o.AvgFillPrice,
		o.CreatedAt.Format(time.RFC3339), o.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record order %s: %w", o.ID, err)
	}
	return nil
}

// RecordFill appends one execution.
func (j *Journal) RecordFill(ctx context.Context, orderID, stockCode string, side types.Side, qty, price int64, at time.Time) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO fills (order_id, stock_code, side, qty, price, filled_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		orderID, stockCode, string(side), qty, price, at.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record fill for %s: %w", orderID, err)
	}
	return nil
}

// RecordDailyPnL upserts the day's realized PnL and closing equity.
// day is formatted YYYY-MM-DD.
func (j *Journal) RecordDailyPnL(ctx context.Context, day string, realized, equity int64) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO daily_pnl (day, realized, equity, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET
			realized = excluded.realized,
			equity = excluded.equity,
			recorded_at = excluded.recorded_at`,
		day, realized, equity, time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record daily pnl %s: %w", day, err)
	}
	return nil
}

// OrderRow is one journalled order.
type OrderRow struct {
	OrderID   string
	BrokerNo  string
	StockCode string
	Side      string
	Quantity  int64
	Price     int64
	Strategy  string
	State     string
	FilledQty int64
	AvgPrice  float64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrdersSince lists orders created at or after the given time, newest
// first.
func (j *Journal) OrdersSince(ctx context.Context, since time.Time, limit int) ([]OrderRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT order_id, broker_no, stock_code, side, quantity, price, strategy, state, filled_qty, avg_price, created_at, updated_at
		FROM orders
		WHERE created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?`,
		since.Format(time.RFC3339), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []OrderRow
	for rows.Next() {
		var r OrderRow
		var created, updated string
		if err := rows.Scan(&r.OrderID, &r.BrokerNo, &r.StockCode, &r.Side, &r.Quantity, &r.Price,
			&r.Strategy, &r.State, &r.FilledQty, &r.AvgPrice, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// FillStats summarizes a day's executions.
type FillStats struct {
	Fills      int64
	BuyVolume  int64 // won
	SellVolume int64
}

// DayFillStats aggregates fills for one day (YYYY-MM-DD).
func (j *Journal) DayFillStats(ctx context.Context, day string) (FillStats, error) {
	var stats FillStats
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN side = 'BUY' THEN qty * price END), 0),
		       COALESCE(SUM(CASE WHEN side = 'SELL' THEN qty * price END), 0)
		FROM fills
		WHERE filled_at >= ? AND filled_at < ?`,
		day+"T00:00:00", day+"T23:59:59",
	).Scan(&stats.Fills, &stats.BuyVolume, &stats.SellVolume)
	if err != nil {
		return FillStats{}, fmt.Errorf("day fill stats %s: %w", day, err)
	}
	return stats, nil
}

// DailyPnL reads back one day's recorded PnL. ok is false when the day
// has no row.
func (j *Journal) DailyPnL(ctx context.Context, day string) (realized, equity int64, ok bool, err error) {
	err = j.db.QueryRowContext(ctx,
		`SELECT realized, equity FROM daily_pnl WHERE day = ?`, day,
	).Scan(&realized, &equity)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("daily pnl %s: %w", day, err)
	}
	return realized, equity, true, nil
}
