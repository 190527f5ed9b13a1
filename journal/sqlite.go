package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLite struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(Schema); err != nil {
		return nil, err
	}

	return &SQLite{db: db}, nil
}

func (j *SQLite) RecordFill(f FillRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO fills
		(order_id, agent, symbol, action, side, quantity, price, lot_id, reason, released_margin, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.Agent, f.Symbol, f.Action, f.Side,
		f.Quantity, f.Price, f.LotID, f.Reason, f.ReleasedMargin, f.CreatedAt,
	)
	return err
}

func (j *SQLite) RecordCycle(c CycleRecord) error {
	_, err := j.db.Exec(`
		INSERT INTO cycles
		(agent, started_at, finished_at, plans, executed, skipped, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.Agent, c.StartedAt, c.FinishedAt, c.Plans, c.Executed, c.Skipped, c.Failed,
	)
	return err
}

// GetFill loads one fill by its exchange order id.
func (j *SQLite) GetFill(orderID string) (FillRecord, error) {
	row := j.db.QueryRow(`
		SELECT order_id, agent, symbol, action, side, quantity, price, lot_id, reason, released_margin, created_at
		FROM fills WHERE order_id = ?`, orderID)

	var f FillRecord
	err := row.Scan(&f.OrderID, &f.Agent, &f.Symbol, &f.Action, &f.Side,
		&f.Quantity, &f.Price, &f.LotID, &f.Reason, &f.ReleasedMargin, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return f, fmt.Errorf("fill %s not found", orderID)
	}
	return f, err
}

// ListFillsBySymbol returns fills for a symbol, newest first.
func (j *SQLite) ListFillsBySymbol(symbol string) ([]FillRecord, error) {
	rows, err := j.db.Query(`
		SELECT order_id, agent, symbol, action, side, quantity, price, lot_id, reason, released_margin, created_at
		FROM fills WHERE symbol = ? ORDER BY created_at DESC`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

// ListFillsBetween returns fills created in [start, end), oldest first.
func (j *SQLite) ListFillsBetween(start, end time.Time) ([]FillRecord, error) {
	rows, err := j.db.Query(`
		SELECT order_id, agent, symbol, action, side, quantity, price, lot_id, reason, released_margin, created_at
		FROM fills WHERE created_at >= ? AND created_at < ? ORDER BY created_at ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

func scanFills(rows *sql.Rows) ([]FillRecord, error) {
	var out []FillRecord
	for rows.Next() {
		var f FillRecord
		if err := rows.Scan(&f.OrderID, &f.Agent, &f.Symbol, &f.Action, &f.Side,
			&f.Quantity, &f.Price, &f.LotID, &f.Reason, &f.ReleasedMargin, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (j *SQLite) Close() error {
	return j.db.Close()
}

var _ Journal = (*SQLite)(nil)
