package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RunStore holds the minute equity curve and event log of detailed runs.
type RunStore struct {
	db *sql.DB
}

// EquityRow 权益点
type EquityRow struct {
	Seq   int       `json:"seq"`
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Cash  float64   `json:"cash"`
	Base  float64   `json:"base"`
	Hedge float64   `json:"hedge"`
	Level int       `json:"level"`
}

// EventRow 事件日志
type EventRow struct {
	Seq     int             `json:"seq"`
	Index   int             `json:"index"`
	Time    time.Time       `json:"time"`
	Kind    string          `json:"kind"`
	Line    string          `json:"line"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// initTables 初始化运行明细表
func (s *RunStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS run_equity (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			value REAL NOT NULL,
			cash REAL NOT NULL,
			base REAL NOT NULL,
			hedge REAL NOT NULL,
			level INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES sweep_results(run_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			tick INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			line TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES sweep_results(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_events_kind ON run_events(run_id, kind)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

// SaveEquity replaces the equity curve of a run. Seq is taken from the
// position in points.
func (s *RunStore) SaveEquity(runID string, points []EquityRow) error {
	return withTx(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM run_equity WHERE run_id = ?`, runID); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`
			INSERT INTO run_equity (run_id, seq, ts, value, cash, base, hedge, level)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, p := range points {
			if _, err := stmt.Exec(runID, i, p.Time.UnixMilli(), p.Value, p.Cash, p.Base, p.Hedge, p.Level); err != nil {
				return fmt.Errorf("failed to save equity point %d: %w", i, err)
			}
		}
		return nil
	})
}

// Equity loads the curve of a run, every step-th point from offset on.
func (s *RunStore) Equity(runID string, step, offset, limit int) ([]EquityRow, error) {
	if step < 1 {
		step = 1
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT seq, ts, value, cash, base, hedge, level
		FROM run_equity WHERE run_id = ? AND seq >= ? AND (seq - ?) % ? = 0
		ORDER BY seq ASC LIMIT ?
	`, runID, offset, offset, step, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query equity: %w", err)
	}
	defer rows.Close()

	points := make([]EquityRow, 0)
	for rows.Next() {
		var p EquityRow
		var ts int64
		if err := rows.Scan(&p.Seq, &ts, &p.Value, &p.Cash, &p.Base, &p.Hedge, &p.Level); err != nil {
			return nil, err
		}
		p.Time = time.UnixMilli(ts).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// SaveEvents replaces the event log of a run.
func (s *RunStore) SaveEvents(runID string, events []EventRow) error {
	return withTx(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM run_events WHERE run_id = ?`, runID); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`
			INSERT INTO run_events (run_id, seq, tick, ts, kind, line, payload)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, e := range events {
			if _, err := stmt.Exec(runID, i, e.Index, e.Time.UnixMilli(), e.Kind, e.Line, string(e.Payload)); err != nil {
				return fmt.Errorf("failed to save event %d: %w", i, err)
			}
		}
		return nil
	})
}

// Events loads the event log of a run, optionally restricted to one kind.
func (s *RunStore) Events(runID, kind string, offset, limit int) ([]EventRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT seq, tick, ts, kind, line, payload
		FROM run_events WHERE run_id = ? AND (? = '' OR kind = ?)
		ORDER BY seq ASC LIMIT ? OFFSET ?
	`, runID, kind, kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	events := make([]EventRow, 0)
	for rows.Next() {
		var e EventRow
		var ts int64
		var payload string
		if err := rows.Scan(&e.Seq, &e.Index, &ts, &e.Kind, &e.Line, &payload); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(ts).UTC()
		if payload != "" {
			e.Payload = json.RawMessage(payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
