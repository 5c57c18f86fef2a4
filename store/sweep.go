package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SweepStore 参数搜索存储
type SweepStore struct {
	db *sql.DB
}

// SweepState 参数搜索状态
type SweepState string

const (
	SweepStateRunning   SweepState = "running"
	SweepStateCompleted SweepState = "completed"
	SweepStateFailed    SweepState = "failed"
	SweepStateCancelled SweepState = "cancelled"
)

// Sweep is one parameter search over a data range.
type Sweep struct {
	ID        string          `json:"id"`
	Label     string          `json:"label"`
	State     SweepState      `json:"state"`
	KeyStat   string          `json:"key_stat"`
	DataPath  string          `json:"data_path"`
	Combos    int             `json:"combos"`
	BestRunID string          `json:"best_run_id"`
	LastError string          `json:"last_error"`
	Settings  json.RawMessage `json:"settings,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ResultRow is the summary of one combination of a sweep.
type ResultRow struct {
	RunID            string  `json:"run_id"`
	SweepID          string  `json:"sweep_id"`
	ExitInterval     float64 `json:"exit_interval"`
	ArbitrageN       int     `json:"arbitrage_n"`
	MinEntryInterval float64 `json:"min_entry_interval"`
	RiskN            int     `json:"risk_n"`

	TotalReturn       float64 `json:"total_return"`
	SharpeRatio       float64 `json:"sharpe_ratio"`
	MaxDrawdown       float64 `json:"max_drawdown"`
	AvgDailyTrades    float64 `json:"avg_daily_trades"`
	AvgProfitPerClose float64 `json:"avg_profit_per_close"`
	AvgFeesPerCycle   float64 `json:"avg_fees_per_cycle"`
	MaxHold           int     `json:"max_hold"`
	MaxCapitalUsage   float64 `json:"max_capital_usage"`
	BaseTotalReturn   float64 `json:"base_total_return"`
	BaseSharpe        float64 `json:"base_sharpe"`
	HedgeTotalReturn  float64 `json:"hedge_total_return"`
	HedgeSharpe       float64 `json:"hedge_sharpe"`

	Detailed  bool            `json:"detailed"`
	Error     string          `json:"error,omitempty"`
	Stats     json.RawMessage `json:"stats,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// sortColumns maps the accepted sort keys to a column and its direction.
var sortColumns = map[string]string{
	"sharpe_ratio":         "sharpe_ratio DESC",
	"total_return":         "total_return DESC",
	"max_drawdown":         "max_drawdown ASC",
	"avg_daily_trades":     "avg_daily_trades DESC",
	"avg_profit_per_close": "avg_profit_per_close DESC",
	"max_capital_usage":    "max_capital_usage ASC",
	"base_sharpe":          "base_sharpe DESC",
	"hedge_sharpe":         "hedge_sharpe DESC",
}

// ValidSortKey reports whether Results accepts key.
func ValidSortKey(key string) bool {
	_, ok := sortColumns[key]
	return ok
}

// initTables 初始化参数搜索相关表
func (s *SweepStore) initTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sweeps (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'running',
			key_stat TEXT NOT NULL DEFAULT 'sharpe_ratio',
			data_path TEXT NOT NULL DEFAULT '',
			combos INTEGER NOT NULL DEFAULT 0,
			best_run_id TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			settings_json TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sweep_results (
			run_id TEXT PRIMARY KEY,
			sweep_id TEXT NOT NULL,
			exit_interval REAL NOT NULL,
			arbitrage_n INTEGER NOT NULL,
			min_entry_interval REAL NOT NULL,
			risk_n INTEGER NOT NULL,
			total_return REAL NOT NULL DEFAULT 0,
			sharpe_ratio REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			avg_daily_trades REAL NOT NULL DEFAULT 0,
			avg_profit_per_close REAL NOT NULL DEFAULT 0,
			avg_fees_per_cycle REAL NOT NULL DEFAULT 0,
			max_hold INTEGER NOT NULL DEFAULT 0,
			max_capital_usage REAL NOT NULL DEFAULT 0,
			base_total_return REAL NOT NULL DEFAULT 0,
			base_sharpe REAL NOT NULL DEFAULT 0,
			hedge_total_return REAL NOT NULL DEFAULT 0,
			hedge_sharpe REAL NOT NULL DEFAULT 0,
			detailed BOOLEAN NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			stats_json TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY (sweep_id) REFERENCES sweeps(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sweep_results_sweep ON sweep_results(sweep_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
	}
	return nil
}

// Create inserts a sweep, assigning an id when sw has none.
func (s *SweepStore) Create(sw *Sweep) error {
	if sw.ID == "" {
		sw.ID = uuid.NewString()
	}
	if sw.State == "" {
		sw.State = SweepStateRunning
	}
	now := time.Now().UTC()
	sw.CreatedAt, sw.UpdatedAt = now, now

	_, err := s.db.Exec(`
		INSERT INTO sweeps (id, label, state, key_stat, data_path, combos, settings_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sw.ID, sw.Label, sw.State, sw.KeyStat, sw.DataPath, sw.Combos, string(sw.Settings),
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to create sweep: %w", err)
	}
	return nil
}

// Finish records the final state of a sweep.
func (s *SweepStore) Finish(id string, state SweepState, bestRunID, lastError string) error {
	res, err := s.db.Exec(`
		UPDATE sweeps SET state = ?, best_run_id = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, state, bestRunID, lastError, time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("failed to update sweep: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sweep %s: %w", id, ErrNotFound)
	}
	return nil
}

// Get loads one sweep.
func (s *SweepStore) Get(id string) (*Sweep, error) {
	row := s.db.QueryRow(`
		SELECT id, label, state, key_stat, data_path, combos, best_run_id, last_error,
		       settings_json, created_at, updated_at
		FROM sweeps WHERE id = ?
	`, id)
	sw, err := scanSweep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sweep %s: %w", id, ErrNotFound)
	}
	return sw, err
}

// List returns the most recent sweeps first.
func (s *SweepStore) List(limit int) ([]*Sweep, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, label, state, key_stat, data_path, combos, best_run_id, last_error,
		       settings_json, created_at, updated_at
		FROM sweeps ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sweeps: %w", err)
	}
	defer rows.Close()

	sweeps := make([]*Sweep, 0)
	for rows.Next() {
		sw, err := scanSweep(rows)
		if err != nil {
			return nil, err
		}
		sweeps = append(sweeps, sw)
	}
	return sweeps, rows.Err()
}

// Delete removes a sweep with its results.
func (s *SweepStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sweeps WHERE id = ?`, id)
	return err
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSweep(row scanner) (*Sweep, error) {
	var sw Sweep
	var settings, created, updated string
	if err := row.Scan(&sw.ID, &sw.Label, &sw.State, &sw.KeyStat, &sw.DataPath, &sw.Combos,
		&sw.BestRunID, &sw.LastError, &settings, &created, &updated); err != nil {
		return nil, err
	}
	if settings != "" {
		sw.Settings = json.RawMessage(settings)
	}
	var err error
	if sw.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("sweep %s created_at: %w", sw.ID, err)
	}
	if sw.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("sweep %s updated_at: %w", sw.ID, err)
	}
	return &sw, nil
}

// SaveResult inserts or replaces the summary of one combination.
func (s *SweepStore) SaveResult(r *ResultRow) error {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sweep_results (
			run_id, sweep_id, exit_interval, arbitrage_n, min_entry_interval, risk_n,
			total_return, sharpe_ratio, max_drawdown, avg_daily_trades, avg_profit_per_close,
			avg_fees_per_cycle, max_hold, max_capital_usage, base_total_return, base_sharpe,
			hedge_total_return, hedge_sharpe, detailed, error, stats_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.RunID, r.SweepID, r.ExitInterval, r.ArbitrageN, r.MinEntryInterval, r.RiskN,
		r.TotalReturn, r.SharpeRatio, r.MaxDrawdown, r.AvgDailyTrades, r.AvgProfitPerClose,
		r.AvgFeesPerCycle, r.MaxHold, r.MaxCapitalUsage, r.BaseTotalReturn, r.BaseSharpe,
		r.HedgeTotalReturn, r.HedgeSharpe, r.Detailed, r.Error, string(r.Stats),
		r.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to save result %s: %w", r.RunID, err)
	}
	return nil
}

// MarkDetailed flags a result whose equity and events were stored.
func (s *SweepStore) MarkDetailed(runID string) error {
	res, err := s.db.Exec(`UPDATE sweep_results SET detailed = 1 WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to mark result %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

const resultColumns = `run_id, sweep_id, exit_interval, arbitrage_n, min_entry_interval, risk_n,
	total_return, sharpe_ratio, max_drawdown, avg_daily_trades, avg_profit_per_close,
	avg_fees_per_cycle, max_hold, max_capital_usage, base_total_return, base_sharpe,
	hedge_total_return, hedge_sharpe, detailed, error, stats_json, created_at`

// Results lists the results of a sweep ranked by sortKey. Failed
// combinations come last. An unknown sortKey is an error.
func (s *SweepStore) Results(sweepID, sortKey string, limit int) ([]*ResultRow, error) {
	if sortKey == "" {
		sortKey = "sharpe_ratio"
	}
	order, ok := sortColumns[sortKey]
	if !ok {
		return nil, fmt.Errorf("unknown sort key %q", sortKey)
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT `+resultColumns+`
		FROM sweep_results WHERE sweep_id = ?
		ORDER BY error != '', `+order+`, exit_interval, arbitrage_n, min_entry_interval, risk_n
		LIMIT ?
	`, sweepID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query results: %w", err)
	}
	defer rows.Close()

	results := make([]*ResultRow, 0)
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// Result loads the summary of one run.
func (s *SweepStore) Result(runID string) (*ResultRow, error) {
	row := s.db.QueryRow(`SELECT `+resultColumns+` FROM sweep_results WHERE run_id = ?`, runID)
	r, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

func scanResult(row scanner) (*ResultRow, error) {
	var r ResultRow
	var stats, created string
	if err := row.Scan(&r.RunID, &r.SweepID, &r.ExitInterval, &r.ArbitrageN, &r.MinEntryInterval, &r.RiskN,
		&r.TotalReturn, &r.SharpeRatio, &r.MaxDrawdown, &r.AvgDailyTrades, &r.AvgProfitPerClose,
		&r.AvgFeesPerCycle, &r.MaxHold, &r.MaxCapitalUsage, &r.BaseTotalReturn, &r.BaseSharpe,
		&r.HedgeTotalReturn, &r.HedgeSharpe, &r.Detailed, &r.Error, &stats, &created); err != nil {
		return nil, err
	}
	if stats != "" {
		r.Stats = json.RawMessage(stats)
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("result %s created_at: %w", r.RunID, err)
	}
	return &r, nil
}
