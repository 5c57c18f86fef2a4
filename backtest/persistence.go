package backtest

import (
	"encoding/json"
	"fmt"

	"spreadgrid/store"
)

// Recorder persists sweep results as they arrive.
type Recorder struct {
	st      *store.Store
	sweepID string
}

// NewRecorder writes into the sweep sweepID of st.
func NewRecorder(st *store.Store, sweepID string) *Recorder {
	return &Recorder{st: st, sweepID: sweepID}
}

// SaveResult stores the summary row of r.
func (rc *Recorder) SaveResult(r *RunResult) error {
	row, err := resultRow(rc.sweepID, r)
	if err != nil {
		return err
	}
	return rc.st.Sweep().SaveResult(row)
}

// SaveDetail stores the summary, the equity curve and the event log of a
// detailed run. The row is flagged detailed only once both are stored.
func (rc *Recorder) SaveDetail(r *RunResult) error {
	if err := rc.SaveResult(r); err != nil {
		return err
	}

	points := make([]store.EquityRow, len(r.Equity))
	for i, p := range r.Equity {
		points[i] = store.EquityRow{Time: p.Time, Value: p.Value, Cash: p.Cash, Base: p.Base, Hedge: p.Hedge, Level: p.Level}
	}
	if err := rc.st.Run().SaveEquity(r.ID, points); err != nil {
		return fmt.Errorf("save equity of %s: %w", r.ID, err)
	}

	events := make([]store.EventRow, len(r.Events))
	for i, e := range r.Events {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %d of %s: %w", i, r.ID, err)
		}
		events[i] = store.EventRow{Index: e.Index, Time: e.Time, Kind: string(e.Kind), Line: e.String(), Payload: payload}
	}
	if err := rc.st.Run().SaveEvents(r.ID, events); err != nil {
		return fmt.Errorf("save events of %s: %w", r.ID, err)
	}
	if err := rc.st.Sweep().MarkDetailed(r.ID); err != nil {
		return fmt.Errorf("mark %s detailed: %w", r.ID, err)
	}
	return nil
}

func resultRow(sweepID string, r *RunResult) (*store.ResultRow, error) {
	row := &store.ResultRow{
		RunID:            r.ID,
		SweepID:          sweepID,
		ExitInterval:     r.ExitInterval,
		ArbitrageN:       r.ArbitrageN,
		MinEntryInterval: r.MinEntryInterval,
		RiskN:            r.RiskN,
		Error:            r.Error,
	}
	if st := r.Stats; st != nil {
		row.TotalReturn = st.TotalReturnPct
		row.SharpeRatio = st.SharpeRatio
		row.MaxDrawdown = st.MaxDrawdownPct
		row.AvgDailyTrades = st.AvgDailyTrades
		row.AvgProfitPerClose = st.AvgProfitPerClose
		row.AvgFeesPerCycle = st.AvgFeesPerCycle
		row.MaxHold = st.MaxHold
		row.MaxCapitalUsage = st.MaxCapitalUsage
		row.BaseTotalReturn = st.Base.TotalReturnPct
		row.BaseSharpe = st.Base.SharpeRatio
		row.HedgeTotalReturn = st.Hedge.TotalReturnPct
		row.HedgeSharpe = st.Hedge.SharpeRatio
		stats, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("encode stats of %s: %w", r.ID, err)
		}
		row.Stats = stats
	}
	return row, nil
}
