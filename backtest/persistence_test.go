package backtest

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadgrid/store"
)

func newTestRecorder(t *testing.T) (*store.Store, *Recorder, string) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sw := &store.Sweep{Label: "T-TL", KeyStat: "sharpe_ratio", Combos: 2}
	require.NoError(t, st.Sweep().Create(sw))
	return st, NewRecorder(st, sw.ID), sw.ID
}

func TestRecorderSaveDetail(t *testing.T) {
	st, rec, sweepID := newTestRecorder(t)
	r := newTestRunner(t)
	combo := Combination{ExitInterval: 0.5, ArbitrageN: 1, MinEntryInterval: 0.2, RiskN: 1}
	res, err := r.Run(context.Background(), combo, RunOptions{Detailed: true})
	require.NoError(t, err)
	require.NotEmpty(t, res.Events)

	require.NoError(t, rec.SaveDetail(res))

	row, err := st.Sweep().Result(res.ID)
	require.NoError(t, err)
	assert.True(t, row.Detailed)
	assert.Equal(t, sweepID, row.SweepID)
	assert.Equal(t, combo.ArbitrageN, row.ArbitrageN)
	assert.InDelta(t, res.Stats.TotalReturnPct, row.TotalReturn, 1e-9)

	var stats Stats
	require.NoError(t, json.Unmarshal(row.Stats, &stats))
	assert.Equal(t, res.Stats.Opens, stats.Opens)

	equity, err := st.Run().Equity(res.ID, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, equity, len(res.Equity))
	last := res.Equity[len(res.Equity)-1]
	assert.Equal(t, last.Value, equity[len(equity)-1].Value)
	assert.Equal(t, last.Level, equity[len(equity)-1].Level)

	events, err := st.Run().Events(res.ID, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, len(res.Events))
	assert.Equal(t, string(res.Events[0].Kind), events[0].Kind)
	assert.Equal(t, res.Events[0].String(), events[0].Line)
}

func TestRecorderSaveFailedResult(t *testing.T) {
	st, rec, _ := newTestRecorder(t)
	res := &RunResult{
		ID:          NewRunID(),
		Combination: Combination{ExitInterval: 0.5, ArbitrageN: 30, MinEntryInterval: 0.2, RiskN: 1},
		Error:       "warm-up longer than data",
	}
	require.NoError(t, rec.SaveResult(res))

	row, err := st.Sweep().Result(res.ID)
	require.NoError(t, err)
	assert.False(t, row.Detailed)
	assert.Equal(t, res.Error, row.Error)
	assert.Empty(t, row.Stats)
}
