package backtest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadgrid/kernel"
	"spreadgrid/market"
)

// sinePair is three days of minutes whose spread oscillates around zero
// with an amplitude of 2 and a period of two hours.
func sinePair() *market.PairSeries {
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	n := 3 * 24 * 60
	p := &market.PairSeries{
		BaseSymbol:  "A",
		HedgeSymbol: "B",
		Times:       make([]time.Time, n),
		Base:        make([]float64, n),
		Hedge:       make([]float64, n),
	}
	for i := 0; i < n; i++ {
		p.Times[i] = t0.Add(time.Duration(i) * time.Minute)
		p.Hedge[i] = 100
		p.Base[i] = 100 + 2*math.Sin(2*math.Pi*float64(i)/120)
	}
	return p
}

func testSettings() Settings {
	return Settings{
		BaseSymbol:        "A",
		HedgeSymbol:       "B",
		BaseSize:          1,
		HedgeSize:         1,
		BaseIsInteger:     true,
		HedgeIsInteger:    true,
		InitCash:          1e5,
		PortfolioCash:     1e5,
		Fee:               0.0001,
		Leverage:          1,
		MaxLevels:         50,
		GlobalMaxSets:     10,
		ReduceRatio:       0.6,
		UpdateMinutes:     15,
		MinutesPerDay:     1440,
		EntryRangeMinutes: 60,
		ExitRangeMinutes:  240,
	}
}

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	r, err := NewRunner(sinePair(), testSettings())
	require.NoError(t, err)
	return r
}

func TestCombinationsOrder(t *testing.T) {
	combos := Combinations([]float64{1, 2}, []int{10, 20}, []float64{0.5}, []int{30, 40})
	require.Len(t, combos, 8)
	assert.Equal(t, Combination{ExitInterval: 1, ArbitrageN: 10, MinEntryInterval: 0.5, RiskN: 30}, combos[0])
	assert.Equal(t, Combination{ExitInterval: 1, ArbitrageN: 10, MinEntryInterval: 0.5, RiskN: 40}, combos[1])
	assert.Equal(t, Combination{ExitInterval: 1, ArbitrageN: 20, MinEntryInterval: 0.5, RiskN: 30}, combos[2])
	assert.Equal(t, Combination{ExitInterval: 2, ArbitrageN: 20, MinEntryInterval: 0.5, RiskN: 40}, combos[7])

	assert.Empty(t, Combinations(nil, []int{1}, []float64{1}, []int{1}))
	assert.Equal(t, []float64{0.5, 1.5}, Scale([]float64{1, 3}, 0.5))
}

func TestNewRunnerRejectsBadInput(t *testing.T) {
	_, err := NewRunner(nil, testSettings())
	assert.ErrorIs(t, err, market.ErrNoRows)

	s := testSettings()
	s.UpdateMinutes = 0
	_, err = NewRunner(sinePair(), s)
	assert.Error(t, err)
}

func TestRunnerBaseIntervals(t *testing.T) {
	r := newTestRunner(t)
	exit, entry := r.BaseIntervals()
	// a four hour bucket holds two full periods, an hour bucket half of one
	assert.InDelta(t, 4, exit, 1e-9)
	assert.InDelta(t, 2, entry, 1e-9)
}

func TestRunnerBoundsAreCached(t *testing.T) {
	r := newTestRunner(t)

	var wg sync.WaitGroup
	got := make([]market.Bounds, 8)
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := r.Bounds(1)
			assert.NoError(t, err)
			got[i] = b
		}()
	}
	wg.Wait()

	require.Len(t, got[0].Lower, sinePair().Len())
	for _, b := range got[1:] {
		assert.Same(t, &got[0].Lower[0], &b.Lower[0])
	}
}

func TestRunnerRun(t *testing.T) {
	r := newTestRunner(t)
	combo := Combination{ExitInterval: 0.5, ArbitrageN: 1, MinEntryInterval: 0.2, RiskN: 1}

	okBefore := testutil.ToFloat64(mtxRuns.WithLabelValues(runStatusOK))
	res, err := r.Run(context.Background(), combo, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, okBefore+1, testutil.ToFloat64(mtxRuns.WithLabelValues(runStatusOK)))

	require.NotNil(t, res.Stats)
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, combo, res.Combination)
	assert.Equal(t, 2*24*60-1, res.Ticks, "one day of warm-up, boundary included")
	assert.True(t, res.Start.After(sinePair().Times[0].Add(24*time.Hour)))
	assert.Greater(t, res.Stats.Opens, 0)
	assert.Greater(t, res.Stats.Closes, 0)
	assert.Nil(t, res.Equity)
	assert.Nil(t, res.Events)
}

func TestRunnerDetailedRunStreamsEvents(t *testing.T) {
	r := newTestRunner(t)
	combo := Combination{ExitInterval: 0.5, ArbitrageN: 1, MinEntryInterval: 0.2, RiskN: 1}

	var buf bytes.Buffer
	journal := NewJournal(&buf)
	res, err := r.Run(context.Background(), combo, RunOptions{Detailed: true, Sink: journal})
	require.NoError(t, err)

	assert.Len(t, res.Equity, res.Ticks)
	require.NotEmpty(t, res.Events)
	assert.Equal(t, len(res.Events), journal.Count())

	lines := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		assert.NotEmpty(t, rec["kind"])
		assert.NotEmpty(t, rec["message"])
		lines++
	}
	assert.Equal(t, len(res.Events), lines)

	plain, err := r.Run(context.Background(), combo, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, plain.Stats, res.Stats, "detail does not change the replay")
}

func TestRunnerWarmupTooLong(t *testing.T) {
	r := newTestRunner(t)
	failedBefore := testutil.ToFloat64(mtxRuns.WithLabelValues(runStatusFailed))

	_, err := r.Run(context.Background(), Combination{ExitInterval: 0.5, ArbitrageN: 1, MinEntryInterval: 0.2, RiskN: 5}, RunOptions{})
	require.Error(t, err)
	assert.True(t, IsNoData(err))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(mtxRuns.WithLabelValues(runStatusFailed)))
}

func TestRunnerHonoursCancelledContext(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, Combination{ExitInterval: 0.5, ArbitrageN: 1, MinEntryInterval: 0.2, RiskN: 1}, RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSweepRanksAndKeepsFailures(t *testing.T) {
	r := newTestRunner(t)
	combos := Combinations([]float64{0.5, 1, 1.5}, []int{1}, []float64{0.2}, []int{1, 5})

	var mu sync.Mutex
	seen := 0
	results, err := Sweep(context.Background(), r, combos, SweepOptions{
		Workers: 3,
		KeyStat: KeyTotalReturn,
		OnResult: func(*RunResult) {
			mu.Lock()
			seen++
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 6)
	assert.Equal(t, 6, seen)

	for i, res := range results[:3] {
		require.False(t, res.Failed(), "result %d", i)
		assert.Equal(t, 1, res.RiskN)
		if i > 0 {
			assert.GreaterOrEqual(t, results[i-1].Stats.TotalReturnPct, res.Stats.TotalReturnPct)
		}
	}
	for _, res := range results[3:] {
		assert.True(t, res.Failed())
		assert.NotEmpty(t, res.Error)
		assert.NotEmpty(t, res.ID)
		assert.Equal(t, 5, res.RiskN)
	}

	best := Best(results)
	require.NotNil(t, best)
	assert.Equal(t, results[0], best)
	assert.Equal(t, best.Stats.TotalReturnPct, testutil.ToFloat64(mtxSweepBest.WithLabelValues(KeyTotalReturn)))
	assert.Equal(t, 0.0, testutil.ToFloat64(mtxSweepPending))
}

func TestSweepCancelled(t *testing.T) {
	r := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Sweep(ctx, r, Combinations([]float64{0.5}, []int{1}, []float64{0.2}, []int{1}), SweepOptions{Workers: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRankPutsNaNAndFailuresLast(t *testing.T) {
	results := []*RunResult{
		{ID: "fail"},
		{ID: "nan", Stats: &Stats{SharpeRatio: math.NaN()}},
		{ID: "one", Stats: &Stats{SharpeRatio: 1}},
		{ID: "three", Stats: &Stats{SharpeRatio: 3}},
	}
	Rank(results, KeySharpeRatio)

	ids := []string{}
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"three", "one", "fail", "nan"}, ids)
	assert.Nil(t, Best([]*RunResult{{ID: "fail"}}))
}

func TestOpenJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "journal")
	j, err := OpenJournal(dir, "run-1")
	require.NoError(t, err)

	j.Emit(kernel.Event{Index: 4, Kind: kernel.EventOpen, Direction: kernel.Long, Level: -3, Spread: -3.5, BaseOrder: 1, HedgeOrder: -1})
	require.NoError(t, j.Close())

	data, err := os.ReadFile(filepath.Join(dir, "run-1.jsonl"))
	require.NoError(t, err)
	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "run-1", rec["run"])
	assert.Equal(t, "open", rec["kind"])
	assert.Equal(t, "long", rec["dir"])
	assert.Equal(t, 4.0, rec["i"])
	assert.Contains(t, rec["message"], "grid=-3")

	assert.NoError(t, NewJournal(&bytes.Buffer{}).Close())
}
