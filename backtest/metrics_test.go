package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spreadgrid/kernel"
)

// roundTrip opens one layer at tick 0 and closes it at tick 2.
func roundTrip() (*kernel.Series, *kernel.Result) {
	t0 := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	times := []time.Time{t0, t0.Add(time.Minute), t0.Add(2 * time.Minute)}
	s := &kernel.Series{
		Times: times,
		Base:  []float64{10, 9, 12},
		Hedge: []float64{20, 20, 19},
	}
	res := &kernel.Result{
		Times: times,
		Ticks: []kernel.TickRecord{
			{BaseOrder: 1, HedgeOrder: -1, LevelDelta: 1},
			{},
			{BaseOrder: -1, HedgeOrder: 1, LevelDelta: -1},
		},
		Opens:   1,
		Closes:  1,
		MaxOpen: 1,
	}
	return s, res
}

func TestEvaluateRoundTrip(t *testing.T) {
	s, res := roundTrip()
	st, equity := Evaluate(s, res, 1000, 0.001, true)

	assert.InDelta(t, 1002.939, st.FinalValue, 1e-9)
	assert.InDelta(t, 0.2939, st.TotalReturnPct, 1e-9)
	assert.InDelta(t, 0.061, st.TotalFees, 1e-12)
	assert.InDelta(t, 1/999.97*100, st.MaxDrawdownPct, 1e-9)

	assert.InDelta(t, 0.1978, st.Base.TotalReturnPct, 1e-9)
	assert.InDelta(t, 0.0961, st.Hedge.TotalReturnPct, 1e-9)
	assert.InDelta(t, st.TotalReturnPct, st.Base.TotalReturnPct+st.Hedge.TotalReturnPct, 1e-9)

	assert.Equal(t, 2.0, st.AvgDailyTrades)
	assert.InDelta(t, 2.939, st.AvgProfitPerClose, 1e-9)
	assert.InDelta(t, 0.061, st.AvgFeesPerCycle, 1e-12)
	assert.Equal(t, 1, st.MaxHold)
	// cash never drops below the starting cash: shorting the dearer leg funds the layer
	assert.InDelta(t, 1000-1002.939, st.MaxCapitalUsage, 1e-9)

	require.Len(t, equity, 3)
	assert.Equal(t, []int{1, 1, 0}, []int{equity[0].Level, equity[1].Level, equity[2].Level})
	assert.InDelta(t, 998.97, equity[1].Value, 1e-9)
	assert.Equal(t, 0.0, equity[2].Base)
	assert.True(t, res.Times[2].Equal(equity[2].Time))

	// minute PnL: -1 on 30 of exposure, then +4 on 29
	assert.InDelta(t, 1.5, st.MeanMinutePnL, 1e-12)
	assert.InDelta(t, 6.25, st.VarMinutePnL, 1e-12)
	assert.InDelta(t, 0.24, st.KellyPnL, 1e-12)
	r1, r2 := -1.0/30, 4.0/29
	mean := (r1 + r2) / 2
	variance := ((r1-mean)*(r1-mean) + (r2-mean)*(r2-mean)) / 2
	assert.InDelta(t, mean, st.MeanMinuteReturn, 1e-12)
	assert.InDelta(t, variance, st.VarMinuteReturn, 1e-12)
	assert.InDelta(t, mean/variance, st.Kelly, 1e-9)
}

func TestEvaluateWithoutEquity(t *testing.T) {
	s, res := roundTrip()
	st, equity := Evaluate(s, res, 1000, 0, false)
	assert.Nil(t, equity)
	assert.Equal(t, 0.0, st.TotalFees)
}

func TestEvaluateNoTrades(t *testing.T) {
	s, res := roundTrip()
	for i := range res.Ticks {
		res.Ticks[i] = kernel.TickRecord{}
	}
	res.Opens, res.Closes, res.MaxOpen = 0, 0, 0

	st, _ := Evaluate(s, res, 1000, 0.001, false)
	assert.Equal(t, 0.0, st.TotalReturnPct)
	assert.Equal(t, 0.0, st.SharpeRatio)
	assert.Equal(t, 0.0, st.AvgProfitPerClose)
	assert.Equal(t, 0.0, st.Kelly)
	assert.Equal(t, 0.0, st.MaxCapitalUsage)
}

func TestSharpeRatio(t *testing.T) {
	returns := []float64{0.01, -0.005, 0.02}
	values := make([]float64, len(returns))
	v := 100.0
	for i, r := range returns {
		v *= 1 + r
		values[i] = v
	}

	mean := (0.01 - 0.005 + 0.02) / 3
	ss := 0.0
	for _, r := range returns {
		ss += (r - mean) * (r - mean)
	}
	want := mean / math.Sqrt(ss/2) * math.Sqrt(242*4*60)
	assert.InDelta(t, want, sharpeRatio(100, values), 1e-6)

	assert.Equal(t, 0.0, sharpeRatio(100, []float64{100, 100, 100}))
	assert.Equal(t, 0.0, sharpeRatio(100, []float64{101}))
}

func TestMaxDrawdown(t *testing.T) {
	assert.Equal(t, 0.0, maxDrawdown(nil))
	assert.Equal(t, 0.0, maxDrawdown([]float64{1, 2, 3}))
	assert.InDelta(t, 50.0, maxDrawdown([]float64{100, 120, 60, 110, 90}), 1e-12)
}

func TestTradingDays(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, tradingDays(nil))
	assert.Equal(t, 1, tradingDays([]time.Time{t0, t0.Add(23 * time.Hour)}))
	assert.Equal(t, 3, tradingDays([]time.Time{t0, t0.Add(49 * time.Hour)}))
}

func TestStatsKey(t *testing.T) {
	st := &Stats{SharpeRatio: 1.5, TotalReturnPct: 7}
	assert.Equal(t, 1.5, st.Key(KeySharpeRatio))
	assert.Equal(t, 7.0, st.Key(KeyTotalReturn))
	assert.Equal(t, 1.5, st.Key(""))
}
