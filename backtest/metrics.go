package backtest

import (
	"math"
	"time"

	"spreadgrid/kernel"
)

// minutesPerYear annualises per-minute returns: 242 sessions of four hours.
const minutesPerYear = 242 * 4 * 60

// LegStats are the portfolio figures of a single instrument.
type LegStats struct {
	TotalReturnPct float64 `json:"total_return"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown"`
	TotalFees      float64 `json:"total_fees"`
	FinalValue     float64 `json:"final_value"`
}

// Stats summarise one replay. The shared-cash portfolio fields sit at the top
// level; Base and Hedge are the single-leg portfolios with their own cash.
type Stats struct {
	TotalReturnPct float64 `json:"total_return"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	MaxDrawdownPct float64 `json:"max_drawdown"`
	TotalFees      float64 `json:"total_fees"`
	FinalValue     float64 `json:"final_value"`

	Opens             int     `json:"opens"`
	Closes            int     `json:"closes"`
	AvgDailyTrades    float64 `json:"avg_daily_trades"`
	AvgProfitPerClose float64 `json:"avg_profit_per_close"`
	AvgFeesPerCycle   float64 `json:"avg_fees_per_cycle"`
	MaxHold           int     `json:"max_hold"`
	MaxCapitalUsage   float64 `json:"max_capital_usage"`

	Base  LegStats `json:"base"`
	Hedge LegStats `json:"hedge"`

	// per-minute return on gross exposure and per-minute PnL
	MeanMinuteReturn float64 `json:"mean_minute_return"`
	VarMinuteReturn  float64 `json:"var_minute_return"`
	Kelly            float64 `json:"kelly"`
	MeanMinutePnL    float64 `json:"mean_minute_pnl"`
	VarMinutePnL     float64 `json:"var_minute_pnl"`
	KellyPnL         float64 `json:"kelly_pnl"`
}

// Key returns the statistic a sweep ranks by.
func (s *Stats) Key(name string) float64 {
	switch name {
	case KeyTotalReturn:
		return s.TotalReturnPct
	default:
		return s.SharpeRatio
	}
}

// Ranking statistics understood by Stats.Key.
const (
	KeySharpeRatio = "sharpe_ratio"
	KeyTotalReturn = "total_return"
)

// EquityPoint is one minute of the shared-cash portfolio.
type EquityPoint struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
	Cash  float64   `json:"cash"`
	Base  float64   `json:"base"`  // base position after the tick's fills
	Hedge float64   `json:"hedge"` // hedge position after the tick's fills
	Level int       `json:"level"` // cumulative signed layer count
}

// portfolio fills every order in full at the tick price and charges a
// proportional fee on the traded notional.
type portfolio struct {
	initCash float64
	fee      float64

	cash    float64
	fees    float64
	minCash float64
	values  []float64
}

func newPortfolio(initCash, fee float64, n int) *portfolio {
	return &portfolio{
		initCash: initCash,
		fee:      fee,
		cash:     initCash,
		minCash:  math.Inf(1),
		values:   make([]float64, 0, n),
	}
}

func (p *portfolio) fill(order, price float64) {
	if order == 0 {
		return
	}
	notional := order * price
	fee := math.Abs(notional) * p.fee
	p.cash -= notional + fee
	p.fees += fee
}

func (p *portfolio) mark(value float64) {
	if p.cash < p.minCash {
		p.minCash = p.cash
	}
	p.values = append(p.values, value)
}

func (p *portfolio) legStats() LegStats {
	final := p.initCash
	if len(p.values) > 0 {
		final = p.values[len(p.values)-1]
	}
	return LegStats{
		TotalReturnPct: totalReturnPct(p.initCash, final),
		SharpeRatio:    sharpeRatio(p.initCash, p.values),
		MaxDrawdownPct: maxDrawdown(p.values),
		TotalFees:      p.fees,
		FinalValue:     final,
	}
}

// Evaluate replays the order stream of res against the prices of s and
// computes the summary statistics. withEquity also returns the minute curve.
func Evaluate(s *kernel.Series, res *kernel.Result, initCash, fee float64, withEquity bool) (*Stats, []EquityPoint) {
	n := res.Len()
	shared := newPortfolio(initCash, fee, n)
	base := newPortfolio(initCash, fee, n)
	hedge := newPortfolio(initCash, fee, n)

	var equity []EquityPoint
	if withEquity {
		equity = make([]EquityPoint, 0, n)
	}

	posBase, posHedge := 0.0, 0.0
	level := 0
	for i, t := range res.Ticks {
		pb, ph := s.Base[i], s.Hedge[i]

		shared.fill(t.BaseOrder, pb)
		shared.fill(t.HedgeOrder, ph)
		base.fill(t.BaseOrder, pb)
		hedge.fill(t.HedgeOrder, ph)

		posBase += t.BaseOrder
		posHedge += t.HedgeOrder
		level += t.LevelDelta

		shared.mark(shared.cash + posBase*pb + posHedge*ph)
		base.mark(base.cash + posBase*pb)
		hedge.mark(hedge.cash + posHedge*ph)

		if withEquity {
			var ts time.Time
			if i < len(res.Times) {
				ts = res.Times[i]
			}
			equity = append(equity, EquityPoint{
				Time:  ts,
				Value: shared.values[i],
				Cash:  shared.cash,
				Base:  posBase,
				Hedge: posHedge,
				Level: level,
			})
		}
	}

	total := shared.legStats()
	st := &Stats{
		TotalReturnPct: total.TotalReturnPct,
		SharpeRatio:    total.SharpeRatio,
		MaxDrawdownPct: total.MaxDrawdownPct,
		TotalFees:      total.TotalFees,
		FinalValue:     total.FinalValue,
		Opens:          res.Opens,
		Closes:         res.Closes,
		MaxHold:        res.MaxOpen,
		Base:           base.legStats(),
		Hedge:          hedge.legStats(),
	}

	if n > 0 {
		st.MaxCapitalUsage = initCash - shared.minCash
	}
	if days := tradingDays(res.Times); days > 0 {
		st.AvgDailyTrades = float64(res.Opens+res.Closes) / float64(days)
	}
	if res.Closes > 0 {
		st.AvgProfitPerClose = (total.FinalValue - initCash) / float64(res.Closes)
		st.AvgFeesPerCycle = total.TotalFees / float64(res.Closes)
	}

	fillKelly(st, s, res)
	return st, equity
}

// tradingDays counts whole days spanned by times plus one.
func tradingDays(times []time.Time) int {
	if len(times) == 0 {
		return 0
	}
	span := times[len(times)-1].Sub(times[0])
	return int(span/(24*time.Hour)) + 1
}

func totalReturnPct(initCash, final float64) float64 {
	if initCash <= 0 {
		return 0
	}
	return (final - initCash) / initCash * 100
}

// maxDrawdown returns the largest peak-to-trough fall of values in percent.
func maxDrawdown(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	peak := values[0]
	maxDD := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak <= 0 {
			continue
		}
		dd := (peak - v) / peak * 100
		if dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// sharpeRatio annualises per-minute simple returns. The first return is
// measured against the starting cash. Uses the sample standard deviation and
// reports 0 when fewer than two returns exist or volatility is zero.
func sharpeRatio(initCash float64, values []float64) float64 {
	if len(values) < 2 || initCash <= 0 {
		return 0
	}
	returns := make([]float64, 0, len(values))
	prev := initCash
	for _, v := range values {
		if prev == 0 {
			returns = append(returns, 0)
		} else {
			returns = append(returns, v/prev-1)
		}
		prev = v
	}

	mean, variance := meanVariance(returns)
	n := float64(len(returns))
	variance = variance * n / (n - 1)

	std := math.Sqrt(variance)
	if std < 1e-12 {
		return 0
	}
	return mean / std * math.Sqrt(minutesPerYear)
}

// meanVariance returns the mean and the population variance of xs.
func meanVariance(xs []float64) (mean, variance float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))
	return mean, variance
}

// fillKelly measures the minute-over-minute PnL of the positions held at the
// start of each minute, both raw and as a return on gross exposure.
func fillKelly(st *Stats, s *kernel.Series, res *kernel.Result) {
	n := res.Len()
	if n < 2 {
		return
	}
	returns := make([]float64, 0, n-1)
	pnls := make([]float64, 0, n-1)
	posBase, posHedge := res.Ticks[0].BaseOrder, res.Ticks[0].HedgeOrder
	for i := 1; i < n; i++ {
		pb, ph := s.Base[i-1], s.Hedge[i-1]
		exposure := math.Abs(posBase)*pb + math.Abs(posHedge)*ph
		pnl := posBase*(s.Base[i]-pb) + posHedge*(s.Hedge[i]-ph)
		pnls = append(pnls, pnl)
		if exposure > 0 {
			returns = append(returns, pnl/exposure)
		} else {
			returns = append(returns, 0)
		}
		posBase += res.Ticks[i].BaseOrder
		posHedge += res.Ticks[i].HedgeOrder
	}

	st.MeanMinuteReturn, st.VarMinuteReturn = meanVariance(returns)
	if st.VarMinuteReturn != 0 {
		st.Kelly = st.MeanMinuteReturn / st.VarMinuteReturn
	}
	st.MeanMinutePnL, st.VarMinutePnL = meanVariance(pnls)
	if st.VarMinutePnL != 0 {
		st.KellyPnL = st.MeanMinutePnL / st.VarMinutePnL
	}
}
