package backtest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"spreadgrid/kernel"
	"spreadgrid/logger"
	"spreadgrid/market"
)

// Fallback seeds when the data yields no complete range bucket.
const (
	fallbackEntryInterval = 0.05
	fallbackExitInterval  = 0.2
)

// RunOptions select the optional outputs of a run.
type RunOptions struct {
	Detailed bool             // keep the equity curve and the event log
	Sink     kernel.EventSink // streams events while the engine runs
}

// RunResult is the outcome of one combination.
type RunResult struct {
	ID string `json:"id"`
	Combination
	Stats   *Stats        `json:"stats,omitempty"`
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Ticks   int           `json:"ticks"`
	Elapsed time.Duration `json:"elapsed"`
	Error   string        `json:"error,omitempty"`

	Equity []EquityPoint  `json:"-"`
	Events []kernel.Event `json:"-"`
}

// NewRunID returns a fresh run identifier.
func NewRunID() string { return uuid.NewString() }

// Failed reports whether the run produced no statistics.
func (r *RunResult) Failed() bool { return r.Stats == nil }

// Runner holds the data shared by every combination: prices, spread, update
// buckets and a cache of bound envelopes keyed by look-back days.
type Runner struct {
	settings Settings
	pair     *market.PairSeries
	spread   []float64
	buckets  *market.Buckets

	baseEntry float64
	baseExit  float64

	mu     sync.Mutex
	bounds map[int]market.Bounds
	group  singleflight.Group
}

// NewRunner precomputes the spread, its update buckets and the interval seeds.
func NewRunner(pair *market.PairSeries, s Settings) (*Runner, error) {
	if pair == nil || pair.Len() == 0 {
		return nil, market.ErrNoRows
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	spread := pair.Spread(s.BaseSize, s.HedgeSize)
	r := &Runner{
		settings: s,
		pair:     pair,
		spread:   spread,
		buckets:  market.Resample(pair.Times, spread, time.Duration(s.UpdateMinutes)*time.Minute),
		bounds:   make(map[int]market.Bounds),
	}
	r.baseEntry = market.AverageRange(pair.Times, spread, time.Duration(s.EntryRangeMinutes)*time.Minute, fallbackEntryInterval)
	r.baseExit = market.AverageRange(pair.Times, spread, time.Duration(s.ExitRangeMinutes)*time.Minute, fallbackExitInterval)

	logger.Infof("📐 base_min_entry_interval: %.6f, base_exit_interval: %.6f", r.baseEntry, r.baseExit)
	avgBase, avgHedge := pair.MeanPrices()
	avgEquity := s.BaseSize*avgBase + s.HedgeSize*avgHedge
	avgMaxSets := 0
	if avgEquity > 0 {
		avgMaxSets = min(s.GlobalMaxSets, int(s.InitCash*s.Leverage/avgEquity))
	}
	logger.Infof("📐 avg_max_sets: %d, avg_equity: %.4f", avgMaxSets, avgEquity)
	return r, nil
}

// BaseIntervals returns the average-range seeds the sweep multiples scale.
func (r *Runner) BaseIntervals() (exit, entry float64) { return r.baseExit, r.baseEntry }

// Settings returns the sweep-wide settings.
func (r *Runner) Settings() Settings { return r.settings }

// Bounds returns the envelope for a look-back of days, building it once even
// when several workers ask at the same time.
func (r *Runner) Bounds(days int) (market.Bounds, error) {
	r.mu.Lock()
	b, ok := r.bounds[days]
	r.mu.Unlock()
	if ok {
		return b, nil
	}

	v, err, _ := r.group.Do(strconv.Itoa(days), func() (interface{}, error) {
		b, err := market.BuildBounds(r.pair.Times, r.spread, r.buckets, market.BoundsConfig{
			Days:          days,
			MinutesPerDay: r.settings.MinutesPerDay,
			UpdateMinutes: r.settings.UpdateMinutes,
		})
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.bounds[days] = b
		r.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return market.Bounds{}, fmt.Errorf("bounds for %d days: %w", days, err)
	}
	return v.(market.Bounds), nil
}

// Run replays one combination after its warm-up period.
func (r *Runner) Run(ctx context.Context, c Combination, opts RunOptions) (*RunResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	began := time.Now()
	out, err := r.run(c, opts)
	elapsed := time.Since(began)
	if err != nil {
		observeRun(runStatusFailed, elapsed)
		return nil, err
	}
	out.Elapsed = elapsed
	observeRun(runStatusOK, elapsed)
	return out, nil
}

func (r *Runner) run(c Combination, opts RunOptions) (*RunResult, error) {
	if c.ArbitrageN < 0 || c.RiskN < 0 {
		return nil, fmt.Errorf("negative look-back in %s", c)
	}
	arb, err := r.Bounds(c.ArbitrageN)
	if err != nil {
		return nil, err
	}
	risk, err := r.Bounds(c.RiskN)
	if err != nil {
		return nil, err
	}
	start, err := market.WarmupStart(r.pair.Times, max(c.ArbitrageN, c.RiskN))
	if err != nil {
		return nil, err
	}

	pair := r.pair.Slice(start)
	series := &kernel.Series{
		Times:     pair.Times,
		Base:      pair.Base,
		Hedge:     pair.Hedge,
		Spread:    r.spread[start:],
		ArbLower:  arb.Lower[start:],
		ArbUpper:  arb.Upper[start:],
		RiskLower: risk.Lower[start:],
		RiskUpper: risk.Upper[start:],
	}
	params := r.settings.params(c, 3*r.baseExit, opts.Detailed)

	var kopts []kernel.Option
	if opts.Sink != nil {
		kopts = append(kopts, kernel.WithEventSink(opts.Sink))
	}
	engine, err := kernel.New(params, series, kopts...)
	if err != nil {
		return nil, err
	}
	if kernel.CoverageShortfall(engine.Grid(), series.ArbLower[0], series.ArbUpper[0]) {
		logger.Warnf("⚠️ %d levels do not span bounds [%.4f, %.4f] for %s, grid truncated",
			params.MaxLevels, series.ArbLower[0], series.ArbUpper[0], c)
	}
	res := engine.Run()

	stats, equity := Evaluate(series, res, r.settings.PortfolioCash, r.settings.Fee, opts.Detailed)
	out := &RunResult{
		ID:          NewRunID(),
		Combination: c,
		Stats:       stats,
		Start:       series.Times[0],
		End:         series.Times[series.Len()-1],
		Ticks:       series.Len(),
	}
	if opts.Detailed {
		out.Equity = equity
		out.Events = res.Events
	}
	logger.Debugf("run %s: return %.2f%% sharpe %.3f opens %d closes %d",
		c, stats.TotalReturnPct, stats.SharpeRatio, stats.Opens, stats.Closes)
	return out, nil
}

// IsNoData reports whether err means a combination had nothing to replay.
func IsNoData(err error) bool {
	return errors.Is(err, market.ErrNoDataAfterWarmup) || errors.Is(err, market.ErrNoRows)
}
