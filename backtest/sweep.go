package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"spreadgrid/logger"
)

// SweepOptions control a parameter sweep.
type SweepOptions struct {
	Workers int
	KeyStat string

	// OnResult is called from the worker goroutine after every combination,
	// failed ones included. It must be safe for concurrent use.
	OnResult func(*RunResult)
}

// Sweep replays every combination on up to Workers goroutines and returns
// the results ranked by KeyStat. A combination that cannot run is kept with
// its Error set; only cancellation of ctx aborts the sweep.
func Sweep(ctx context.Context, r *Runner, combos []Combination, opts SweepOptions) ([]*RunResult, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	key := opts.KeyStat
	if key == "" {
		key = KeySharpeRatio
	}

	logger.Infof("🔍 Sweeping %d combinations on %d workers, ranked by %s", len(combos), workers, key)
	mtxSweepPending.Set(float64(len(combos)))
	defer mtxSweepPending.Set(0)

	var done atomic.Int64
	results := make([]*RunResult, len(combos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range combos {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := r.Run(gctx, c, RunOptions{})
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				entry := logger.WithField("combo", c.String())
				if IsNoData(err) {
					entry.Warnf("⚠️ skipped: %v", err)
				} else {
					entry.Errorf("❌ failed: %v", err)
				}
				res = &RunResult{ID: NewRunID(), Combination: c, Error: err.Error()}
			}
			results[i] = res
			done.Add(1)
			mtxSweepPending.Dec()
			if opts.OnResult != nil {
				opts.OnResult(res)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sweep cancelled after %d of %d combinations: %w", done.Load(), len(combos), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	Rank(results, key)
	if best := Best(results); best != nil {
		mtxSweepBest.WithLabelValues(key).Set(best.Stats.Key(key))
		logger.Infof("🏆 Best %s: %s (%s %.4f)", best.ID, best.Combination, key, best.Stats.Key(key))
	} else {
		logger.Warnf("⚠️ No combination produced statistics")
	}
	return results, nil
}

// Rank sorts results by key descending. Failed runs and NaN statistics go
// last; ties keep the combination order.
func Rank(results []*RunResult, key string) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := rankValue(results[i], key), rankValue(results[j], key)
		if math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		if math.IsNaN(a) {
			return false
		}
		return a > b
	})
}

func rankValue(r *RunResult, key string) float64 {
	if r.Failed() {
		return math.NaN()
	}
	return r.Stats.Key(key)
}

// Best returns the first ranked result with statistics.
func Best(results []*RunResult) *RunResult {
	for _, r := range results {
		if !r.Failed() {
			return r
		}
	}
	return nil
}
