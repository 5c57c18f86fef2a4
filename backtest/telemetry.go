package backtest

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for replays and sweeps, served by the API at /metrics.
//   - spreadgrid_runs_total{status}          replays finished, ok or failed
//   - spreadgrid_run_duration_seconds        wall time of a single replay
//   - spreadgrid_sweep_pending               combinations not yet finished
//   - spreadgrid_sweep_best{stat}            best key statistic of the last sweep

const (
	runStatusOK     = "ok"
	runStatusFailed = "failed"
)

var (
	mtxRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spreadgrid_runs_total",
			Help: "Replays finished",
		},
		[]string{"status"},
	)

	mtxRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spreadgrid_run_duration_seconds",
			Help:    "Wall time of a single replay",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	mtxSweepPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spreadgrid_sweep_pending",
			Help: "Combinations of the running sweep not yet finished",
		},
	)

	mtxSweepBest = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spreadgrid_sweep_best",
			Help: "Best key statistic of the last finished sweep",
		},
		[]string{"stat"},
	)
)

func init() {
	prometheus.MustRegister(mtxRuns, mtxRunDuration, mtxSweepPending, mtxSweepBest)
}

func observeRun(status string, elapsed time.Duration) {
	mtxRuns.WithLabelValues(status).Inc()
	mtxRunDuration.Observe(elapsed.Seconds())
}
