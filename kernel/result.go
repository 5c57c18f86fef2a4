package kernel

import "time"

// TickRecord is everything the engine reports for one tick.
type TickRecord struct {
	BaseOrder  float64 `json:"base_order"`  // net signed base quantity ordered this tick
	HedgeOrder float64 `json:"hedge_order"` // net signed hedge quantity ordered this tick
	LevelDelta int     `json:"level_delta"` // +dir per open, -dir per close

	WinRateLong        float64 `json:"win_rate_long"`
	WinRateShort       float64 `json:"win_rate_short"`
	EntryIntervalLong  float64 `json:"entry_interval_long"`
	EntryIntervalShort float64 `json:"entry_interval_short"`
	Capacity           int     `json:"capacity"`
	Cash               float64 `json:"cash"`
	Fees               float64 `json:"fees"`
}

// Result is the columnar output of a replay; Ticks[i] belongs to Times[i].
type Result struct {
	Times   []time.Time  `json:"times"`
	Ticks   []TickRecord `json:"ticks"`
	Opens   int          `json:"opens"`
	Closes  int          `json:"closes"`
	MaxOpen int          `json:"max_open"`
	Events  []Event      `json:"events,omitempty"`
}

// Len returns the number of ticks.
func (r *Result) Len() int { return len(r.Ticks) }

// Orders returns the base and hedge order columns.
func (r *Result) Orders() (base, hedge []float64) {
	base = make([]float64, len(r.Ticks))
	hedge = make([]float64, len(r.Ticks))
	for i, t := range r.Ticks {
		base[i] = t.BaseOrder
		hedge[i] = t.HedgeOrder
	}
	return base, hedge
}

// Cash returns the running cash column.
func (r *Result) Cash() []float64 {
	out := make([]float64, len(r.Ticks))
	for i, t := range r.Ticks {
		out[i] = t.Cash
	}
	return out
}
