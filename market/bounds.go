package market

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// Buckets are fixed-width time buckets of a series. Empty buckets are not
// represented. Labels are the bucket starts.
type Buckets struct {
	Start []time.Time
	Min   []float64
	Max   []float64

	rowBucket []int // bucket index of every input row
}

// Len returns the number of non-empty buckets.
func (b *Buckets) Len() int { return len(b.Start) }

// Of returns the bucket index of input row i.
func (b *Buckets) Of(i int) int { return b.rowBucket[i] }

// Resample groups ascending times into buckets of width aligned on
// time.Truncate and records each bucket's min and max.
func Resample(times []time.Time, values []float64, width time.Duration) *Buckets {
	b := &Buckets{rowBucket: make([]int, len(times))}
	k := -1
	for i, t := range times {
		start := t.Truncate(width)
		if k < 0 || !start.Equal(b.Start[k]) {
			b.Start = append(b.Start, start)
			b.Min = append(b.Min, values[i])
			b.Max = append(b.Max, values[i])
			k++
		}
		b.rowBucket[i] = k
		if values[i] < b.Min[k] {
			b.Min[k] = values[i]
		}
		if values[i] > b.Max[k] {
			b.Max[k] = values[i]
		}
	}
	return b
}

// AverageRange is the mean max-min range over the non-empty buckets of width.
// fallback is returned for an empty series.
func AverageRange(times []time.Time, values []float64, width time.Duration, fallback float64) float64 {
	b := Resample(times, values, width)
	if b.Len() == 0 {
		return fallback
	}
	sum := 0.0
	for k := range b.Start {
		sum += b.Max[k] - b.Min[k]
	}
	return sum / float64(b.Len())
}

// Quantile returns the q-quantile of values with linear interpolation
// between closest ranks. values is not modified.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (pos-float64(lo))*(sorted[hi]-sorted[lo])
}

// Bounds is a per-row lower/upper envelope of the spread.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// BoundsConfig controls the rolling envelope.
type BoundsConfig struct {
	Days          int // look-back in calendar days for the first bucket
	MinutesPerDay int // trading minutes per day
	UpdateMinutes int // bucket width
}

// Window is the number of buckets a rolling envelope spans.
func (c BoundsConfig) Window() int {
	w := int(float64(c.Days) * (float64(c.MinutesPerDay) / float64(c.UpdateMinutes)))
	if w < 1 {
		w = 1
	}
	return w
}

// BuildBounds derives the envelope. The first bucket uses the 1% and 99%
// quantiles of the first Days calendar days; every later bucket uses the
// extremes of the preceding Window buckets, so no bucket sees itself. Rows
// take the value of their own bucket.
func BuildBounds(times []time.Time, spread []float64, b *Buckets, cfg BoundsConfig) (Bounds, error) {
	if len(times) == 0 || b.Len() == 0 {
		return Bounds{}, ErrNoRows
	}
	if cfg.UpdateMinutes <= 0 || cfg.MinutesPerDay <= 0 {
		return Bounds{}, fmt.Errorf("invalid bounds config %+v", cfg)
	}

	end := times[0].Add(time.Duration(cfg.Days) * 24 * time.Hour)
	n := sort.Search(len(times), func(i int) bool { return times[i].After(end) })
	lower0 := Quantile(spread[:n], 0.01)
	upper0 := Quantile(spread[:n], 0.99)

	w := cfg.Window()
	lowers := trailingExtremes(b.Min, w, func(a, c float64) bool { return a <= c })
	uppers := trailingExtremes(b.Max, w, func(a, c float64) bool { return a >= c })
	lowers[0], uppers[0] = lower0, upper0

	out := Bounds{Lower: make([]float64, len(times)), Upper: make([]float64, len(times))}
	for i := range times {
		k := b.Of(i)
		out.Lower[i] = lowers[k]
		out.Upper[i] = uppers[k]
	}
	return out, nil
}

// trailingExtremes returns out[k] = best of values[max(0,k-w):k] for k >= 1
// using a monotonic deque. better(a, c) reports whether a should replace c.
func trailingExtremes(values []float64, w int, better func(a, c float64) bool) []float64 {
	out := make([]float64, len(values))
	deque := make([]int, 0, w)
	for k := 1; k < len(values); k++ {
		in := k - 1
		for len(deque) > 0 && better(values[in], values[deque[len(deque)-1]]) {
			deque = deque[:len(deque)-1]
		}
		deque = append(deque, in)
		for deque[0] < k-w {
			deque = deque[1:]
		}
		out[k] = values[deque[0]]
	}
	return out
}

var ErrNoDataAfterWarmup = errors.New("no data after the warm-up period")

// WarmupStart returns the first index strictly after times[0] plus days.
func WarmupStart(times []time.Time, days int) (int, error) {
	if len(times) == 0 {
		return 0, ErrNoRows
	}
	end := times[0].Add(time.Duration(days) * 24 * time.Hour)
	i := sort.Search(len(times), func(i int) bool { return times[i].After(end) })
	if i >= len(times) {
		return 0, fmt.Errorf("%w: %d days from %s", ErrNoDataAfterWarmup, days, times[0].Format(time.DateTime))
	}
	return i, nil
}
