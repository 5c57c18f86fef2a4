package kernel

// Grid is the ladder of entry levels around the arbitrage center.
// Long levels sit below center-exit/2, short levels above center+exit/2.
type Grid struct {
	Center        float64   `json:"center"`
	IntervalLong  float64   `json:"interval_long"`
	IntervalShort float64   `json:"interval_short"`
	Long          []float64 `json:"long"`  // descending, rank 0 closest to center
	Short         []float64 `json:"short"` // ascending, rank 0 closest to center
}

// BuildGrid derives maxLevels levels per direction.
func BuildGrid(center, exitInterval, intervalLong, intervalShort float64, maxLevels int) Grid {
	g := Grid{
		Center:        center,
		IntervalLong:  intervalLong,
		IntervalShort: intervalShort,
		Long:          make([]float64, maxLevels),
		Short:         make([]float64, maxLevels),
	}
	centerLong := center - exitInterval/2
	centerShort := center + exitInterval/2
	for k := 1; k <= maxLevels; k++ {
		g.Long[k-1] = centerLong - float64(k)*intervalLong
		g.Short[k-1] = centerShort + float64(k)*intervalShort
	}
	return g
}

// Levels returns the ladder for one direction.
func (g Grid) Levels(dir Direction) []float64 {
	if dir == Short {
		return g.Short
	}
	return g.Long
}

// Rank returns the index of level in the direction's ladder, or -1.
// Matching is by exact value.
func (g Grid) Rank(dir Direction, level float64) int {
	for i, v := range g.Levels(dir) {
		if v == level {
			return i
		}
	}
	return -1
}

// CoverageShortfall reports whether maxLevels layers of the narrowest
// interval cannot reach the bound half-width on either side.
func CoverageShortfall(g Grid, lower, upper float64) bool {
	half := (upper - lower) / 2
	if half <= 0 {
		return false
	}
	n := float64(len(g.Long))
	return n*g.IntervalLong < half || n*g.IntervalShort < half
}

// entryInterval is the base spacing before dynamic factors.
func entryInterval(distance float64, capacity int, minInterval float64) float64 {
	iv := 0.0
	if capacity > 0 {
		iv = (distance / 2) / float64(capacity)
	}
	if iv < minInterval {
		iv = minInterval
	}
	return iv
}
