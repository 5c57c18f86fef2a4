package kernel

// Adaptive holds the per-direction spacing factors and the rolling counters
// they are derived from. Counters cover the period since the ledger was last flat.
type Adaptive struct {
	FactorLong  float64 `json:"factor_long"`
	FactorShort float64 `json:"factor_short"`

	OpensLong       int `json:"opens_long"`
	OpensShort      int `json:"opens_short"`
	ClosesLong      int `json:"closes_long"`
	ClosesShort     int `json:"closes_short"`
	ProfitableLong  int `json:"profitable_long"`
	ProfitableShort int `json:"profitable_short"`
}

func newAdaptive() Adaptive {
	return Adaptive{FactorLong: 1, FactorShort: 1}
}

// Reset returns factors and counters to neutral.
func (a *Adaptive) Reset() {
	*a = newAdaptive()
}

// RecordOpen counts a new layer.
func (a *Adaptive) RecordOpen(dir Direction) {
	if dir == Long {
		a.OpensLong++
	} else {
		a.OpensShort++
	}
}

// RecordClose counts a closed layer and whether it made money.
func (a *Adaptive) RecordClose(dir Direction, profitable bool) {
	if dir == Long {
		a.ClosesLong++
		if profitable {
			a.ProfitableLong++
		}
		return
	}
	a.ClosesShort++
	if profitable {
		a.ProfitableShort++
	}
}

// WinRate is profitable closes over opens, 0 without opens.
func (a *Adaptive) WinRate(dir Direction) float64 {
	opens, wins := a.OpensLong, a.ProfitableLong
	if dir == Short {
		opens, wins = a.OpensShort, a.ProfitableShort
	}
	if opens == 0 {
		return 0
	}
	return float64(wins) / float64(opens)
}

// Adjust widens or narrows each direction whose sample is large enough.
func (a *Adaptive) Adjust(p AdaptiveParams) {
	if a.OpensLong >= p.MinOps {
		a.FactorLong = adjustFactor(a.FactorLong, a.WinRate(Long), p)
	}
	if a.OpensShort >= p.MinOps {
		a.FactorShort = adjustFactor(a.FactorShort, a.WinRate(Short), p)
	}
}

// Factor returns the spacing factor for dir.
func (a *Adaptive) Factor(dir Direction) float64 {
	if dir == Short {
		return a.FactorShort
	}
	return a.FactorLong
}

func adjustFactor(f, rate float64, p AdaptiveParams) float64 {
	switch {
	case rate < p.WidenThreshold:
		f *= p.WidenStep
	case rate > p.NarrowThreshold:
		f /= p.WidenStep
	}
	if f < p.MinFactor {
		f = p.MinFactor
	}
	if f > p.MaxFactor {
		f = p.MaxFactor
	}
	return f
}
