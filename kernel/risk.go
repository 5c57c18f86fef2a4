package kernel

import "math"

// RiskState is the breakout de-risking state machine. The zero value is Idle.
type RiskState struct {
	Active  bool           `json:"active"`
	Break   BreakDirection `json:"break"`
	Extreme float64        `json:"extreme"` // max spread on an up break, min on a down break

	ReducedLeg       Leg     `json:"reduced_leg"`
	ReducedAmount    float64 `json:"reduced_amount"`
	ReducedDirection float64 `json:"reduced_direction"` // -sign of the pre-breakout leg position
	MaxVirtual       float64 `json:"max_virtual"`

	judgment  *Judgment
	announced bool // a reduction with judgment has been emitted this episode
}

// detectBreak reports the side on which curr left [lower, upper].
func detectBreak(curr, lower, upper float64) BreakDirection {
	if curr > upper {
		return BreakUp
	}
	if curr < lower {
		return BreakDown
	}
	return BreakNone
}

// findCrossing scans back from i-1 for the most recent crossing of center in
// the sense of the break. It returns 0 when none is found down to index 1, in
// which case no momentum origin exists. lookback > 0 bounds the scan: when the
// window is exhausted before index 0, the window start is the origin.
func findCrossing(spread []float64, i int, center float64, dir BreakDirection, lookback int) int {
	start := i - 1
	floor := 0
	if lookback > 0 && i-1-lookback > 0 {
		floor = i - 1 - lookback
	}
	for start > floor {
		prev, cur := spread[start-1], spread[start]
		if dir == BreakUp && prev <= center && cur > center {
			break
		}
		if dir == BreakDown && prev >= center && cur < center {
			break
		}
		start--
	}
	return start
}

// losingLeg picks the leg to de-risk from the momenta since the origin.
// When base and hedge moved the same way, the leg moving with the spread
// loses. Otherwise the dominant leg decides: when base dominates, base loses
// if it moved with the spread; when hedge dominates, hedge loses if base
// moved with the spread.
func losingLeg(baseMom, hedgeMom, spreadMom float64) Leg {
	bs, hs, ss := sign(baseMom), sign(hedgeMom), sign(spreadMom)
	if bs == hs {
		if ss == bs {
			return LegBase
		}
		return LegHedge
	}
	if math.Abs(baseMom) >= math.Abs(hedgeMom) {
		if ss == bs {
			return LegBase
		}
		return LegHedge
	}
	if ss == bs {
		return LegHedge
	}
	return LegBase
}

// trackExtreme moves the extreme outward and reports whether the spread has
// retraced by rebound from it. It also returns the trigger level.
func (r *RiskState) trackExtreme(curr, rebound float64) (bool, float64) {
	if r.Break == BreakUp {
		if curr > r.Extreme {
			r.Extreme = curr
		}
		trigger := r.Extreme - rebound
		return curr <= trigger, trigger
	}
	if curr < r.Extreme {
		r.Extreme = curr
	}
	trigger := r.Extreme + rebound
	return curr >= trigger, trigger
}

// clearReduction forgets the reduced leg after restoration.
func (r *RiskState) clearReduction() {
	r.ReducedLeg = LegNone
	r.ReducedAmount = 0
	r.ReducedDirection = 0
}

// topUpAmount returns the additional reduction needed on the reduced leg,
// raising MaxVirtual when the leg has grown since the last check.
func (r *RiskState) topUpAmount(legPos, ratio, lot float64, integral bool) (additional, virtual float64) {
	virtual = math.Abs(legPos) + r.ReducedAmount
	if virtual > r.MaxVirtual {
		r.MaxVirtual = virtual
	}
	additional = ratio*r.MaxVirtual - r.ReducedAmount
	if additional <= 0 {
		return 0, virtual
	}
	if integral {
		additional = floorToLot(additional, lot)
	}
	if additional <= 0 {
		return 0, virtual
	}
	return additional, virtual
}
