package kernel

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ============================================================================
// Directions and legs
// ============================================================================

// Direction of a grid layer. Long buys the spread (long base, short hedge).
type Direction int

const (
	Long  Direction = 1
	Short Direction = -1
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// Leg identifies one of the two instruments of the spread.
type Leg int

const (
	LegNone Leg = iota
	LegBase
	LegHedge
)

func (l Leg) String() string {
	switch l {
	case LegBase:
		return "base"
	case LegHedge:
		return "hedge"
	default:
		return "none"
	}
}

// BreakDirection is the side on which the spread left the risk envelope.
type BreakDirection int

const (
	BreakNone BreakDirection = 0
	BreakUp   BreakDirection = 1
	BreakDown BreakDirection = -1
)

func (b BreakDirection) String() string {
	switch b {
	case BreakUp:
		return "upper"
	case BreakDown:
		return "lower"
	default:
		return "none"
	}
}

// ============================================================================
// Parameters
// ============================================================================

// ExitAnchor selects the reference price a layer's exit is measured from.
type ExitAnchor string

const (
	// AnchorEntrySpread measures from the spread at fill.
	AnchorEntrySpread ExitAnchor = "entry"
	// AnchorLevel measures from the layer's grid level, which follows remaps.
	AnchorLevel       ExitAnchor = "level"
)

// AdaptiveParams controls how entry spacing reacts to rolling win-rates.
type AdaptiveParams struct {
	MinOps          int     `json:"min_ops"`
	WidenThreshold  float64 `json:"widen_threshold"`
	NarrowThreshold float64 `json:"narrow_threshold"`
	WidenStep       float64 `json:"widen_step"`
	MinFactor       float64 `json:"min_factor"`
	MaxFactor       float64 `json:"max_factor"`
}

// DefaultAdaptive returns the stock adaptive spacing constants.
func DefaultAdaptive() AdaptiveParams {
	return AdaptiveParams{
		MinOps:          10,
		WidenThreshold:  0.3,
		NarrowThreshold: 0.7,
		WidenStep:       1.2,
		MinFactor:       1.0,
		MaxFactor:       3.0,
	}
}

// Params is the immutable configuration of one replay.
type Params struct {
	BaseSize         float64 `json:"base_size"`  // base quantity per layer
	HedgeSize        float64 `json:"hedge_size"` // hedge quantity per layer
	ExitInterval     float64 `json:"exit_interval"`
	MinEntryInterval float64 `json:"min_entry_interval"`
	MaxLevels        int     `json:"max_levels"`
	GlobalMaxSets    int     `json:"glb_max_sets"`
	ReduceRatio      float64 `json:"reduce_ratio"`
	// ReboundAmount is accepted for compatibility with existing parameter files.
	// Rebound detection always uses ExitInterval.
	ReboundAmount  float64 `json:"rebound_amount"`
	BaseIsInteger  bool    `json:"base_is_integer"`
	HedgeIsInteger bool    `json:"hedge_is_integer"`
	InitCash       float64 `json:"init_cash"`
	Fee            float64 `json:"fee"`
	Leverage       float64 `json:"leverage"`
	// CenterLookback caps the reverse scan for the last center crossing.
	// Zero scans back to the start of the series.
	CenterLookback int        `json:"center_lookback"`
	ExitAnchor     ExitAnchor `json:"exit_anchor"` // empty means AnchorEntrySpread
	RecordEvents   bool       `json:"record_events"`

	Adaptive AdaptiveParams `json:"adaptive"`
}

// Validate checks the parameters for values the engine cannot work with.
func (p Params) Validate() error {
	switch {
	case p.BaseSize <= 0 || p.HedgeSize <= 0:
		return fmt.Errorf("leg sizes must be positive (base=%v hedge=%v)", p.BaseSize, p.HedgeSize)
	case p.ExitInterval < 0:
		return fmt.Errorf("exit interval must not be negative: %v", p.ExitInterval)
	case p.MinEntryInterval < 0:
		return fmt.Errorf("min entry interval must not be negative: %v", p.MinEntryInterval)
	case p.MaxLevels <= 0:
		return fmt.Errorf("max levels must be positive: %d", p.MaxLevels)
	case p.GlobalMaxSets < 0:
		return fmt.Errorf("global max sets must not be negative: %d", p.GlobalMaxSets)
	case p.ReduceRatio < 0 || p.ReduceRatio > 1:
		return fmt.Errorf("reduce ratio must be within [0,1]: %v", p.ReduceRatio)
	case p.Leverage <= 0:
		return fmt.Errorf("leverage must be positive: %v", p.Leverage)
	case p.Fee < 0:
		return fmt.Errorf("fee must not be negative: %v", p.Fee)
	case p.InitCash < 0:
		return fmt.Errorf("initial cash must not be negative: %v", p.InitCash)
	case p.CenterLookback < 0:
		return fmt.Errorf("center lookback must not be negative: %d", p.CenterLookback)
	case p.ExitAnchor != "" && p.ExitAnchor != AnchorEntrySpread && p.ExitAnchor != AnchorLevel:
		return fmt.Errorf("unknown exit anchor: %q", p.ExitAnchor)
	}
	a := p.Adaptive
	if a.WidenStep <= 0 || a.MinFactor <= 0 || a.MaxFactor < a.MinFactor {
		return fmt.Errorf("invalid adaptive params: %+v", a)
	}
	return nil
}

// ============================================================================
// Input series
// ============================================================================

// Series is the tick input of one replay. All slices share the same index.
type Series struct {
	Times  []time.Time
	Base   []float64
	Hedge  []float64
	Spread []float64 // derived from Base/Hedge when nil

	ArbLower  []float64
	ArbUpper  []float64
	RiskLower []float64
	RiskUpper []float64
}

// Len returns the number of ticks.
func (s *Series) Len() int { return len(s.Base) }

var ErrEmptySeries = errors.New("empty series")

// Validate rejects series the engine is not defined for: empty input,
// misaligned lengths and non-finite values.
func (s *Series) Validate() error {
	n := len(s.Base)
	if n == 0 {
		return ErrEmptySeries
	}
	cols := map[string][]float64{
		"hedge":      s.Hedge,
		"arb_lower":  s.ArbLower,
		"arb_upper":  s.ArbUpper,
		"risk_lower": s.RiskLower,
		"risk_upper": s.RiskUpper,
	}
	if s.Spread != nil {
		cols["spread"] = s.Spread
	}
	for name, col := range cols {
		if len(col) != n {
			return fmt.Errorf("column %s has %d values, want %d", name, len(col), n)
		}
	}
	if s.Times != nil && len(s.Times) != n {
		return fmt.Errorf("column times has %d values, want %d", len(s.Times), n)
	}
	cols["base"] = s.Base
	for name, col := range cols {
		for i, v := range col {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("column %s has non-finite value at %d", name, i)
			}
		}
	}
	return nil
}

func (s *Series) spreadValues(p Params) []float64 {
	if s.Spread != nil {
		return s.Spread
	}
	out := make([]float64, len(s.Base))
	for i := range s.Base {
		out[i] = p.BaseSize*s.Base[i] - p.HedgeSize*s.Hedge[i]
	}
	return out
}

func sign(x float64) float64 {
	if x > 0 {
		return 1
	}
	if x < 0 {
		return -1
	}
	return 0
}
