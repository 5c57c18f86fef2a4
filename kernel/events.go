package kernel

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EventKind names a state-changing action of the engine.
type EventKind string

const (
	EventBounds      EventKind = "bounds"
	EventGrid        EventKind = "grid"
	EventRemap       EventKind = "remap"
	EventOpen        EventKind = "open"
	EventClose       EventKind = "close"
	EventRiskReduce  EventKind = "risk_reduce"
	EventRiskTopUp   EventKind = "risk_topup"
	EventRiskRestore EventKind = "risk_restore"
)

// LegSnapshot is the decomposition of both legs after an action.
type LegSnapshot struct {
	ArbBase   float64 `json:"arb_base"`
	RiskBase  float64 `json:"risk_base"`
	ArbHedge  float64 `json:"arb_hedge"`
	RiskHedge float64 `json:"risk_hedge"`
}

// Judgment records how the losing leg of a breakout was chosen.
type Judgment struct {
	Bound      BreakDirection `json:"bound"`
	BoundValue float64        `json:"bound_value"`
	BaseMom    float64        `json:"base_mom"`
	HedgeMom   float64        `json:"hedge_mom"`
	SpreadMom  float64        `json:"spread_mom"`
	Origin     int            `json:"origin"`
	Leg        Leg            `json:"leg"`
}

// Event is one line of the replay's event log. Only the fields relevant
// to Kind are set.
type Event struct {
	Index int       `json:"index"`
	Time  time.Time `json:"time"`
	Kind  EventKind `json:"kind"`

	Direction   Direction `json:"direction,omitempty"`
	Leg         Leg       `json:"leg,omitempty"`
	Level       float64   `json:"level,omitempty"`
	PrevLevel   float64   `json:"prev_level,omitempty"`
	Spread      float64   `json:"spread,omitempty"`
	EntrySpread float64   `json:"entry_spread,omitempty"`
	BaseOrder   float64   `json:"base_order,omitempty"`
	HedgeOrder  float64   `json:"hedge_order,omitempty"`
	Amount      float64   `json:"amount,omitempty"`
	Price       float64   `json:"price,omitempty"`
	Label       string    `json:"label,omitempty"`

	Lower         float64 `json:"lower,omitempty"`
	Upper         float64 `json:"upper,omitempty"`
	Center        float64 `json:"center,omitempty"`
	IntervalLong  float64 `json:"interval_long,omitempty"`
	IntervalShort float64 `json:"interval_short,omitempty"`
	FactorLong    float64 `json:"factor_long,omitempty"`
	FactorShort   float64 `json:"factor_short,omitempty"`

	Extreme    float64 `json:"extreme,omitempty"`
	Trigger    float64 `json:"trigger,omitempty"`
	Virtual    float64 `json:"virtual,omitempty"`
	MaxVirtual float64 `json:"max_virtual,omitempty"`

	Judgment *Judgment   `json:"judgment,omitempty"`
	Legs     LegSnapshot `json:"legs"`
	Layers   int         `json:"layers"`
}

// EventSink receives events as the engine produces them.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Emit(e Event) { f(e) }

// orderLabel describes what a signed order does to a position.
func orderLabel(pre, order float64) string {
	switch {
	case order > 0 && pre >= 0:
		return "open long"
	case order > 0:
		return "close short"
	case order < 0 && pre > 0:
		return "close long"
	case order < 0:
		return "open short"
	default:
		return "no-op"
	}
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func (s LegSnapshot) String() string {
	return fmt.Sprintf("arb_base=%s, risk_base=%s, total_base=%s, arb_hedge=%s, risk_hedge=%s, total_hedge=%s",
		num(s.ArbBase), num(s.RiskBase), num(s.ArbBase+s.RiskBase),
		num(s.ArbHedge), num(s.RiskHedge), num(s.ArbHedge+s.RiskHedge))
}

func (j *Judgment) String() string {
	bs, hs, ss := sign(j.BaseMom), sign(j.HedgeMom), sign(j.SpreadMom)
	yn := func(b bool) string {
		if b {
			return "yes"
		}
		return "no"
	}
	return fmt.Sprintf("base_mom=%s (sign %s), hedge_mom=%s (sign %s), spread_mom=%s (sign %s), signs same: %s, abs(base) >= abs(hedge): %s, so losing_leg=%s",
		num(j.BaseMom), num(bs), num(j.HedgeMom), num(hs), num(j.SpreadMom), num(ss),
		yn(bs == hs), yn(absf(j.BaseMom) >= absf(j.HedgeMom)), j.Leg)
}

// String renders the event as one human-readable log line.
func (e Event) String() string {
	var b strings.Builder
	if !e.Time.IsZero() {
		b.WriteString(e.Time.Format("2006-01-02 15:04:05"))
	} else {
		b.WriteString("#" + strconv.Itoa(e.Index))
	}
	b.WriteString(": ")
	switch e.Kind {
	case EventBounds:
		fmt.Fprintf(&b, "bounds adjusted to lower=%s, upper=%s, %s", num(e.Lower), num(e.Upper), e.Legs)
	case EventGrid:
		fmt.Fprintf(&b, "grid adjusted entry_interval=[long]%s[short]%s, center=%s, dynamic_long=%s, dynamic_short=%s",
			num(e.IntervalLong), num(e.IntervalShort), num(e.Center), num(e.FactorLong), num(e.FactorShort))
	case EventRemap:
		fmt.Fprintf(&b, "grid position moved %s from %s to %s", e.Direction, num(e.PrevLevel), num(e.Level))
	case EventOpen:
		fmt.Fprintf(&b, "%s base at grid=%s, spread=%s, size=%s; %s hedge, size=%s, %s, levels=%d",
			orderLabel(e.Legs.ArbBase+e.Legs.RiskBase-e.BaseOrder, e.BaseOrder), num(e.Level), num(e.Spread), num(e.BaseOrder),
			orderLabel(e.Legs.ArbHedge+e.Legs.RiskHedge-e.HedgeOrder, e.HedgeOrder), num(e.HedgeOrder), e.Legs, e.Layers)
	case EventClose:
		fmt.Fprintf(&b, "%s base entry_sp=%s, spread=%s, size=%s; %s hedge, size=%s, %s, levels=%d",
			orderLabel(e.Legs.ArbBase+e.Legs.RiskBase-e.BaseOrder, e.BaseOrder), num(e.Level), num(e.Spread), num(e.BaseOrder),
			orderLabel(e.Legs.ArbHedge+e.Legs.RiskHedge-e.HedgeOrder, e.HedgeOrder), num(e.HedgeOrder), e.Legs, e.Layers)
	case EventRiskReduce:
		if j := e.Judgment; j != nil {
			fmt.Fprintf(&b, "risk reduce break %s=%s, spread=%s, judgment=%s", j.Bound, num(j.BoundValue), num(e.Spread), j)
		} else {
			fmt.Fprintf(&b, "risk reduce, spread=%s", num(e.Spread))
		}
		fmt.Fprintf(&b, ", %s %s, amount=%s, reduce_price=%s, %s", e.Label, e.Leg, num(e.Amount), num(e.Price), e.Legs)
	case EventRiskTopUp:
		fmt.Fprintf(&b, "risk top-up, %s %s, amount=%s, reduce_price=%s, spread=%s, current_virtual_abs=%s, max_virtual_abs=%s, %s",
			e.Label, e.Leg, num(e.Amount), num(e.Price), num(e.Spread), num(e.Virtual), num(e.MaxVirtual), e.Legs)
	case EventRiskRestore:
		fmt.Fprintf(&b, "risk restore, %s %s, amount=%s, supplement_price=%s, spread=%s, extreme_sp=%s, trigger_sp=%s, %s",
			e.Label, e.Leg, num(e.Amount), num(e.Price), num(e.Spread), num(e.Extreme), num(e.Trigger), e.Legs)
	default:
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func absf(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
