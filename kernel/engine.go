package kernel

import (
	"fmt"
	"math"
)

// ============================================================================
// Engine
// ============================================================================

// Engine replays one series under one parameter set. It is a synchronous
// fold over the tick index and is not safe for concurrent use.
type Engine struct {
	p      Params
	s      *Series
	spread []float64

	grid     Grid
	ledger   *Ledger
	base     LegPosition
	hedge    LegPosition
	account  Account
	adaptive Adaptive
	risk     RiskState

	prevLower float64
	prevUpper float64

	sink EventSink
	res  *Result
	i    int
	done bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithEventSink streams events to sink as they happen.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// New validates the inputs and prepares the tick-0 state.
func New(p Params, s *Series, opts ...Option) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if s == nil {
		return nil, ErrEmptySeries
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid series: %w", err)
	}

	n := s.Len()
	e := &Engine{
		p:        p,
		s:        s,
		spread:   s.spreadValues(p),
		ledger:   NewLedger(p.GlobalMaxSets),
		adaptive: newAdaptive(),
		res: &Result{
			Times: s.Times,
			Ticks: make([]TickRecord, n),
		},
	}
	for _, opt := range opts {
		opt(e)
	}

	e.account = Account{Cash: p.InitCash}
	e.account.Resize(p, s.Base[0], s.Hedge[0])
	e.prevLower, e.prevUpper = s.ArbLower[0], s.ArbUpper[0]
	e.rebuildGrid(e.prevLower, e.prevUpper)
	e.record(0)
	return e, nil
}

// Run replays a series and returns its result.
func Run(p Params, s *Series, opts ...Option) (*Result, error) {
	e, err := New(p, s, opts...)
	if err != nil {
		return nil, err
	}
	return e.Run(), nil
}

// Run steps through every remaining tick. Calling it twice returns the same result.
func (e *Engine) Run() *Result {
	if e.done {
		return e.res
	}
	for i := 1; i < e.s.Len(); i++ {
		e.step(i)
	}
	e.done = true
	return e.res
}

// Params returns the configuration the engine was built with.
func (e *Engine) Params() Params { return e.p }

// Grid returns the current grid.
func (e *Engine) Grid() Grid { return e.grid }

// Ledger returns the open layers.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Legs returns the current base and hedge positions.
func (e *Engine) Legs() (base, hedge LegPosition) { return e.base, e.hedge }

// Account returns cash and capacity.
func (e *Engine) Account() Account { return e.account }

// Adaptive returns the spacing factors and rolling counters.
func (e *Engine) Adaptive() Adaptive { return e.adaptive }

// Risk returns the risk controller state.
func (e *Engine) Risk() RiskState { return e.risk }

// ============================================================================
// Per-tick fold
// ============================================================================

func (e *Engine) step(i int) {
	e.i = i
	s, p := e.s, e.p
	rec := &e.res.Ticks[i]

	e.account.MarkToMarket(e.base.Total(), e.hedge.Total(), s.Base[i]-s.Base[i-1], s.Hedge[i]-s.Hedge[i-1])
	e.account.Resize(p, s.Base[i], s.Hedge[i])

	wasEmpty := e.ledger.Len() == 0
	e.updateBounds(i)

	prev, curr := e.spread[i-1], e.spread[i]

	if !e.risk.Active {
		e.detectBreakout(i, curr)
	}

	e.closeLayers(curr, rec)

	if e.risk.Active {
		e.checkRebound(i, curr)
	}

	// a rebound caused by an empty ledger implies the ledger is empty here
	emptyAfterExits := e.ledger.Len() == 0
	if !wasEmpty && emptyAfterExits {
		e.adaptive.Reset()
	} else {
		e.openLayers(prev, curr, rec)
	}

	if e.risk.Active && !emptyAfterExits {
		e.topUp(i, curr)
	}

	rec.Fees = e.account.DeductFees(p.Fee, rec.BaseOrder, rec.HedgeOrder, s.Base[i], s.Hedge[i])
	e.record(i)
}

func (e *Engine) record(i int) {
	rec := &e.res.Ticks[i]
	rec.WinRateLong = e.adaptive.WinRate(Long)
	rec.WinRateShort = e.adaptive.WinRate(Short)
	rec.EntryIntervalLong = e.grid.IntervalLong
	rec.EntryIntervalShort = e.grid.IntervalShort
	rec.Capacity = e.account.Capacity
	rec.Cash = e.account.Cash
	if n := e.ledger.Len(); n > e.res.MaxOpen {
		e.res.MaxOpen = n
	}
}

// ============================================================================
// Bounds and grid
// ============================================================================

func (e *Engine) rebuildGrid(lower, upper float64) {
	base := entryInterval(upper-lower, e.account.Capacity, e.p.MinEntryInterval)
	e.grid = BuildGrid((lower+upper)/2, e.p.ExitInterval,
		base*e.adaptive.Factor(Long), base*e.adaptive.Factor(Short), e.p.MaxLevels)
}

func (e *Engine) updateBounds(i int) {
	lower, upper := e.s.ArbLower[i], e.s.ArbUpper[i]
	if lower == e.prevLower && upper == e.prevUpper {
		return
	}
	e.emit(Event{Kind: EventBounds, Lower: lower, Upper: upper})

	if upper-lower > 0 {
		e.adaptive.Adjust(e.p.Adaptive)
		old := e.grid
		e.rebuildGrid(lower, upper)
		e.emit(Event{
			Kind:          EventGrid,
			Lower:         lower,
			Upper:         upper,
			Center:        e.grid.Center,
			IntervalLong:  e.grid.IntervalLong,
			IntervalShort: e.grid.IntervalShort,
			FactorLong:    e.adaptive.FactorLong,
			FactorShort:   e.adaptive.FactorShort,
		})
		for _, m := range e.ledger.Remap(old, e.grid) {
			e.emit(Event{Kind: EventRemap, Direction: m.Direction, PrevLevel: m.From, Level: m.To})
		}
	}
	e.prevLower, e.prevUpper = lower, upper
}

// ============================================================================
// Entries and exits
// ============================================================================

func (e *Engine) exitHit(pos OpenPosition, curr float64) bool {
	anchor := pos.EntrySpread
	if e.p.ExitAnchor == AnchorLevel {
		anchor = pos.Level
	}
	if pos.Direction == Long {
		return curr >= anchor+e.p.ExitInterval
	}
	return curr <= anchor-e.p.ExitInterval
}

func (e *Engine) closeLayers(curr float64, rec *TickRecord) {
	closed := e.ledger.RemoveMatching(func(pos OpenPosition) bool { return e.exitHit(pos, curr) })
	for _, pos := range closed {
		dir := float64(pos.Direction)
		orderBase := -dir * e.p.BaseSize
		orderHedge := dir * e.p.HedgeSize
		e.base.Arbitrage += orderBase
		e.hedge.Arbitrage += orderHedge
		rec.BaseOrder += orderBase
		rec.HedgeOrder += orderHedge
		rec.LevelDelta -= int(pos.Direction)
		e.res.Closes++
		e.adaptive.RecordClose(pos.Direction, dir*(curr-pos.EntrySpread) > 0)
		e.emit(Event{
			Kind:        EventClose,
			Direction:   pos.Direction,
			Level:       pos.Level,
			EntrySpread: pos.EntrySpread,
			Spread:      curr,
			BaseOrder:   orderBase,
			HedgeOrder:  orderHedge,
		})
	}
}

func (e *Engine) openLayers(prev, curr float64, rec *TickRecord) {
	for _, lvl := range e.grid.Long {
		if prev > lvl && curr <= lvl {
			e.open(lvl, Long, curr, rec)
		}
	}
	for _, lvl := range e.grid.Short {
		if prev < lvl && curr >= lvl {
			e.open(lvl, Short, curr, rec)
		}
	}
}

func (e *Engine) open(level float64, dir Direction, curr float64, rec *TickRecord) {
	if !e.ledger.Insert(level, dir, curr, e.account.Capacity) {
		return
	}
	d := float64(dir)
	orderBase := d * e.p.BaseSize
	orderHedge := -d * e.p.HedgeSize
	e.base.Arbitrage += orderBase
	e.hedge.Arbitrage += orderHedge
	rec.BaseOrder += orderBase
	rec.HedgeOrder += orderHedge
	rec.LevelDelta += int(dir)
	e.res.Opens++
	e.adaptive.RecordOpen(dir)
	e.emit(Event{
		Kind:        EventOpen,
		Direction:   dir,
		Level:       level,
		EntrySpread: curr,
		Spread:      curr,
		BaseOrder:   orderBase,
		HedgeOrder:  orderHedge,
	})
}

// ============================================================================
// Risk control
// ============================================================================

func (e *Engine) legTotal(leg Leg) float64 {
	if leg == LegBase {
		return e.base.Total()
	}
	return e.hedge.Total()
}

func (e *Engine) legLot(leg Leg) (lot float64, integral bool) {
	if leg == LegBase {
		return e.p.BaseSize, e.p.BaseIsInteger
	}
	return e.p.HedgeSize, e.p.HedgeIsInteger
}

func (e *Engine) legPrice(i int, leg Leg) float64 {
	if leg == LegBase {
		return e.s.Base[i]
	}
	return e.s.Hedge[i]
}

func (e *Engine) applyRisk(leg Leg, signed float64) {
	rec := &e.res.Ticks[e.i]
	if leg == LegBase {
		e.base.Risk += signed
		rec.BaseOrder += signed
		return
	}
	e.hedge.Risk += signed
	rec.HedgeOrder += signed
}

func (e *Engine) detectBreakout(i int, curr float64) {
	lower, upper := e.s.RiskLower[i], e.s.RiskUpper[i]
	dir := detectBreak(curr, lower, upper)
	if dir == BreakNone {
		return
	}
	e.risk = RiskState{Active: true, Break: dir, Extreme: curr}

	origin := findCrossing(e.spread, i, e.grid.Center, dir, e.p.CenterLookback)
	if origin <= 0 {
		return
	}
	j := &Judgment{
		Bound:      dir,
		BoundValue: upper,
		BaseMom:    e.s.Base[i] - e.s.Base[origin],
		HedgeMom:   e.s.Hedge[i] - e.s.Hedge[origin],
		SpreadMom:  curr - e.spread[origin],
		Origin:     origin,
	}
	if dir == BreakDown {
		j.BoundValue = lower
	}
	j.Leg = losingLeg(j.BaseMom, j.HedgeMom, j.SpreadMom)

	r := &e.risk
	r.judgment = j
	r.ReducedLeg = j.Leg

	pre := e.legTotal(j.Leg)
	r.MaxVirtual = math.Abs(pre)
	r.ReducedDirection = -sign(pre)
	amount := e.p.ReduceRatio * r.MaxVirtual
	if lot, integral := e.legLot(j.Leg); integral {
		amount = floorToLot(amount, lot)
	}
	if amount <= 0 || r.ReducedDirection == 0 {
		return
	}
	signed := r.ReducedDirection * amount
	e.applyRisk(j.Leg, signed)
	r.ReducedAmount = amount
	r.announced = true
	e.emit(Event{
		Kind:     EventRiskReduce,
		Leg:      j.Leg,
		Spread:   curr,
		Amount:   signed,
		Price:    e.legPrice(i, j.Leg),
		Label:    orderLabel(pre, signed),
		Judgment: j,
	})
}

func (e *Engine) checkRebound(i int, curr float64) {
	r := &e.risk
	hit, trigger := r.trackExtreme(curr, e.p.ExitInterval)
	if !hit && e.ledger.Len() > 0 {
		return
	}
	r.Active = false
	if r.ReducedLeg != LegNone && r.ReducedAmount > 0 {
		leg := r.ReducedLeg
		pre := e.legTotal(leg)
		signed := -r.ReducedDirection * r.ReducedAmount
		e.applyRisk(leg, signed)
		e.emit(Event{
			Kind:    EventRiskRestore,
			Leg:     leg,
			Spread:  curr,
			Amount:  signed,
			Price:   e.legPrice(i, leg),
			Label:   orderLabel(pre, signed),
			Extreme: r.Extreme,
			Trigger: trigger,
		})
	}
	r.clearReduction()
}

func (e *Engine) topUp(i int, curr float64) {
	r := &e.risk
	if r.ReducedLeg == LegNone || r.ReducedDirection == 0 {
		return
	}
	leg := r.ReducedLeg
	pre := e.legTotal(leg)
	lot, integral := e.legLot(leg)
	add, virtual := r.topUpAmount(pre, e.p.ReduceRatio, lot, integral)
	if add <= 0 {
		return
	}
	signed := r.ReducedDirection * add
	e.applyRisk(leg, signed)
	r.ReducedAmount += add

	ev := Event{
		Kind:       EventRiskTopUp,
		Leg:        leg,
		Spread:     curr,
		Amount:     signed,
		Price:      e.legPrice(i, leg),
		Label:      orderLabel(pre, signed),
		Virtual:    virtual,
		MaxVirtual: r.MaxVirtual,
	}
	if !r.announced {
		// first order of the episode carries the breakout judgment
		ev.Kind = EventRiskReduce
		ev.Judgment = r.judgment
		r.announced = true
	}
	e.emit(ev)
}

// ============================================================================
// Events
// ============================================================================

func (e *Engine) emit(ev Event) {
	if !e.p.RecordEvents && e.sink == nil {
		return
	}
	ev.Index = e.i
	if e.s.Times != nil {
		ev.Time = e.s.Times[e.i]
	}
	ev.Legs = LegSnapshot{
		ArbBase:   e.base.Arbitrage,
		RiskBase:  e.base.Risk,
		ArbHedge:  e.hedge.Arbitrage,
		RiskHedge: e.hedge.Risk,
	}
	ev.Layers = e.ledger.Len()
	if e.p.RecordEvents {
		e.res.Events = append(e.res.Events, ev)
	}
	if e.sink != nil {
		e.sink.Emit(ev)
	}
}
