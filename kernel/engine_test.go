package kernel

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/suite"
)

// spreadSeries builds a series whose spread is base-hedge with unit sizes.
// The hedge stays at 100 so only the base leg carries the spread's moves.
func spreadSeries(spread []float64, arbLower, arbUpper, riskLower, riskUpper float64) *Series {
	n := len(spread)
	s := &Series{
		Base:      make([]float64, n),
		Hedge:     make([]float64, n),
		Spread:    spread,
		ArbLower:  make([]float64, n),
		ArbUpper:  make([]float64, n),
		RiskLower: make([]float64, n),
		RiskUpper: make([]float64, n),
	}
	for i, v := range spread {
		s.Base[i] = 100 + v
		s.Hedge[i] = 100
		s.ArbLower[i], s.ArbUpper[i] = arbLower, arbUpper
		s.RiskLower[i], s.RiskUpper[i] = riskLower, riskUpper
	}
	return s
}

// testParams gives a grid centred on 0 with levels every 2 starting at -3/+3.
func testParams() Params {
	return Params{
		BaseSize:       1,
		HedgeSize:      1,
		ExitInterval:   2,
		MaxLevels:      10,
		GlobalMaxSets:  5,
		ReduceRatio:    0.6,
		ReboundAmount:  6,
		BaseIsInteger:  true,
		HedgeIsInteger: true,
		InitCash:       1e6,
		Leverage:       1,
		RecordEvents:   true,
		Adaptive:       DefaultAdaptive(),
	}
}

type EngineTestSuite struct {
	suite.Suite
	params Params
}

func (s *EngineTestSuite) SetupTest() {
	s.params = testParams()
}

func (s *EngineTestSuite) newEngine(series *Series, opts ...Option) *Engine {
	e, err := New(s.params, series, opts...)
	s.Require().NoError(err)
	return e
}

func (s *EngineTestSuite) eventsOf(res *Result, kind EventKind) []Event {
	var out []Event
	for _, ev := range res.Events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *EngineTestSuite) TestInitialTick() {
	e := s.newEngine(spreadSeries([]float64{0, 0}, -10, 10, -20, 20))

	tick := e.res.Ticks[0]
	s.Equal(5, tick.Capacity)
	s.Equal(2.0, tick.EntryIntervalLong)
	s.Equal(2.0, tick.EntryIntervalShort)
	s.Equal(1e6, tick.Cash)
	s.Zero(tick.WinRateLong)
	s.Equal([]float64{-3, -5, -7}, e.Grid().Long[:3])
	s.Equal([]float64{3, 5, 7}, e.Grid().Short[:3])
}

func (s *EngineTestSuite) TestSingleLayerRoundTrip() {
	var (
		eng      *Engine
		atClose  Adaptive
		received []EventKind
	)
	sink := EventSinkFunc(func(ev Event) {
		received = append(received, ev.Kind)
		if ev.Kind == EventClose {
			atClose = eng.Adaptive()
		}
	})
	eng = s.newEngine(spreadSeries([]float64{0, -1, -3.5, -2, -1.5}, -10, 10, -20, 20), WithEventSink(sink))

	res := eng.Run()

	s.Equal(1, res.Opens)
	s.Equal(1, res.Closes)
	s.Equal(1.0, res.Ticks[2].BaseOrder)
	s.Equal(-1.0, res.Ticks[2].HedgeOrder)
	s.Equal(1, res.Ticks[2].LevelDelta)
	s.Equal(-1.0, res.Ticks[4].BaseOrder)
	s.Equal(1.0, res.Ticks[4].HedgeOrder)
	s.Equal(-1, res.Ticks[4].LevelDelta)
	s.Zero(res.Ticks[3].BaseOrder)

	s.Equal(1, atClose.OpensLong)
	s.Equal(1, atClose.ClosesLong)
	s.Equal(1, atClose.ProfitableLong)
	s.Equal([]EventKind{EventOpen, EventClose}, received)

	opens := s.eventsOf(res, EventOpen)
	s.Require().Len(opens, 1)
	s.Equal(-3.0, opens[0].Level)
	s.Equal(-3.5, opens[0].EntrySpread)

	// flat again, so the controller is back to neutral
	s.Equal(newAdaptive(), eng.Adaptive())
	base, hedge := eng.Legs()
	s.Zero(base.Total())
	s.Zero(hedge.Total())
	s.Equal(1, res.MaxOpen)
}

func (s *EngineTestSuite) TestShortLayer() {
	res := s.newEngine(spreadSeries([]float64{0, 3, 4, 1}, -10, 10, -20, 20)).Run()

	s.Equal(1, res.Opens)
	s.Equal(1, res.Closes)
	s.Equal(-1.0, res.Ticks[1].BaseOrder)
	s.Equal(1.0, res.Ticks[1].HedgeOrder)
	s.Equal(-1, res.Ticks[1].LevelDelta)
	s.Equal(1.0, res.Ticks[3].BaseOrder)
}

func (s *EngineTestSuite) TestExitAnchoredToLevel() {
	// filled at -3.5 on the -3 level
	series := spreadSeries([]float64{0, -1, -3.5, -1.25}, -10, 10, -20, 20)

	res := s.newEngine(series).Run()
	s.Equal(1, res.Closes, "entry spread anchor exits at -1.5")

	s.params.ExitAnchor = AnchorLevel
	res = s.newEngine(series).Run()
	s.Zero(res.Closes, "level anchor exits at -1")

	series = spreadSeries([]float64{0, -1, -3.5, -1}, -10, 10, -20, 20)
	res = s.newEngine(series).Run()
	s.Equal(1, res.Closes)
}

func (s *EngineTestSuite) TestDuplicateLevelNotReopened() {
	res := s.newEngine(spreadSeries([]float64{0, -3.5, -2.5, -3.5, -2.5}, -10, 10, -20, 20)).Run()

	s.Equal(1, res.Opens)
	s.Zero(res.Closes)
}

func (s *EngineTestSuite) TestCapacityRefusesEntries() {
	s.params.GlobalMaxSets = 2

	e := s.newEngine(spreadSeries([]float64{0, -8}, -4, 4, -20, 20))
	res := e.Run()

	s.Equal(2, res.Opens)
	s.Equal(2, e.Ledger().Len())
	s.Equal(2, res.MaxOpen)
	s.Equal(2.0, res.Ticks[1].BaseOrder)
	levels := []float64{}
	for _, p := range e.Ledger().Positions() {
		levels = append(levels, p.Level)
	}
	s.Equal([]float64{-3, -5}, levels)
}

func (s *EngineTestSuite) TestZeroCapacityStillExits() {
	s.params.InitCash = 0
	series := spreadSeries([]float64{0, -4, -6, -1}, -10, 10, -20, 20)
	// constant prices keep cash at zero so capacity never recovers
	for i := range series.Base {
		series.Base[i] = 100
	}
	e := s.newEngine(series)
	s.Require().True(e.ledger.Insert(-3, Long, -3.5, 1))
	e.base.Arbitrage, e.hedge.Arbitrage = 1, -1

	res := e.Run()

	s.Zero(res.Opens)
	s.Equal(1, res.Closes)
	s.Zero(e.Ledger().Len())
	for _, tick := range res.Ticks {
		s.Zero(tick.Capacity)
	}
	base, hedge := e.Legs()
	s.Zero(base.Arbitrage)
	s.Zero(hedge.Arbitrage)
}

func (s *EngineTestSuite) TestFlattenSuppressesEntries() {
	// the tick that closes the only layer also crosses the first short level
	e := s.newEngine(spreadSeries([]float64{0, -1, -3.5, 3.5}, -10, 10, -20, 20))

	res := e.Run()

	s.Equal(1, res.Opens)
	s.Equal(1, res.Closes)
	s.Zero(e.Ledger().Len())
	s.Equal(-1.0, res.Ticks[3].BaseOrder)
}

func (s *EngineTestSuite) TestBoundsChangeRebuildsAndRemaps() {
	series := spreadSeries([]float64{0, -3.5, -3.5, -3.5}, -10, 10, -20, 20)
	series.ArbLower[2], series.ArbUpper[2] = -15, 15
	series.ArbLower[3], series.ArbUpper[3] = -15, 15
	e := s.newEngine(series)

	res := e.Run()

	// interval grows from 2 to 3, so rank 0 moves from -3 to -4
	s.Equal(3.0, res.Ticks[2].EntryIntervalLong)
	s.Equal(-4.0, e.Ledger().Positions()[0].Level)
	s.Len(s.eventsOf(res, EventBounds), 1)
	s.Len(s.eventsOf(res, EventGrid), 1)
	remaps := s.eventsOf(res, EventRemap)
	s.Require().Len(remaps, 1)
	s.Equal(-3.0, remaps[0].PrevLevel)
	s.Equal(-4.0, remaps[0].Level)
}

func (s *EngineTestSuite) TestUnchangedGridKeepsLevels() {
	s.params.MinEntryInterval = 2
	series := spreadSeries([]float64{0, -3.5, -3.5, -3.5}, -10, 10, -20, 20)
	// narrower bounds, but the minimum interval pins the spacing and the center stays at 0
	series.ArbLower[2], series.ArbUpper[2] = -8, 8
	series.ArbLower[3], series.ArbUpper[3] = -8, 8
	e := s.newEngine(series)

	res := e.Run()

	s.Len(s.eventsOf(res, EventBounds), 1)
	s.Len(s.eventsOf(res, EventGrid), 1)
	s.Empty(s.eventsOf(res, EventRemap))
	s.Equal(0.0, e.Grid().Center)
	s.Equal(2.0, res.Ticks[2].EntryIntervalLong)
	s.Require().Equal(1, e.Ledger().Len())
	s.Equal(-3.0, e.Ledger().Positions()[0].Level)
	s.True(e.Ledger().Has(-3, Long))
}

func (s *EngineTestSuite) TestDegenerateBoundsKeepGrid() {
	series := spreadSeries([]float64{0, 0, 0}, -10, 10, -20, 20)
	series.ArbLower[1], series.ArbUpper[1] = 4, 4
	series.ArbLower[2], series.ArbUpper[2] = 4, 4
	e := s.newEngine(series)

	res := e.Run()

	s.Len(s.eventsOf(res, EventBounds), 1)
	s.Empty(s.eventsOf(res, EventGrid))
	s.Equal(-3.0, e.Grid().Long[0])
}

// breakoutSpread opens three long layers, breaks below -8, tops up once and
// rebounds by the exit interval.
var breakoutSpread = []float64{1, -1, -4, -6, -7.5, -8.5, -9.5, -7.25}

func (s *EngineTestSuite) TestBreakoutReducesAndRestoresBase() {
	e := s.newEngine(spreadSeries(breakoutSpread, -10, 10, -8, 100))

	for i := 1; i <= 4; i++ {
		e.step(i)
	}
	base, _ := e.Legs()
	s.Equal(3.0, base.Arbitrage)
	s.False(e.Risk().Active)

	e.step(5)
	base, hedge := e.Legs()
	s.True(e.Risk().Active)
	s.Equal(LegBase, e.Risk().ReducedLeg)
	s.Equal(-1.0, base.Risk)
	s.Zero(hedge.Risk)
	s.Equal(1.0, e.Risk().ReducedAmount)
	s.Equal(3.0, e.Risk().MaxVirtual)
	s.Equal(-1.0, e.res.Ticks[5].BaseOrder)

	e.step(6)
	base, _ = e.Legs()
	s.Equal(4.0, base.Arbitrage)
	s.Equal(-2.0, base.Risk)
	s.Equal(2.0, e.Risk().ReducedAmount)
	s.Zero(e.res.Ticks[6].BaseOrder, "open and top-up cancel out")

	e.step(7)
	base, _ = e.Legs()
	s.False(e.Risk().Active)
	s.Equal(LegNone, e.Risk().ReducedLeg)
	s.Zero(base.Risk)
	s.Equal(3.0, base.Arbitrage)
	s.Equal(1.0, e.res.Ticks[7].BaseOrder)

	res := e.res
	reduce := s.eventsOf(res, EventRiskReduce)
	s.Require().Len(reduce, 1)
	s.Require().NotNil(reduce[0].Judgment)
	s.Equal(1, reduce[0].Judgment.Origin)
	s.Equal(BreakDown, reduce[0].Judgment.Bound)
	s.Equal(-8.0, reduce[0].Judgment.BoundValue)
	s.Equal("close long", reduce[0].Label)
	s.Len(s.eventsOf(res, EventRiskTopUp), 1)
	restore := s.eventsOf(res, EventRiskRestore)
	s.Require().Len(restore, 1)
	s.Equal(2.0, restore[0].Amount)
	s.Equal(-7.5, restore[0].Trigger)
	s.Equal(-9.5, restore[0].Extreme)
}

func (s *EngineTestSuite) TestBreakoutReducesHedgeWhenItLeads() {
	series := spreadSeries(breakoutSpread, -10, 10, -8, 100)
	// both legs rise at the break, the hedge faster
	series.Hedge[5] = 110
	series.Base[5] = 110 + breakoutSpread[5]
	e := s.newEngine(series)

	for i := 1; i <= 5; i++ {
		e.step(i)
	}

	base, hedge := e.Legs()
	s.Equal(LegHedge, e.Risk().ReducedLeg)
	s.Equal(1.0, hedge.Risk)
	s.Zero(base.Risk)
	reduce := s.eventsOf(e.res, EventRiskReduce)
	s.Require().Len(reduce, 1)
	s.Equal(LegHedge, reduce[0].Judgment.Leg)
	s.Equal(2.5, reduce[0].Judgment.BaseMom)
	s.Equal(10.0, reduce[0].Judgment.HedgeMom)
	s.Equal("close short", reduce[0].Label)
}

func (s *EngineTestSuite) TestUpBreakFloorsReductionToLot() {
	s.params.BaseSize = 0.5
	// three short layers at 3, 5 and 7, a break above 8, a fourth layer at 9, a rebound
	e := s.newEngine(spreadSeries([]float64{-1, 1, 4, 6, 7.5, 8.5, 9.5, 7.25}, -10, 10, -100, 8))

	for i := 1; i <= 4; i++ {
		e.step(i)
	}
	base, _ := e.Legs()
	s.Equal(-1.5, base.Arbitrage)
	s.Equal(3, e.Ledger().Len())

	e.step(5)
	base, hedge := e.Legs()
	r := e.Risk()
	s.True(r.Active)
	s.Equal(BreakUp, r.Break)
	s.Equal(LegBase, r.ReducedLeg)
	s.Equal(1.0, r.ReducedDirection)
	s.Equal(1.5, r.MaxVirtual)
	// 0.6 of 1.5 is 0.9, floored to one lot of 0.5
	s.Equal(0.5, r.ReducedAmount)
	s.Equal(0.5, base.Risk)
	s.Zero(hedge.Risk)
	s.Equal(0.5, e.res.Ticks[5].BaseOrder)

	e.step(6)
	base, _ = e.Legs()
	r = e.Risk()
	s.Equal(-2.0, base.Arbitrage)
	s.Equal(2.0, r.MaxVirtual)
	// 0.6 of 2 leaves 0.7 to add, floored to 0.5
	s.Equal(1.0, r.ReducedAmount)
	s.Equal(1.0, base.Risk)
	s.Zero(e.res.Ticks[6].BaseOrder, "open and top-up cancel out")

	e.step(7)
	base, _ = e.Legs()
	s.False(e.Risk().Active)
	s.Zero(base.Risk)
	s.Equal(-1.5, base.Arbitrage)
	// one short closes (+0.5) and the restore sells the reduction back (-1)
	s.Equal(-0.5, e.res.Ticks[7].BaseOrder)

	reduce := s.eventsOf(e.res, EventRiskReduce)
	s.Require().Len(reduce, 1)
	s.Equal("close short", reduce[0].Label)
	s.Equal(0.5, reduce[0].Amount)
	s.Require().NotNil(reduce[0].Judgment)
	s.Equal(BreakUp, reduce[0].Judgment.Bound)
	s.Equal(8.0, reduce[0].Judgment.BoundValue)
	s.Equal(1, reduce[0].Judgment.Origin)

	topUps := s.eventsOf(e.res, EventRiskTopUp)
	s.Require().Len(topUps, 1)
	s.Equal(0.5, topUps[0].Amount)

	restore := s.eventsOf(e.res, EventRiskRestore)
	s.Require().Len(restore, 1)
	s.Equal(-1.0, restore[0].Amount)
	s.Equal("open short", restore[0].Label)
	s.Equal(9.5, restore[0].Extreme)
	s.Equal(7.5, restore[0].Trigger)
}

func (s *EngineTestSuite) TestReductionEndsWhenExitsEmptyLedger() {
	// three longs, a break below -8, then one tick that closes every layer
	// and also crosses the first short level
	e := s.newEngine(spreadSeries([]float64{1, -1, -4, -6, -7.5, -8.5, 3.5}, -10, 10, -8, 100))

	for i := 1; i <= 5; i++ {
		e.step(i)
	}
	s.True(e.Risk().Active)
	s.Equal(1.0, e.Risk().ReducedAmount)
	s.Equal(3, e.Adaptive().OpensLong)
	opensBefore := e.res.Opens

	e.step(6)

	base, hedge := e.Legs()
	s.False(e.Risk().Active)
	s.Equal(LegNone, e.Risk().ReducedLeg)
	s.Zero(e.Ledger().Len())
	s.Zero(base.Total())
	s.Zero(hedge.Total())
	s.Equal(opensBefore, e.res.Opens, "no entries in the flattening tick")
	s.Equal(newAdaptive(), e.Adaptive())

	tick := e.res.Ticks[6]
	s.Equal(-2.0, tick.BaseOrder, "three closes and the restore")
	s.Equal(3.0, tick.HedgeOrder)
	s.Equal(-3, tick.LevelDelta)

	restore := s.eventsOf(e.res, EventRiskRestore)
	s.Require().Len(restore, 1)
	s.Equal(LegBase, restore[0].Leg)
	s.Equal(1.0, restore[0].Amount)
	s.Equal("close short", restore[0].Label)
	s.Zero(restore[0].Layers)
	s.Len(s.eventsOf(e.res, EventClose), 3)
	s.Empty(s.eventsOf(e.res, EventOpen)[3:])
}

func (s *EngineTestSuite) TestBreakoutWithoutOriginSkipsReduction() {
	// never above the center, so no crossing exists
	e := s.newEngine(spreadSeries([]float64{-1, -4, -6, -8.5}, -10, 10, -8, 100))

	res := e.Run()

	s.True(e.Risk().Active)
	s.Equal(LegNone, e.Risk().ReducedLeg)
	s.Empty(s.eventsOf(res, EventRiskReduce))
	base, _ := e.Legs()
	s.Zero(base.Risk)
}

func (s *EngineTestSuite) TestBreakoutOnEmptyLedgerEndsImmediately() {
	e := s.newEngine(spreadSeries([]float64{0, 30, 0}, -10, 10, -20, 20))

	e.step(1)

	s.False(e.Risk().Active)
	s.Empty(s.eventsOf(e.res, EventRiskRestore))
}

func (s *EngineTestSuite) TestFeesCharged() {
	s.params.Fee = 0.001
	res := s.newEngine(spreadSeries([]float64{0, -1, -3.5}, -10, 10, -20, 20)).Run()

	s.Zero(res.Ticks[1].Fees)
	s.InDelta((96.5+100)*0.001, res.Ticks[2].Fees, 1e-12)
	s.InDelta(1e6-res.Ticks[2].Fees, res.Ticks[2].Cash, 1e-6)
}

func (s *EngineTestSuite) TestMarkToMarketUsesPreviousPositions() {
	series := spreadSeries([]float64{0, -1, -3.5, -2}, -10, 10, -20, 20)
	res := s.newEngine(series).Run()

	// long one base from tick 2, base moves +1.5 into tick 3
	s.InDelta(res.Ticks[2].Cash+1.5, res.Ticks[3].Cash, 1e-9)
	s.InDelta(res.Ticks[0].Cash, res.Ticks[2].Cash, 1e-9)
}

// TestRandomWalkInvariants replays a long noisy series and checks the
// bookkeeping invariants after every tick.
func (s *EngineTestSuite) TestRandomWalkInvariants() {
	rng := rand.New(rand.NewSource(7))
	n := 3000
	spread := make([]float64, n)
	for i := 1; i < n; i++ {
		spread[i] = spread[i-1] + rng.NormFloat64()
		if math.Abs(spread[i]) > 25 {
			spread[i] = spread[i-1] * 0.5
		}
	}
	series := spreadSeries(spread, -10, 10, -15, 15)
	for i := range series.ArbLower {
		if (i/250)%2 == 1 {
			series.ArbLower[i], series.ArbUpper[i] = -12, 12
		}
	}
	e := s.newEngine(series)

	var sumBase, sumHedge float64
	var layers int
	for i := 1; i < n; i++ {
		e.step(i)
		tick := e.res.Ticks[i]
		sumBase += tick.BaseOrder
		sumHedge += tick.HedgeOrder
		layers += tick.LevelDelta

		base, hedge := e.Legs()
		s.Require().Equal(sumBase, base.Total(), "tick %d", i)
		s.Require().Equal(sumHedge, hedge.Total(), "tick %d", i)
		s.Require().LessOrEqual(e.Ledger().Len(), s.params.GlobalMaxSets)

		var net int
		for _, p := range e.Ledger().Positions() {
			net += int(p.Direction)
		}
		s.Require().Equal(net, layers)
		s.Require().Equal(float64(net), base.Arbitrage)
		s.Require().Equal(-float64(net), hedge.Arbitrage)

		if !e.Risk().Active {
			s.Require().Zero(base.Risk, "tick %d", i)
			s.Require().Zero(hedge.Risk, "tick %d", i)
		}
		if e.Risk().ReducedLeg == LegBase {
			s.Require().Zero(hedge.Risk)
		}
	}
	s.Positive(e.res.Opens)
	s.NotEmpty(s.eventsOf(e.res, EventRiskRestore))
}

func (s *EngineTestSuite) TestDeterministic() {
	rng := rand.New(rand.NewSource(11))
	spread := make([]float64, 500)
	for i := 1; i < len(spread); i++ {
		spread[i] = spread[i-1] + rng.NormFloat64()*0.8
	}
	series := spreadSeries(spread, -10, 10, -12, 12)

	a, err := Run(s.params, series)
	s.Require().NoError(err)
	b, err := Run(s.params, series)
	s.Require().NoError(err)
	s.Equal(a, b)
}

func (s *EngineTestSuite) TestRunIsIdempotent() {
	e := s.newEngine(spreadSeries([]float64{0, -1, -3.5, -2, -1.5}, -10, 10, -20, 20))
	first := e.Run()
	second := e.Run()
	s.Same(first, second)
	s.Equal(1, second.Opens)
}

func (s *EngineTestSuite) TestNewRejectsBadInput() {
	_, err := New(s.params, nil)
	s.ErrorIs(err, ErrEmptySeries)

	_, err = New(s.params, &Series{})
	s.ErrorIs(err, ErrEmptySeries)

	bad := s.params
	bad.MaxLevels = 0
	_, err = New(bad, spreadSeries([]float64{0}, -1, 1, -2, 2))
	s.Error(err)
}

func (s *EngineTestSuite) TestEventLines() {
	res := s.newEngine(spreadSeries(breakoutSpread, -10, 10, -8, 100)).Run()

	s.Require().NotEmpty(res.Events)
	for _, ev := range res.Events {
		line := ev.String()
		s.NotEmpty(line)
		switch ev.Kind {
		case EventOpen:
			s.Contains(line, "open long base")
		case EventRiskReduce:
			s.Contains(line, "losing_leg=base")
			s.Contains(line, "break lower=-8")
		case EventRiskRestore:
			s.Contains(line, "risk restore")
		}
	}
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
