package kernel

import (
	"math"

	"github.com/shopspring/decimal"
)

// LegPosition splits a leg's signed quantity into the part driven by grid
// layers and the part driven by risk control. Total is always their sum.
type LegPosition struct {
	Arbitrage float64 `json:"arbitrage"`
	Risk      float64 `json:"risk"`
}

// Total returns the signed quantity held on the leg.
func (p LegPosition) Total() float64 { return p.Arbitrage + p.Risk }

// Account tracks cash and the layer capacity it supports.
type Account struct {
	Cash     float64 `json:"cash"`
	Capacity int     `json:"capacity"` // current_max_sets
}

// MarkToMarket books the PnL of the positions held before this tick's orders.
func (a *Account) MarkToMarket(base, hedge, deltaBase, deltaHedge float64) {
	a.Cash += base*deltaBase + hedge*deltaHedge
}

// Resize recomputes the capacity from cash, leverage and the notional of one set.
func (a *Account) Resize(p Params, priceBase, priceHedge float64) {
	a.Capacity = capacity(a.Cash, p, priceBase, priceHedge)
}

// DeductFees charges the proportional fee on this tick's net orders.
func (a *Account) DeductFees(fee, orderBase, orderHedge, priceBase, priceHedge float64) float64 {
	if orderBase == 0 && orderHedge == 0 {
		return 0
	}
	paid := (math.Abs(orderBase)*priceBase + math.Abs(orderHedge)*priceHedge) * fee
	a.Cash -= paid
	return paid
}

func capacity(cash float64, p Params, priceBase, priceHedge float64) int {
	perSet := p.BaseSize*priceBase + p.HedgeSize*priceHedge
	if perSet <= 0 {
		return 0
	}
	sets := math.Floor(cash * p.Leverage / perSet)
	if sets <= 0 {
		return 0
	}
	if sets > float64(p.GlobalMaxSets) {
		return p.GlobalMaxSets
	}
	return int(sets)
}

// floorToLot rounds amount down to a multiple of lot.
func floorToLot(amount, lot float64) float64 {
	if lot <= 0 {
		return amount
	}
	l := decimal.NewFromFloat(lot)
	f, _ := decimal.NewFromFloat(amount).Div(l).Floor().Mul(l).Float64()
	return f
}
