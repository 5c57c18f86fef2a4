package backtest

import (
	"fmt"
	"strings"

	"spreadgrid/config"
	"spreadgrid/kernel"
)

// Settings are the parameters shared by every combination of a sweep.
type Settings struct {
	BaseSymbol     string  `json:"base_symbol"`
	HedgeSymbol    string  `json:"hedge_symbol"`
	BaseSize       float64 `json:"base_size"`
	HedgeSize      float64 `json:"hedge_size"`
	BaseIsInteger  bool    `json:"base_is_integer"`
	HedgeIsInteger bool    `json:"hedge_is_integer"`

	InitCash      float64 `json:"init_cash"`
	PortfolioCash float64 `json:"portfolio_cash"`
	Fee           float64 `json:"fee"`
	Leverage      float64 `json:"leverage"`

	MaxLevels      int               `json:"max_levels"`
	GlobalMaxSets  int               `json:"glb_max_sets"`
	ReduceRatio    float64           `json:"reduce_ratio"`
	CenterLookback int               `json:"center_lookback"`
	ExitAnchor     kernel.ExitAnchor `json:"exit_anchor"`

	UpdateMinutes     int `json:"update_minutes"`
	MinutesPerDay     int `json:"minutes_per_day"`
	EntryRangeMinutes int `json:"entry_range_minutes"`
	ExitRangeMinutes  int `json:"exit_range_minutes"`
}

// SettingsFromConfig copies the sweep-wide fields out of the global config.
func SettingsFromConfig(c *config.Config) Settings {
	return Settings{
		BaseSymbol:        c.BaseSymbol,
		HedgeSymbol:       c.HedgeSymbol,
		BaseSize:          c.BaseSize,
		HedgeSize:         c.HedgeSize,
		BaseIsInteger:     c.BaseIsInteger,
		HedgeIsInteger:    c.HedgeIsInteger,
		InitCash:          c.InitCash,
		PortfolioCash:     c.PortfolioCash,
		Fee:               c.Fee,
		Leverage:          c.Leverage,
		MaxLevels:         c.MaxLevels,
		GlobalMaxSets:     c.GlobalMaxSets,
		ReduceRatio:       c.ReduceRatio,
		CenterLookback:    c.CenterLookback,
		ExitAnchor:        kernel.ExitAnchor(strings.ToLower(c.ExitAnchor)),
		UpdateMinutes:     c.UpdateMinutes,
		MinutesPerDay:     c.MinutesPerDay,
		EntryRangeMinutes: c.EntryRangeMinutes,
		ExitRangeMinutes:  c.ExitRangeMinutes,
	}
}

// Validate checks the fields the runner depends on before any bounds are built.
func (s Settings) Validate() error {
	if s.UpdateMinutes <= 0 || s.MinutesPerDay <= 0 {
		return fmt.Errorf("update and per-day minutes must be positive")
	}
	if s.EntryRangeMinutes <= 0 || s.ExitRangeMinutes <= 0 {
		return fmt.Errorf("entry and exit range windows must be positive")
	}
	if s.PortfolioCash <= 0 {
		return fmt.Errorf("portfolio cash must be positive")
	}
	return nil
}

// params builds the engine parameters for one combination.
func (s Settings) params(c Combination, reboundAmount float64, recordEvents bool) kernel.Params {
	return kernel.Params{
		BaseSize:         s.BaseSize,
		HedgeSize:        s.HedgeSize,
		ExitInterval:     c.ExitInterval,
		MinEntryInterval: c.MinEntryInterval,
		MaxLevels:        s.MaxLevels,
		GlobalMaxSets:    s.GlobalMaxSets,
		ReduceRatio:      s.ReduceRatio,
		ReboundAmount:    reboundAmount,
		BaseIsInteger:    s.BaseIsInteger,
		HedgeIsInteger:   s.HedgeIsInteger,
		InitCash:         s.InitCash,
		Fee:              s.Fee,
		Leverage:         s.Leverage,
		CenterLookback:   s.CenterLookback,
		ExitAnchor:       s.ExitAnchor,
		RecordEvents:     recordEvents,
		Adaptive:         kernel.DefaultAdaptive(),
	}
}

// Combination is one point of the parameter grid.
type Combination struct {
	ExitInterval     float64 `json:"exit_interval"`
	ArbitrageN       int     `json:"arbitrage_n"`
	MinEntryInterval float64 `json:"min_entry_interval"`
	RiskN            int     `json:"risk_n"`
}

func (c Combination) String() string {
	return fmt.Sprintf("exit=%.4f arbN=%d minEntry=%.4f riskN=%d",
		c.ExitInterval, c.ArbitrageN, c.MinEntryInterval, c.RiskN)
}

// Combinations is the cartesian product ordered exit, arbitrage N, min entry
// interval, risk N, with the last varying fastest.
func Combinations(exits []float64, arbitrageN []int, minEntries []float64, riskN []int) []Combination {
	out := make([]Combination, 0, len(exits)*len(arbitrageN)*len(minEntries)*len(riskN))
	for _, e := range exits {
		for _, a := range arbitrageN {
			for _, m := range minEntries {
				for _, r := range riskN {
					out = append(out, Combination{ExitInterval: e, ArbitrageN: a, MinEntryInterval: m, RiskN: r})
				}
			}
		}
	}
	return out
}

// Scale multiplies each multiple by base.
func Scale(multiples []float64, base float64) []float64 {
	out := make([]float64, len(multiples))
	for i, m := range multiples {
		out[i] = m * base
	}
	return out
}
