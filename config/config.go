package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"spreadgrid/logger"
)

// 全局配置实例
var global *Config

// Config 全局配置（从 .env 加载）
type Config struct {
	// 账户
	InitCash      float64 // cash backing the layer capacity
	PortfolioCash float64 // starting cash of the statistics portfolios
	Fee           float64
	Leverage      float64

	// 品种
	BaseSymbol     string
	HedgeSymbol    string
	BaseSize       float64
	HedgeSize      float64
	BaseIsInteger  bool
	HedgeIsInteger bool

	// 网格
	MaxLevels      int
	GlobalMaxSets  int
	ReduceRatio    float64
	CenterLookback int
	ExitAnchor     string

	// 区间
	UpdateMinutes     int
	MinutesPerDay     int
	EntryRangeMinutes int
	ExitRangeMinutes  int

	// 参数搜索
	ArbitrageN     []int
	RiskN          []int
	ExitMultiples  []float64
	EntryMultiples []float64
	KeyStat        string
	Workers        int
	DetailedBest   bool

	// 数据
	DataPath   string
	StartDate  time.Time
	EndDate    time.Time
	DBPath     string
	JournalDir string

	// 服务
	APIServerPort int
	LogLevel      string
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	workers := runtime.NumCPU() / 2
	if workers < 1 {
		workers = 1
	}
	return &Config{
		InitCash:          400,
		PortfolioCash:     50000,
		Fee:               0.00005,
		Leverage:          20,
		BaseSymbol:        "T",
		HedgeSymbol:       "TL",
		BaseSize:          3,
		HedgeSize:         1,
		BaseIsInteger:     true,
		HedgeIsInteger:    true,
		MaxLevels:         500,
		GlobalMaxSets:     50,
		ReduceRatio:       0.6,
		ExitAnchor:        "entry",
		UpdateMinutes:     15,
		MinutesPerDay:     255,
		EntryRangeMinutes: 60,
		ExitRangeMinutes:  240,
		ArbitrageN:        []int{120},
		RiskN:             []int{180},
		ExitMultiples:     []float64{1, 1.5, 2, 2.5, 3},
		EntryMultiples:    []float64{0.5},
		KeyStat:           "sharpe_ratio",
		Workers:           workers,
		DetailedBest:      true,
		DataPath:          "data/data_1min_T-TL.csv",
		StartDate:         time.Date(2023, 4, 1, 0, 0, 0, 0, time.UTC),
		EndDate:           time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		DBPath:            "data/spreadgrid.db",
		JournalDir:        "data/journal",
		APIServerPort:     8080,
		LogLevel:          "info",
	}
}

// Init 初始化全局配置（从 .env 加载）
// The global config is set even when Init returns an error; unparsable
// values keep their defaults.
func Init() error {
	cfg, err := Load()
	global = cfg
	return err
}

// Load reads the environment over the defaults. The returned config is always
// usable; the error lists the variables that could not be parsed.
func Load() (*Config, error) {
	cfg := Default()
	var bad []string
	note := func(key string, err error) {
		if err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", key, err))
		}
	}

	note("INIT_CASH", envFloat("INIT_CASH", &cfg.InitCash))
	note("PORTFOLIO_CASH", envFloat("PORTFOLIO_CASH", &cfg.PortfolioCash))
	note("FEE", envFloat("FEE", &cfg.Fee))
	note("LEVERAGE", envFloat("LEVERAGE", &cfg.Leverage))

	envString("BASE_SYMBOL", &cfg.BaseSymbol)
	envString("HEDGE_SYMBOL", &cfg.HedgeSymbol)
	note("BASE_SIZE", envFloat("BASE_SIZE", &cfg.BaseSize))
	note("HEDGE_SIZE", envFloat("HEDGE_SIZE", &cfg.HedgeSize))
	note("BASE_IS_INTEGER", envBool("BASE_IS_INTEGER", &cfg.BaseIsInteger))
	note("HEDGE_IS_INTEGER", envBool("HEDGE_IS_INTEGER", &cfg.HedgeIsInteger))

	note("MAX_LEVELS", envInt("MAX_LEVELS", &cfg.MaxLevels))
	note("GLB_MAX_SETS", envInt("GLB_MAX_SETS", &cfg.GlobalMaxSets))
	note("REDUCE_RATIO", envFloat("REDUCE_RATIO", &cfg.ReduceRatio))
	note("CENTER_LOOKBACK", envInt("CENTER_LOOKBACK", &cfg.CenterLookback))
	envString("EXIT_ANCHOR", &cfg.ExitAnchor)

	note("UPDATE_MINUTES", envInt("UPDATE_MINUTES", &cfg.UpdateMinutes))
	note("MINUTES_PER_DAY", envInt("MINUTES_PER_DAY", &cfg.MinutesPerDay))
	note("ENTRY_RANGE_MINUTES", envInt("ENTRY_RANGE_MINUTES", &cfg.EntryRangeMinutes))
	note("EXIT_RANGE_MINUTES", envInt("EXIT_RANGE_MINUTES", &cfg.ExitRangeMinutes))

	note("ARBITRAGE_N", envInts("ARBITRAGE_N", &cfg.ArbitrageN))
	note("RISK_N", envInts("RISK_N", &cfg.RiskN))
	note("EXIT_MULTIPLES", envFloats("EXIT_MULTIPLES", &cfg.ExitMultiples))
	note("ENTRY_MULTIPLES", envFloats("ENTRY_MULTIPLES", &cfg.EntryMultiples))
	envString("KEY_STAT", &cfg.KeyStat)
	note("WORKERS", envInt("WORKERS", &cfg.Workers))
	note("DETAILED_BEST", envBool("DETAILED_BEST", &cfg.DetailedBest))

	envString("DATA_PATH", &cfg.DataPath)
	note("START_DATE", envDate("START_DATE", &cfg.StartDate))
	note("END_DATE", envDate("END_DATE", &cfg.EndDate))
	envString("DB_PATH", &cfg.DBPath)
	envString("JOURNAL_DIR", &cfg.JournalDir)

	if v := os.Getenv("API_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.APIServerPort = port
		} else {
			bad = append(bad, "API_SERVER_PORT: must be a positive integer")
		}
	}
	envString("LOG_LEVEL", &cfg.LogLevel)

	if len(bad) > 0 {
		return cfg, fmt.Errorf("invalid environment: %s", strings.Join(bad, "; "))
	}
	return cfg, nil
}

// Get 获取全局配置
func Get() *Config {
	if global == nil {
		if err := Init(); err != nil {
			logger.Warnf("⚠️  %v", err)
		}
	}
	return global
}

// Validate checks values that would make a sweep meaningless.
func (c *Config) Validate() error {
	switch {
	case c.BaseSymbol == "" || c.HedgeSymbol == "":
		return fmt.Errorf("base and hedge symbols are required")
	case c.BaseSymbol == c.HedgeSymbol:
		return fmt.Errorf("base and hedge symbols must differ")
	case c.UpdateMinutes <= 0 || c.MinutesPerDay <= 0:
		return fmt.Errorf("UPDATE_MINUTES and MINUTES_PER_DAY must be positive")
	case len(c.ArbitrageN) == 0 || len(c.RiskN) == 0:
		return fmt.Errorf("ARBITRAGE_N and RISK_N need at least one value")
	case len(c.ExitMultiples) == 0 || len(c.EntryMultiples) == 0:
		return fmt.Errorf("EXIT_MULTIPLES and ENTRY_MULTIPLES need at least one value")
	case c.KeyStat != "sharpe_ratio" && c.KeyStat != "total_return":
		return fmt.Errorf("KEY_STAT must be sharpe_ratio or total_return, got %q", c.KeyStat)
	case c.Workers < 1:
		return fmt.Errorf("WORKERS must be at least 1")
	case !c.EndDate.IsZero() && !c.StartDate.Before(c.EndDate):
		return fmt.Errorf("START_DATE must be before END_DATE")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envFloat(key string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return err
	}
	*dst = f
	return nil
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}

// envDate accepts YYYY-MM-DD; an explicit "none" clears the bound.
func envDate(key string, dst *time.Time) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	if strings.EqualFold(v, "none") {
		*dst = time.Time{}
		return nil
	}
	t, err := time.ParseInLocation(time.DateOnly, v, time.UTC)
	if err != nil {
		return err
	}
	*dst = t
	return nil
}

func envInts(key string, dst *[]int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return err
		}
		out = append(out, n)
	}
	*dst = out
	return nil
}

func envFloats(key string, dst *[]float64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	var out []float64
	for _, part := range strings.Split(v, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return err
		}
		out = append(out, f)
	}
	*dst = out
	return nil
}
