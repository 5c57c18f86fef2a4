package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"spreadgrid/api"
	"spreadgrid/backtest"
	"spreadgrid/config"
	"spreadgrid/logger"
	"spreadgrid/market"
	"spreadgrid/store"
)

const usage = `Usage: spreadgrid [flags] <sweep|run|serve>

  sweep   replay every configured combination and store the ranked results
  run     replay one combination in detail (-exit, -arb, -entry, -risk)
  serve   expose stored sweeps over HTTP
`

func main() {
	exitMul := flag.Float64("exit", 1, "run: exit interval as a multiple of the base exit interval")
	entryMul := flag.Float64("entry", 0.5, "run: minimum entry interval as a multiple of the base entry interval")
	arbN := flag.Int("arb", 0, "run: arbitrage look-back days (default: first ARBITRAGE_N)")
	riskN := flag.Int("risk", 0, "run: risk look-back days (default: first RISK_N)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	mode := "sweep"
	if flag.NArg() > 0 {
		mode = flag.Arg(0)
	}

	// Load environment variables from .env file if present
	_ = godotenv.Load()

	cfgErr := config.Init()
	cfg := config.Get()
	if err := logger.Init(&logger.Config{Level: cfg.LogLevel}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
	}
	defer logger.Shutdown()
	if cfgErr != nil {
		logger.Fatalf("❌ %v", cfgErr)
	}

	logger.Info("╔════════════════════════════════════════════════════════════╗")
	logger.Info("║           📐 spreadgrid - spread grid backtester           ║")
	logger.Info("╚════════════════════════════════════════════════════════════╝")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.DBPath)
	if err != nil {
		logger.Fatalf("❌ Failed to initialize database: %v", err)
	}
	defer st.Close()

	switch mode {
	case "serve":
		err = serve(ctx, st, cfg.APIServerPort)
	case "sweep":
		err = sweep(ctx, st, cfg)
	case "run":
		err = runOne(ctx, st, cfg, *exitMul, *entryMul, *arbN, *riskN)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Errorf("❌ %s failed: %v", mode, err)
		st.Close()
		logger.Shutdown()
		os.Exit(1)
	}
}

// serve blocks until ctx is cancelled.
func serve(ctx context.Context, st *store.Store, port int) error {
	server := api.NewServer(st, port)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("📴 Shutting down API server...")
		return server.Shutdown()
	}
}

func loadRunner(cfg *config.Config) (*backtest.Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pair, err := market.LoadPairCSV(cfg.DataPath, cfg.BaseSymbol, cfg.HedgeSymbol, cfg.StartDate, cfg.EndDate)
	if err != nil {
		return nil, err
	}
	return backtest.NewRunner(pair, backtest.SettingsFromConfig(cfg))
}

func newSweep(st *store.Store, cfg *config.Config, r *backtest.Runner, label string, combos int) (*store.Sweep, error) {
	settings, err := json.Marshal(r.Settings())
	if err != nil {
		return nil, err
	}
	sw := &store.Sweep{
		Label:    label,
		KeyStat:  cfg.KeyStat,
		DataPath: cfg.DataPath,
		Combos:   combos,
		Settings: settings,
	}
	if err := st.Sweep().Create(sw); err != nil {
		return nil, err
	}
	return sw, nil
}

// finish records the terminal state of a sweep from the error that ended it.
func finish(st *store.Store, id, bestRunID string, err error) {
	state, msg := store.SweepStateCompleted, ""
	switch {
	case errors.Is(err, context.Canceled):
		state, msg = store.SweepStateCancelled, err.Error()
	case err != nil:
		state, msg = store.SweepStateFailed, err.Error()
	}
	if ferr := st.Sweep().Finish(id, state, bestRunID, msg); ferr != nil {
		logger.Warnf("⚠️  Failed to finish sweep %s: %v", id, ferr)
	}
}

func sweep(ctx context.Context, st *store.Store, cfg *config.Config) (err error) {
	r, err := loadRunner(cfg)
	if err != nil {
		return err
	}
	baseExit, baseEntry := r.BaseIntervals()
	exits := backtest.Scale(cfg.ExitMultiples, baseExit)
	entries := backtest.Scale(cfg.EntryMultiples, baseEntry)
	logger.Infof("📏 base_exit_interval=%.4f exit_intervals=%v", baseExit, exits)
	logger.Infof("📏 base_entry_interval=%.4f min_entry_intervals=%v", baseEntry, entries)
	combos := backtest.Combinations(exits, cfg.ArbitrageN, entries, cfg.RiskN)

	sw, err := newSweep(st, cfg, r, cfg.BaseSymbol+"-"+cfg.HedgeSymbol, len(combos))
	if err != nil {
		return err
	}
	logger.Infof("🗂  Sweep %s: %d combinations", sw.ID, len(combos))

	bestID := ""
	defer func() { finish(st, sw.ID, bestID, err) }()

	rec := backtest.NewRecorder(st, sw.ID)
	results, err := backtest.Sweep(ctx, r, combos, backtest.SweepOptions{
		Workers: cfg.Workers,
		KeyStat: cfg.KeyStat,
		OnResult: func(res *backtest.RunResult) {
			if err := rec.SaveResult(res); err != nil {
				logger.WithField("run", res.ID).Warnf("⚠️  Failed to save result: %v", err)
			}
		},
	})
	if err != nil {
		return err
	}

	logger.Infof("📊 Results ranked by %s:", cfg.KeyStat)
	for i, res := range results {
		if res.Failed() {
			logger.Infof("  %2d. %s  failed: %s", i+1, res.Combination, res.Error)
			continue
		}
		logger.Infof("  %2d. %s  sharpe=%.3f return=%.2f%% dd=%.2f%% trades/day=%.2f",
			i+1, res.Combination, res.Stats.SharpeRatio, res.Stats.TotalReturnPct,
			res.Stats.MaxDrawdownPct, res.Stats.AvgDailyTrades)
	}

	best := backtest.Best(results)
	if best == nil {
		return fmt.Errorf("no combination produced statistics")
	}
	bestID = best.ID
	logger.Infof("🏆 Best parameters: %s", best.Combination)

	if !cfg.DetailedBest {
		printStats(r.Settings(), best)
		return nil
	}
	detail, err := runDetailed(ctx, r, rec, cfg.JournalDir, best.ID, best.Combination)
	if err != nil {
		return err
	}
	printStats(r.Settings(), detail)
	return nil
}

func runOne(ctx context.Context, st *store.Store, cfg *config.Config, exitMul, entryMul float64, arbN, riskN int) (err error) {
	r, err := loadRunner(cfg)
	if err != nil {
		return err
	}
	if arbN <= 0 {
		arbN = cfg.ArbitrageN[0]
	}
	if riskN <= 0 {
		riskN = cfg.RiskN[0]
	}
	baseExit, baseEntry := r.BaseIntervals()
	combo := backtest.Combination{
		ExitInterval:     exitMul * baseExit,
		ArbitrageN:       arbN,
		MinEntryInterval: entryMul * baseEntry,
		RiskN:            riskN,
	}

	sw, err := newSweep(st, cfg, r, "run "+combo.String(), 1)
	if err != nil {
		return err
	}
	runID := ""
	defer func() { finish(st, sw.ID, runID, err) }()

	res, err := runDetailed(ctx, r, backtest.NewRecorder(st, sw.ID), cfg.JournalDir, "", combo)
	if err != nil {
		return err
	}
	runID = res.ID
	printStats(r.Settings(), res)
	return nil
}

// runDetailed replays c with the equity curve and event log kept, streams the
// events to a journal file and stores everything. A non-empty id replaces the
// generated run id so the detail lands on an existing result row.
func runDetailed(ctx context.Context, r *backtest.Runner, rec *backtest.Recorder, journalDir, id string, c backtest.Combination) (*backtest.RunResult, error) {
	if id == "" {
		id = backtest.NewRunID()
	}
	journal, err := backtest.OpenJournal(journalDir, id)
	if err != nil {
		return nil, err
	}
	res, err := r.Run(ctx, c, backtest.RunOptions{Detailed: true, Sink: journal})
	if cerr := journal.Close(); cerr != nil {
		logger.Warnf("⚠️  Failed to close journal: %v", cerr)
	}
	if err != nil {
		return nil, err
	}
	res.ID = id
	if err := rec.SaveDetail(res); err != nil {
		return nil, err
	}
	logger.Infof("📝 %d events journaled to %s/%s.jsonl", journal.Count(), journalDir, id)
	return res, nil
}

func printStats(s backtest.Settings, res *backtest.RunResult) {
	st := res.Stats
	logger.Infof("📈 %s  %s → %s (%d ticks, %s)", res.Combination,
		res.Start.Format(time.DateTime), res.End.Format(time.DateTime), res.Ticks, res.Elapsed.Round(time.Millisecond))
	logger.Infof("  Total return:          %.4f%%", st.TotalReturnPct)
	logger.Infof("  Sharpe ratio:          %.4f", st.SharpeRatio)
	logger.Infof("  Max drawdown:          %.4f%%", st.MaxDrawdownPct)
	logger.Infof("  Total fees:            %.4f", st.TotalFees)
	logger.Infof("  Opens / closes:        %d / %d", st.Opens, st.Closes)
	logger.Infof("  Average daily trades:  %.4f", st.AvgDailyTrades)
	logger.Infof("  Average profit/close:  %.4f", st.AvgProfitPerClose)
	logger.Infof("  Average fees/cycle:    %.4f", st.AvgFeesPerCycle)
	logger.Infof("  Maximum hold:          %d", st.MaxHold)
	logger.Infof("  Maximum capital usage: %.4f", st.MaxCapitalUsage)
	logger.Infof("  %s: return=%.4f%% sharpe=%.4f dd=%.4f%%", s.BaseSymbol, st.Base.TotalReturnPct, st.Base.SharpeRatio, st.Base.MaxDrawdownPct)
	logger.Infof("  %s: return=%.4f%% sharpe=%.4f dd=%.4f%%", s.HedgeSymbol, st.Hedge.TotalReturnPct, st.Hedge.SharpeRatio, st.Hedge.MaxDrawdownPct)
	logger.Infof("  Per-minute return: mean=%.6g var=%.6g kelly=%.4f", st.MeanMinuteReturn, st.VarMinuteReturn, st.Kelly)
	logger.Infof("  Per-minute PnL:    mean=%.6g var=%.6g kelly=%.4f", st.MeanMinutePnL, st.VarMinutePnL, st.KellyPnL)
}
