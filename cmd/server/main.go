// Package main is the entry point for the trading supervisor: it loads
// configuration, wires the exchange adapter, persistence sink, risk
// evaluators, decision engine, spot/futures handlers, reconciler and loan
// guardian, and runs the Orchestrator's cycle loop until a shutdown signal
// arrives. A `backtest` subcommand drives the adapted replay engine
// instead of the live loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/api"
	"github.com/helioslabs/trading-supervisor/internal/backtester"
	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/internal/data"
	"github.com/helioslabs/trading-supervisor/internal/decision"
	"github.com/helioslabs/trading-supervisor/internal/events"
	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/internal/execution/adapters"
	"github.com/helioslabs/trading-supervisor/internal/handler"
	"github.com/helioslabs/trading-supervisor/internal/llm"
	"github.com/helioslabs/trading-supervisor/internal/loanguard"
	"github.com/helioslabs/trading-supervisor/internal/metrics"
	"github.com/helioslabs/trading-supervisor/internal/obslog"
	"github.com/helioslabs/trading-supervisor/internal/orchestrator"
	"github.com/helioslabs/trading-supervisor/internal/reconcile"
	"github.com/helioslabs/trading-supervisor/internal/risk"
	"github.com/helioslabs/trading-supervisor/internal/sink"
	"github.com/helioslabs/trading-supervisor/internal/strategy"
	"github.com/helioslabs/trading-supervisor/internal/workers"
	"github.com/helioslabs/trading-supervisor/pkg/types"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "backtest":
			cmdBacktest(os.Args[2:])
			return
		case "validate":
			cmdValidate(os.Args[2:])
			return
		case "config-push":
			cmdConfigPush(os.Args[2:])
			return
		case "balance", "futures-balance":
			cmdBalance(os.Args[1], os.Args[2:])
			return
		case "loan", "loan-guard":
			cmdLoanGuard(os.Args[1], os.Args[2:])
			return
		case "run-async", "run":
			os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
		}
	}
	cmdRun()
}

// cmdRun wires every collaborator and drives the Orchestrator's cycle loop
// until SIGINT/SIGTERM.
func cmdRun() {
	configPath := flag.String("config", "config.yaml", "Path to the YAML configuration file")
	dataDir := flag.String("data", "./data", "Data directory for the persistence sink and historical candles")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	apiHost := flag.String("host", "localhost", "Ops API host")
	apiPort := flag.Int("port", 8080, "Ops API port")
	parallel := flag.Bool("parallel", false, "Enable the bounded worker-pool parallel per-symbol variant")
	flag.Parse()

	logger, err := obslog.New(*logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sink.New(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize persistence sink", zap.Error(err))
	}
	defer store.Close()

	candleStore, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize candle store", zap.Error(err))
	}

	client := buildExchangeClient(logger, cfg, candleStore)

	reg := strategy.NewRegistry()
	logger.Info("registered strategies", zap.Strings("ohlcv", reg.OhlcvNames()))

	llmClient := buildLLMClient(logger, cfg.LLM)
	decisionEngine := decision.New(logger, llmClient, decision.Config{Enabled: cfg.LLM.Enabled})

	executor := execution.NewExecutor(logger, client, execution.Config{
		MaxSlippage: decimal.NewFromFloat(0.01),
		PaperMode:   cfg.Spot.Mode == config.ModePaper,
	})

	spotEval := risk.NewSpotEvaluator(logger, cfg.Spot, cfg.HorizonRisk)
	futuresEval := risk.NewFuturesEvaluator(logger, cfg.Futures, cfg.HorizonRisk)

	spotPositions, futuresPositions := store.RehydratePositions()
	for _, p := range spotPositions {
		spotEval.AddPosition(p)
	}
	for _, p := range futuresPositions {
		futuresEval.ConfirmPosition(p)
	}
	logger.Info("rehydrated positions from sink",
		zap.Int("spot", len(spotPositions)), zap.Int("futures", len(futuresPositions)))

	eventBus := events.NewEventBus(logger.Named("events"), events.DefaultEventBusConfig())
	defer eventBus.Stop()

	spotHandler := handler.NewSpotHandler(
		logger, cfg.Spot, cfg.LLM, client, executor, spotEval, decisionEngine,
		reg, cfg.Strategies, candleStore, client, store, eventBus,
	)

	var futuresHandler *handler.FuturesHandler
	if cfg.Futures.Enabled {
		futuresHandler = handler.NewFuturesHandler(
			logger, cfg.Futures, cfg.LLM, client, executor, futuresEval, decisionEngine,
			reg, cfg.Strategies, candleStore, client, store, eventBus,
		)
	}

	configuredLeverage := decimal.NewFromFloat(cfg.Futures.Leverage)
	reconciler := reconcile.New(logger, client, store, futuresEval, spotEval, cfg.Futures.Pairs, cfg.Spot.Pairs, configuredLeverage)

	var loanGuardian *loanguard.Guardian
	if cfg.LoanGuard.Enabled {
		loanGuardian = loanguard.New(logger, client, llmClient, store, cfg.LoanGuard)
	}

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(promReg)

	deps := orchestrator.Deps{
		Config:                cfg,
		SpotHandler:           spotHandler,
		FuturesHandler:        futuresHandler,
		Reconciler:            reconciler,
		LoanGuardian:          loanGuardian,
		Sink:                  store,
		ConfigSource:          store,
		StrategyReg:           reg,
		Client:                client,
		EventBus:              eventBus,
		Metrics:               metricsReg,
		SpotEval:              spotEval,
		FuturesEval:           futuresEval,
		ReconcileEveryNCycles: 10,
		LoanGuardInterval:     5 * time.Minute,
	}
	if *parallel {
		deps.WorkerPool = buildWorkerPool(logger)
		defer deps.WorkerPool.Stop()
	}

	cycleNum, cycleID := store.RehydrateCycle()
	if cycleID == "" {
		cycleID = "boot"
	}
	orch := orchestrator.New(logger, deps, cycleNum, cycleID)

	serverCfg := &types.ServerConfig{
		Host:           *apiHost,
		Port:           *apiPort,
		WebSocketPath:  "/ws",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxConnections: 100,
		EnableMetrics:  true,
	}
	opsServer := api.NewServer(logger, serverCfg, candleStore)

	eventBus.SubscribeAll(func(ev events.Event) error {
		opsServer.Broadcast(string(ev.GetType()), ev)
		return nil
	})
	eventBus.Subscribe(events.EventTypeOrder, func(ev events.Event) error {
		if oe, ok := ev.(*events.OrderEvent); ok {
			metricsReg.OrdersPlaced.WithLabelValues(oe.Market, oe.Side).Inc()
		}
		return nil
	})

	go func() {
		if err := opsServer.Start(); err != nil {
			logger.Error("ops API server error", zap.Error(err))
		}
	}()

	go orch.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received")

	orch.Shutdown("signal")
	<-orch.Done()

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := opsServer.Stop(shutdownCtx); err != nil {
		logger.Error("error during ops API shutdown", zap.Error(err))
	}

	logger.Info("trading supervisor stopped")
}

// buildWorkerPool sizes a bounded worker pool for the parallel per-symbol
// cycle variant.
func buildWorkerPool(logger *zap.Logger) *workers.Pool {
	return workers.NewPool(logger, workers.DefaultPoolConfig("symbol-cycle"))
}

func buildExchangeClient(logger *zap.Logger, cfg *config.Config, priceHistory *data.Store) execution.ExchangeClient {
	if cfg.Spot.Mode == config.ModeLive || cfg.Futures.Mode == config.ModeLive {
		return adapters.NewBinanceClient(logger, adapters.BinanceConfig{
			APIKey:    os.Getenv("EXCHANGE_API_KEY"),
			APISecret: os.Getenv("EXCHANGE_API_SECRET"),
			Testnet:   os.Getenv("EXCHANGE_TESTNET") == "true",
		})
	}

	priceSource := func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		end := time.Now().UTC()
		start := end.Add(-time.Hour)
		bars, err := priceHistory.LoadOHLCV(ctx, symbol, types.Timeframe("1m"), start, end)
		if err != nil || len(bars) == 0 {
			return decimal.Zero, fmt.Errorf("no price available for %s", symbol)
		}
		return bars[len(bars)-1].Close, nil
	}
	return adapters.NewPaperClient(logger, priceSource, decimal.NewFromInt(10000), "USDT")
}

func buildLLMClient(logger *zap.Logger, cfg config.LLMConfig) llm.Client {
	if !cfg.Enabled {
		return nil
	}
	path := cfg.CLIPath
	if path == "" {
		path = "claude"
	}
	return llm.NewCLIClient(logger.Named("llm"), llm.CLIConfig{
		Path:    path,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	})
}

// cmdBacktest drives internal/backtester against a recorded aggTrade CSV
// tape: `backtest --symbol --strategy --aggtrade-file --no-plot`.
func cmdBacktest(args []string) {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	symbol := fs.String("symbol", "BTC/USDT", "Symbol to replay")
	strategyName := fs.String("strategy", "absorption", "Order-flow strategy to run")
	aggTradeFile := fs.String("aggtrade-file", "", "Path to a recorded aggTrade CSV tape")
	fs.Bool("no-plot", false, "Accepted for CLI compatibility; this CLI never plots")
	logLevel := fs.String("log-level", "info", "Log level")
	fs.Parse(args)

	logger, err := obslog.New(*logLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if *aggTradeFile == "" {
		logger.Fatal("backtest: --aggtrade-file is required")
	}

	reg := strategy.NewRegistry()
	strat, err := reg.CreateOrderFlow(*strategyName, nil)
	if err != nil {
		logger.Fatal("backtest: unknown order-flow strategy", zap.String("name", *strategyName), zap.Error(err))
	}

	engine := backtester.NewEngine(logger, backtester.DefaultConfig(*symbol))
	_, m, err := engine.Run(context.Background(), *aggTradeFile, strat)
	if err != nil {
		logger.Fatal("backtest failed", zap.Error(err))
	}

	fmt.Printf("schema_version: 1\n")
	fmt.Printf("symbol: %s\nstrategy: %s\n", *symbol, *strategyName)
	fmt.Printf("total_return: %.2f%%\nwin_rate: %.2f%%\nmax_drawdown: %.2f%%\nsharpe: %.2f\ntrades: %d\n",
		m.TotalReturnPct, m.WinRatePct, m.MaxDrawdownPct, m.SharpeRatio, m.TotalTrades)
}

// cmdValidate loads the config file and reports any load/parse error,
// exiting 1 on failure so shell callers can gate on a bad config.
func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to the YAML configuration file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("configuration valid: %d spot pairs, %d futures pairs, %d strategies\n",
		len(cfg.Spot.Pairs), len(cfg.Futures.Pairs), len(cfg.Strategies))
}

// cmdConfigPush pushes the current config file as a new version via the
// sink, for the orchestrator's hot-reload to later pick up.
func cmdConfigPush(args []string) {
	fs := flag.NewFlagSet("config-push", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to the YAML configuration file")
	dataDir := fs.String("data", "./data", "Data directory for the persistence sink")
	note := fs.String("note", "", "Note describing this configuration version")
	fs.Parse(args)

	logger, _ := obslog.New("info")
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	store, err := sink.New(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to open sink", zap.Error(err))
	}
	defer store.Close()

	raw := map[string]interface{}{
		"spot":         cfg.Spot,
		"futures":      cfg.Futures,
		"horizon_risk": cfg.HorizonRisk,
		"strategies":   cfg.Strategies,
		"llm":          cfg.LLM,
		"loan_guard":   cfg.LoanGuard,
		"mtf":          cfg.MTF,
	}
	version, err := store.PushConfig(raw, *note)
	if err != nil {
		logger.Fatal("failed to push configuration", zap.Error(err))
	}
	fmt.Printf("pushed configuration version %d\n", version)
}

// cmdBalance prints the quote-asset (spot) or margin (futures) balance from
// the configured exchange client (`balance`/`futures-balance`).
func cmdBalance(which string, args []string) {
	fs := flag.NewFlagSet(which, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to the YAML configuration file")
	dataDir := fs.String("data", "./data", "Data directory")
	fs.Parse(args)

	logger, _ := obslog.New("info")
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	candleStore, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize candle store", zap.Error(err))
	}
	client := buildExchangeClient(logger, cfg, candleStore)

	ctx := context.Background()
	if which == "futures-balance" {
		balance, err := client.GetBalance(ctx, "USDT")
		if err != nil {
			logger.Fatal("failed to fetch futures balance", zap.Error(err))
		}
		fmt.Printf("futures margin balance: %s USDT\n", balance.StringFixed(2))
		return
	}
	balance, err := client.GetBalance(ctx, "USDT")
	if err != nil {
		logger.Fatal("failed to fetch balance", zap.Error(err))
	}
	fmt.Printf("spot balance: %s USDT\n", balance.StringFixed(2))
}

// cmdLoanGuard runs the loan guardian once (`loan`) or on an interval
// (`loan-guard --interval`).
func cmdLoanGuard(which string, args []string) {
	fs := flag.NewFlagSet(which, flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to the YAML configuration file")
	dataDir := fs.String("data", "./data", "Data directory")
	warn := fs.Float64("warn", 0, "Override warn LTV threshold (0 = use config)")
	danger := fs.Float64("danger", 0, "Override danger LTV threshold (0 = use config)")
	low := fs.Float64("low", 0, "Override low LTV threshold (0 = use config)")
	interval := fs.Duration("interval", 0, "Repeat interval; 0 runs once")
	dryRun := fs.Bool("dry-run", false, "Force dry-run regardless of config")
	fs.Parse(args)

	logger, _ := obslog.New("info")
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if *danger > 0 {
		cfg.LoanGuard.DangerLTV = *danger
	}
	if *low > 0 {
		cfg.LoanGuard.LowLTV = *low
	}
	if *warn > 0 {
		cfg.LoanGuard.TargetLTV = *warn
	}
	if *dryRun {
		cfg.LoanGuard.DryRun = true
	}
	cfg.LoanGuard.Enabled = true

	candleStore, err := data.NewStore(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to initialize candle store", zap.Error(err))
	}
	client := buildExchangeClient(logger, cfg, candleStore)
	llmClient := buildLLMClient(logger, cfg.LLM)
	store, err := sink.New(logger, *dataDir)
	if err != nil {
		logger.Fatal("failed to open sink", zap.Error(err))
	}
	defer store.Close()

	guardian := loanguard.New(logger, client, llmClient, store, cfg.LoanGuard)

	ctx := context.Background()
	if which == "loan" || *interval <= 0 {
		guardian.Check(ctx)
		return
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	guardian.Check(ctx)
	for {
		select {
		case <-ticker.C:
			guardian.Check(ctx)
		case <-sigChan:
			return
		}
	}
}
