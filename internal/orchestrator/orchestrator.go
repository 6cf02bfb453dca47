// Package orchestrator drives the top-level supervised cycle loop: it
// hot-reloads configuration, fans per-symbol work out to the Spot and
// Futures handlers, runs the periodic Reconciler and loan guardian, and
// emits heartbeats until told to shut down.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/internal/config"
	"github.com/helioslabs/trading-supervisor/internal/events"
	"github.com/helioslabs/trading-supervisor/internal/execution"
	"github.com/helioslabs/trading-supervisor/internal/handler"
	"github.com/helioslabs/trading-supervisor/internal/loanguard"
	"github.com/helioslabs/trading-supervisor/internal/metrics"
	"github.com/helioslabs/trading-supervisor/internal/reconcile"
	"github.com/helioslabs/trading-supervisor/internal/risk"
	"github.com/helioslabs/trading-supervisor/internal/sink"
	"github.com/helioslabs/trading-supervisor/internal/strategy"
	"github.com/helioslabs/trading-supervisor/internal/workers"
)

// quoteAsset is the balance currency spot symbols and the cycle's balance
// snapshot are denominated in.
const quoteAsset = "USDT"

// ConfigSource is the subset of the sink's interface the orchestrator needs
// for hot-reload: the newest pushed configuration newer than the one
// currently applied.
type ConfigSource interface {
	LoadConfig(appliedVersion int) (cfg map[string]interface{}, version int, found bool, err error)
}

// Deps bundles every collaborator the orchestrator drives. All fields are
// required except FuturesHandler, WorkerPool and LoanGuardian, which are
// nil when the corresponding config section is disabled.
type Deps struct {
	Config         *config.Config
	SpotHandler    *handler.SpotHandler
	FuturesHandler *handler.FuturesHandler
	Reconciler     *reconcile.Reconciler
	LoanGuardian   *loanguard.Guardian
	Sink           *sink.Store
	ConfigSource   ConfigSource
	StrategyReg    *strategy.Registry
	Client         execution.ExchangeClient
	EventBus       *events.EventBus
	Metrics        *metrics.Registry
	// SpotEval/FuturesEval receive rebound risk parameters on a config
	// hot-reload; nil skips the rebinding (FuturesEval is nil whenever
	// futures are disabled).
	SpotEval    *risk.SpotEvaluator
	FuturesEval *risk.FuturesEvaluator
	// WorkerPool, when non-nil, enables the parallel per-symbol cycle
	// variant; symbol processing fans out onto it instead of running
	// sequentially.
	WorkerPool *workers.Pool
	// ReconcileEveryNCycles is how often (in cycles) the Reconciler runs.
	ReconcileEveryNCycles int64
	// LoanGuardInterval is how often the loan guardian job runs,
	// independent of the cycle loop.
	LoanGuardInterval time.Duration
}

// Orchestrator is the single top-level supervisor.
type Orchestrator struct {
	logger *zap.Logger
	deps   Deps

	cfgMu          sync.RWMutex
	cfg            *config.Config
	appliedVersion int
	futuresOn      bool

	cycleNum int64
	cycleID  string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds an Orchestrator. cycleNum/cycleID should come from
// sink.RehydrateCycle so the counter resumes across restarts.
func New(logger *zap.Logger, deps Deps, startCycleNum int64, startCycleID string) *Orchestrator {
	if deps.ReconcileEveryNCycles <= 0 {
		deps.ReconcileEveryNCycles = 10
	}
	if deps.LoanGuardInterval <= 0 {
		deps.LoanGuardInterval = 5 * time.Minute
	}
	return &Orchestrator{
		logger:    logger.Named("orchestrator"),
		deps:      deps,
		cfg:       deps.Config,
		futuresOn: deps.Config.Futures.Enabled,
		cycleNum:  startCycleNum,
		cycleID:   startCycleID,
	}
}

// activeConfig returns a copy-safe snapshot of the currently applied config.
func (o *Orchestrator) activeConfig() *config.Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// futuresEnabled reports whether the futures handler should be driven this
// cycle.
func (o *Orchestrator) futuresEnabled() bool {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.futuresOn && o.deps.FuturesHandler != nil
}

// Run drives the cycle loop until Shutdown is called or ctx is canceled.
// It blocks the calling goroutine; callers
// typically invoke it from its own goroutine and wait on Done().
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.mu.Unlock()
	defer close(o.doneCh)

	o.logger.Info("orchestrator starting",
		zap.Int64("cycle_num", o.cycleNum),
		zap.Bool("futures_enabled", o.futuresEnabled()))

	if o.deps.Reconciler != nil {
		o.deps.Reconciler.Run(ctx)
	}

	loanTicker := time.NewTicker(o.deps.LoanGuardInterval)
	defer loanTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopping: context canceled")
			return
		case <-o.stopCh:
			o.logger.Info("orchestrator stopping: shutdown requested")
			return
		case <-loanTicker.C:
			if o.deps.LoanGuardian != nil {
				o.deps.LoanGuardian.Check(ctx)
			}
		default:
		}

		start := time.Now()
		o.runCycle(ctx)
		if o.deps.Metrics != nil {
			o.deps.Metrics.CycleDuration.Observe(time.Since(start).Seconds())
		}

		interval := o.checkInterval()
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// Done returns a channel closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.doneCh == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return o.doneCh
}

// Shutdown sets the running flag false, allowing the current iteration to
// finish before Run returns.
func (o *Orchestrator) Shutdown(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	o.logger.Info("shutdown requested", zap.String("reason", reason))
	close(o.stopCh)
}

// checkInterval returns the spot market's configured check interval; both
// markets currently share one cycle cadence in this implementation, per the
// single-loop-driver design note.
func (o *Orchestrator) checkInterval() time.Duration {
	cfg := o.activeConfig()
	if cfg.Spot.CheckInterval > 0 {
		return cfg.Spot.CheckInterval
	}
	return 60 * time.Second
}

// runCycle is one loop iteration: config hot-reload, per-symbol fan-out
// for both markets, periodic reconciliation, and a heartbeat/balance
// snapshot.
func (o *Orchestrator) runCycle(ctx context.Context) {
	o.cycleNum++
	if o.deps.EventBus != nil {
		o.deps.EventBus.Publish(events.NewCycleEvent(o.cycleNum))
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.CyclesTotal.Inc()
	}

	o.reloadConfigIfChanged(ctx)

	cfg := o.activeConfig()

	o.processSymbols(ctx, "spot", cfg.Spot.Pairs, func(symbol string) error {
		return o.deps.SpotHandler.ProcessSymbol(ctx, symbol)
	})

	if o.futuresEnabled() {
		o.processSymbols(ctx, "futures", cfg.Futures.Pairs, func(symbol string) error {
			return o.deps.FuturesHandler.ProcessSymbol(ctx, symbol)
		})
	}

	if o.deps.Reconciler != nil && o.cycleNum%o.deps.ReconcileEveryNCycles == 0 {
		o.deps.Reconciler.Run(ctx)
		if o.deps.EventBus != nil {
			o.deps.EventBus.Publish(events.NewReconcileRunEvent(o.cycleNum))
		}
		if o.deps.Metrics != nil {
			o.deps.Metrics.ReconcileActions.WithLabelValues("periodic", "run").Inc()
		}
	}

	o.heartbeat(ctx)
	if o.deps.Sink != nil {
		o.deps.Sink.SaveCycle(o.cycleNum, o.cycleID)
	}
}

// processSymbols runs fn over every symbol of one market. Per-symbol
// failures are caught, logged with context, and never break the iteration.
// When deps.WorkerPool is set, symbols fan out across its bounded
// goroutine pool; otherwise they run sequentially in the order configured.
func (o *Orchestrator) processSymbols(ctx context.Context, market string, symbols []string, fn func(string) error) {
	if o.deps.WorkerPool == nil {
		for _, symbol := range symbols {
			o.processOneSymbol(ctx, market, symbol, fn)
		}
		return
	}

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		symbol := symbol
		wg.Add(1)
		task := workers.TaskFunc(func() error {
			defer wg.Done()
			o.processOneSymbol(ctx, market, symbol, fn)
			return nil
		})
		if err := o.deps.WorkerPool.Submit(task); err != nil {
			wg.Done()
			o.logger.Error("failed to submit symbol task", zap.String("market", market), zap.String("symbol", symbol), zap.Error(err))
		}
	}
	wg.Wait()
}

// processOneSymbol runs fn for one symbol with panic recovery. Heartbeat
// is still emitted by the caller regardless of outcome.
func (o *Orchestrator) processOneSymbol(ctx context.Context, market, symbol string, fn func(string) error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic processing symbol",
				zap.String("market", market), zap.String("symbol", symbol), zap.Any("panic", r))
			if o.deps.Metrics != nil {
				o.deps.Metrics.SymbolErrors.WithLabelValues(market, symbol).Inc()
			}
		}
	}()

	if err := fn(symbol); err != nil {
		o.logger.Error("error processing symbol", zap.String("market", market), zap.String("symbol", symbol), zap.Error(err))
		if o.deps.Metrics != nil {
			o.deps.Metrics.SymbolErrors.WithLabelValues(market, symbol).Inc()
		}
		if o.deps.EventBus != nil {
			o.deps.EventBus.Publish(events.NewSymbolErrorEvent(symbol, market, err))
		}
	}
}

// heartbeat persists a balance snapshot and the cycle heartbeat record.
func (o *Orchestrator) heartbeat(ctx context.Context) {
	if o.deps.Client == nil {
		return
	}
	balance, err := o.deps.Client.GetBalance(ctx, quoteAsset)
	if err != nil {
		o.logger.Debug("failed to fetch balance for heartbeat", zap.Error(err))
	} else if o.deps.Sink != nil {
		o.deps.Sink.RecordBalance(ctx, quoteAsset, balance)
	}
	if o.deps.Sink != nil {
		o.deps.Sink.RecordHeartbeat(ctx, o.cycleNum)
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.Heartbeat.Set(float64(time.Now().Unix()))
		if o.deps.SpotEval != nil {
			o.deps.Metrics.OpenPositions.WithLabelValues("spot").Set(float64(o.deps.SpotEval.OpenPositionCount()))
		}
		if o.deps.FuturesEval != nil {
			o.deps.Metrics.OpenPositions.WithLabelValues("futures").Set(float64(len(o.deps.FuturesEval.AllPositions())))
		}
	}
}

// reloadConfigIfChanged fetches the newest pushed config version,
// and if it is newer than the one currently applied, atomically rebind
// settings, rebuild the strategy roster if its fingerprint changed, and
// toggle futures/loan-guardian enablement.
func (o *Orchestrator) reloadConfigIfChanged(ctx context.Context) {
	if o.deps.ConfigSource == nil {
		return
	}

	o.cfgMu.RLock()
	applied := o.appliedVersion
	oldFingerprint := o.cfg.Fingerprint()
	o.cfgMu.RUnlock()

	raw, version, found, err := o.deps.ConfigSource.LoadConfig(applied)
	if err != nil {
		o.logger.Debug("config reload check failed", zap.Error(err))
		return
	}
	if !found {
		return
	}

	newCfg, err := config.Decode(raw)
	if err != nil {
		o.logger.Warn("discarding unparseable hot-reloaded config", zap.Error(err))
		return
	}

	o.cfgMu.Lock()
	o.cfg = newCfg
	o.appliedVersion = version
	o.futuresOn = newCfg.Futures.Enabled
	o.cfgMu.Unlock()

	o.logger.Info("applied hot-reloaded config", zap.Int("version", version))

	o.deps.SpotHandler.SetConfig(newCfg.Spot, newCfg.LLM)
	if o.deps.FuturesHandler != nil {
		o.deps.FuturesHandler.SetConfig(newCfg.Futures, newCfg.LLM)
	}
	if o.deps.SpotEval != nil {
		o.deps.SpotEval.SetConfig(newCfg.Spot, newCfg.HorizonRisk)
	}
	if o.deps.FuturesEval != nil {
		o.deps.FuturesEval.SetConfig(newCfg.Futures, newCfg.HorizonRisk)
	}
	if o.deps.LoanGuardian != nil {
		o.deps.LoanGuardian.SetConfig(newCfg.LoanGuard)
	}

	if newCfg.Fingerprint() != oldFingerprint && o.deps.StrategyReg != nil {
		o.logger.Info("strategy fingerprint changed, rebuilding rosters")
		o.deps.SpotHandler.RebuildRoster(o.deps.StrategyReg, newCfg.Strategies)
		if o.deps.FuturesHandler != nil {
			o.deps.FuturesHandler.RebuildRoster(o.deps.StrategyReg, newCfg.Strategies)
		}
		o.deps.SpotHandler.ClearSlotMemo()
		if o.deps.FuturesHandler != nil {
			o.deps.FuturesHandler.ClearSlotMemo()
		}
	}
}
