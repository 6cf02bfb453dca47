// Package sink is the persistence collaborator: idempotent position
// upserts keyed by symbol within each market type (one side per futures
// symbol) for restart rehydration,
// append-only logging for everything else (verdicts, decisions, orders,
// balances, heartbeats, loan health, futures margin, daily reviews), and
// an optional newer-than-applied config feed for the orchestrator's
// hot-reload check. Positions are written through immediately since they
// are the restart-time source of truth; the rest is buffered and flushed
// in batches.
package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helioslabs/trading-supervisor/pkg/types"
)

// Store is the concrete persistence sink. It implements handler.Sink
// structurally (no import of internal/handler is needed here) plus the
// wider set of append-only record kinds and the config hot-reload feed.
type Store struct {
	logger  *zap.Logger
	dataDir string

	mu               sync.Mutex
	spotPositions    map[string]types.SpotPosition
	futuresPositions map[string]types.FuturesPosition
	cycleNum         int64
	cycleID          string

	log *logBuffer
}

// New builds a Store rooted at dataDir, creating it if necessary, and
// rehydrates any previously-persisted positions and cycle counter.
func New(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "log"), 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		logger:           logger.Named("sink"),
		dataDir:          dataDir,
		spotPositions:    make(map[string]types.SpotPosition),
		futuresPositions: make(map[string]types.FuturesPosition),
	}
	s.log = newLogBuffer(s.logger, dataDir, 20, 5*time.Second)

	if err := s.loadJSON("spot_positions.json", &s.spotPositions); err != nil {
		s.logger.Warn("failed to load spot positions", zap.Error(err))
	}
	if err := s.loadJSON("futures_positions.json", &s.futuresPositions); err != nil {
		s.logger.Warn("failed to load futures positions", zap.Error(err))
	}

	var cycle struct {
		Num int64  `json:"num"`
		ID  string `json:"id"`
	}
	if err := s.loadJSON("cycle.json", &cycle); err == nil {
		s.cycleNum = cycle.Num
		s.cycleID = cycle.ID
	}

	return s, nil
}

// Close stops the background flusher, flushing whatever remains buffered.
func (s *Store) Close() {
	s.log.stop()
}

func (s *Store) loadJSON(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) saveJSON(name string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Debug("sink: marshal failed", zap.String("file", name), zap.Error(err))
		return
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, name), data, 0o644); err != nil {
		s.logger.Debug("sink: write failed", zap.String("file", name), zap.Error(err))
	}
}

// RehydratePositions returns the positions loaded at startup. Positions
// are the only state rehydrated at boot; everything else the sink holds is
// projection.
func (s *Store) RehydratePositions() (map[string]types.SpotPosition, map[string]types.FuturesPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spot := make(map[string]types.SpotPosition, len(s.spotPositions))
	for k, v := range s.spotPositions {
		spot[k] = v
	}
	fut := make(map[string]types.FuturesPosition, len(s.futuresPositions))
	for k, v := range s.futuresPositions {
		fut[k] = v
	}
	return spot, fut
}

// RehydrateCycle returns the last persisted cycle counter.
func (s *Store) RehydrateCycle() (num int64, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycleNum, s.cycleID
}

// SaveCycle persists the current cycle counter so a restart resumes from
// it.
func (s *Store) SaveCycle(num int64, id string) {
	s.mu.Lock()
	s.cycleNum, s.cycleID = num, id
	snapshot := struct {
		Num int64  `json:"num"`
		ID  string `json:"id"`
	}{num, id}
	s.mu.Unlock()
	s.saveJSON("cycle.json", snapshot)
}

// UpsertSpotPosition idempotently writes a spot position keyed by symbol.
func (s *Store) UpsertSpotPosition(ctx context.Context, p types.SpotPosition) {
	s.mu.Lock()
	s.spotPositions[p.Symbol] = p
	snapshot := cloneSpot(s.spotPositions)
	s.mu.Unlock()
	s.saveJSON("spot_positions.json", snapshot)
}

// DeleteSpotPosition removes a spot position, idempotently: a repeat
// delete is a no-op, so the reconciler re-deleting an already-gone
// phantom mutates nothing.
func (s *Store) DeleteSpotPosition(ctx context.Context, symbol string) {
	s.mu.Lock()
	delete(s.spotPositions, symbol)
	snapshot := cloneSpot(s.spotPositions)
	s.mu.Unlock()
	s.saveJSON("spot_positions.json", snapshot)
}

// UpsertFuturesPosition idempotently writes a futures position keyed by
// symbol (one open side per symbol, matching RiskEvaluator's own map).
func (s *Store) UpsertFuturesPosition(ctx context.Context, p types.FuturesPosition) {
	s.mu.Lock()
	s.futuresPositions[p.Symbol] = p
	snapshot := cloneFutures(s.futuresPositions)
	s.mu.Unlock()
	s.saveJSON("futures_positions.json", snapshot)
}

// DeleteFuturesPosition removes a futures position idempotently.
func (s *Store) DeleteFuturesPosition(ctx context.Context, symbol string) {
	s.mu.Lock()
	delete(s.futuresPositions, symbol)
	snapshot := cloneFutures(s.futuresPositions)
	s.mu.Unlock()
	s.saveJSON("futures_positions.json", snapshot)
}

func cloneSpot(m map[string]types.SpotPosition) map[string]types.SpotPosition {
	out := make(map[string]types.SpotPosition, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFutures(m map[string]types.FuturesPosition) map[string]types.FuturesPosition {
	out := make(map[string]types.FuturesPosition, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// RecordVerdict appends a strategy verdict to the append-only log.
func (s *Store) RecordVerdict(ctx context.Context, symbol string, marketType types.MarketType, v types.Verdict) {
	s.log.append("verdicts", map[string]interface{}{
		"symbol": symbol, "market": marketType, "verdict": v,
	})
}

// RecordDecision appends an LLM/fallback decision to the append-only log.
func (s *Store) RecordDecision(ctx context.Context, symbol string, marketType types.MarketType, d types.Decision) {
	s.log.append("decisions", map[string]interface{}{
		"symbol": symbol, "market": marketType, "decision": d,
	})
}

// RecordOrder appends an exchange order to the append-only log.
func (s *Store) RecordOrder(ctx context.Context, o types.Order) {
	s.log.append("orders", o)
}

// RecordBalance appends a balance snapshot (spot USDT or futures margin
// asset) for dashboard projection.
func (s *Store) RecordBalance(ctx context.Context, asset string, amount interface{}) {
	s.log.append("balances", map[string]interface{}{"asset": asset, "amount": amount, "at": time.Now().UTC()})
}

// RecordHeartbeat appends one orchestrator heartbeat.
func (s *Store) RecordHeartbeat(ctx context.Context, cycleNum int64) {
	s.log.append("heartbeats", map[string]interface{}{"cycle": cycleNum, "at": time.Now().UTC()})
}

// RecordLoanHealth appends a loan-guardian LTV observation.
func (s *Store) RecordLoanHealth(ctx context.Context, ltv float64, action string) {
	s.log.append("loan_health", map[string]interface{}{"ltv": ltv, "action": action, "at": time.Now().UTC()})
}

// RecordFuturesMargin appends a futures margin snapshot.
func (s *Store) RecordFuturesMargin(ctx context.Context, marginRatio, marginBalance interface{}) {
	s.log.append("futures_margin", map[string]interface{}{"marginRatio": marginRatio, "marginBalance": marginBalance, "at": time.Now().UTC()})
}

// RecordDailyReview appends a generated end-of-day review.
func (s *Store) RecordDailyReview(ctx context.Context, review interface{}) {
	s.log.append("daily_reviews", review)
}

// RecordLog appends a structured application log line to the logs file.
// No component in this repository calls it.
func (s *Store) RecordLog(ctx context.Context, level, message string, fields map[string]interface{}) {
	s.log.append("logs", map[string]interface{}{"level": level, "message": message, "fields": fields, "at": time.Now().UTC()})
}

// SaveOrderFlowBars persists the trailing order-flow bars for symbol so a
// restart can warm the order-flow strategies back up.
// OrderFlowBar's footprint map is excluded from its JSON form: it is cheap
// to recompute and expensive to serialize.
func (s *Store) SaveOrderFlowBars(ctx context.Context, symbol string, bars []types.OrderFlowBar) {
	s.saveJSON(barCacheFile(symbol), bars)
}

// LoadOrderFlowBars returns the persisted bar cache for symbol, nil when no
// cache exists yet.
func (s *Store) LoadOrderFlowBars(ctx context.Context, symbol string) []types.OrderFlowBar {
	var bars []types.OrderFlowBar
	if err := s.loadJSON(barCacheFile(symbol), &bars); err != nil {
		s.logger.Debug("failed to load order-flow bar cache", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	return bars
}

func barCacheFile(symbol string) string {
	return "bars_" + strings.ReplaceAll(symbol, "/", "-") + ".json"
}

// configEnvelope is one pushed configuration version.
type configEnvelope struct {
	Version int                    `json:"version"`
	Config  map[string]interface{} `json:"config"`
	PushedAt time.Time             `json:"pushedAt"`
	Note    string                 `json:"note,omitempty"`
}

// PushConfig appends a new configuration version, used by the
// `config-push` CLI subcommand.
func (s *Store) PushConfig(cfg map[string]interface{}, note string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.readConfigVersions()
	if err != nil {
		return 0, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1].Version + 1
	}
	versions = append(versions, configEnvelope{Version: next, Config: cfg, PushedAt: time.Now().UTC(), Note: note})
	data, err := json.MarshalIndent(versions, "", "  ")
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, "config_versions.json"), data, 0o644); err != nil {
		return 0, err
	}
	return next, nil
}

// LoadConfig returns the newest pushed configuration newer than
// appliedVersion, or found=false if none exists.
func (s *Store) LoadConfig(appliedVersion int) (cfg map[string]interface{}, version int, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.readConfigVersions()
	if err != nil {
		return nil, 0, false, err
	}
	var newest *configEnvelope
	for i := range versions {
		if versions[i].Version > appliedVersion && (newest == nil || versions[i].Version > newest.Version) {
			newest = &versions[i]
		}
	}
	if newest == nil {
		return nil, 0, false, nil
	}
	return newest.Config, newest.Version, true, nil
}

func (s *Store) readConfigVersions() ([]configEnvelope, error) {
	data, err := os.ReadFile(filepath.Join(s.dataDir, "config_versions.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var versions []configEnvelope
	if err := json.Unmarshal(data, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}
