// Package config loads and hot-reloads the YAML + environment
// configuration: spot/futures scheduling and risk parameters, per-horizon
// risk multipliers, the strategy roster, the LLM gate, loan-guard
// thresholds and the multi-timeframe summary cache.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Mode selects paper vs live execution for a market.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// SpotConfig holds spot-market scheduling and risk parameters.
type SpotConfig struct {
	Mode                Mode          `mapstructure:"mode"`
	Pairs               []string      `mapstructure:"pairs"`
	Timeframe           string        `mapstructure:"timeframe"`
	CheckIntervalSecs   int           `mapstructure:"check_interval_seconds"`
	MaxPositionPct      float64       `mapstructure:"max_position_pct"`
	StopLossPct         float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct       float64       `mapstructure:"take_profit_pct"`
	MaxOpenPositions    int           `mapstructure:"max_open_positions"`
	MaxDailyLossPct     float64       `mapstructure:"max_daily_loss_pct"`
	MinRiskReward       float64       `mapstructure:"min_risk_reward"`
	CooldownMinutes     int           `mapstructure:"cooldown_minutes"`
	ATR                 ATRConfig     `mapstructure:"atr"`
	CheckInterval       time.Duration `mapstructure:"-"`
}

// ATRConfig controls ATR-driven SL/TP resolution.
type ATRConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Period      int     `mapstructure:"period"`
	SLMultiplier float64 `mapstructure:"sl_multiplier"`
	TPMultiplier float64 `mapstructure:"tp_multiplier"`
}

// FuturesConfig holds futures-market enablement, leverage and risk
// parameters.
type FuturesConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	Pairs                 []string      `mapstructure:"pairs"`
	Leverage              float64       `mapstructure:"leverage"`
	MaxLeverage           float64       `mapstructure:"max_leverage"`
	MarginType            string        `mapstructure:"margin_type"`
	Timeframe             string        `mapstructure:"timeframe"`
	CheckIntervalSecs     int           `mapstructure:"check_interval_seconds"`
	Mode                  Mode          `mapstructure:"mode"`
	MaxPositionPct        float64       `mapstructure:"max_position_pct"`
	StopLossPct           float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct         float64       `mapstructure:"take_profit_pct"`
	MaxOpenPositions      int           `mapstructure:"max_open_positions"`
	MaxDailyLossPct       float64       `mapstructure:"max_daily_loss_pct"`
	MaxMarginRatio        float64       `mapstructure:"max_margin_ratio"`
	FundingRateThreshold  float64       `mapstructure:"funding_rate_threshold"`
	MinRiskReward         float64       `mapstructure:"min_risk_reward"`
	CooldownMinutes       int           `mapstructure:"cooldown_minutes"`
	CheckInterval         time.Duration `mapstructure:"-"`
}

// HorizonParams is the per-horizon multiplier/percentage set, populated
// once from config and looked up by horizon name.
type HorizonParams struct {
	SLMultiplier float64 `mapstructure:"sl_multiplier"`
	TPMultiplier float64 `mapstructure:"tp_multiplier"`
	SLPct        float64 `mapstructure:"sl_pct"`
	TPPct        float64 `mapstructure:"tp_pct"`
	SizeFactor   float64 `mapstructure:"size_factor"`
	MinRR        float64 `mapstructure:"min_rr"`
}

// HorizonRiskConfig maps horizon name to its parameter set.
type HorizonRiskConfig map[string]HorizonParams

// StrategySpec names one strategy roster entry.
type StrategySpec struct {
	Name      string                 `mapstructure:"name"`
	Timeframe string                 `mapstructure:"timeframe"`
	Params    map[string]interface{} `mapstructure:"params"`
}

// LLMConfig controls the decision-gate LLM client.
type LLMConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	CLIPath       string        `mapstructure:"cli_path"`
	Model         string        `mapstructure:"model"`
	TimeoutSecs   int           `mapstructure:"timeout"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	Timeout       time.Duration `mapstructure:"-"`
}

// LoanGuardConfig controls the ancillary loan-collateral job.
type LoanGuardConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	TargetLTV  float64 `mapstructure:"target_ltv"`
	DangerLTV  float64 `mapstructure:"danger_ltv"`
	LowLTV     float64 `mapstructure:"low_ltv"`
	DryRun     bool    `mapstructure:"dry_run"`
}

// MTFConfig controls the multi-timeframe summary cache fed to the LLM.
type MTFConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	CandleLimit    int  `mapstructure:"candle_limit"`
	CacheTTLSecs   int  `mapstructure:"cache_ttl_seconds"`
}

// Config is the whole application configuration tree.
type Config struct {
	Spot        SpotConfig        `mapstructure:"spot"`
	Futures     FuturesConfig     `mapstructure:"futures"`
	HorizonRisk HorizonRiskConfig `mapstructure:"horizon_risk"`
	Strategies  []StrategySpec    `mapstructure:"strategies"`
	LLM         LLMConfig         `mapstructure:"llm"`
	LoanGuard   LoanGuardConfig   `mapstructure:"loan_guard"`
	MTF         MTFConfig         `mapstructure:"mtf"`

	// Version is not populated by Load or Decode; the orchestrator's
	// hot-reload tracks the applied config version on its own.
	Version int `mapstructure:"-"`
}

// Fingerprint returns a stable hash of the strategy roster, used by the
// orchestrator to decide whether to rebuild its strategy list on reload.
func (c *Config) Fingerprint() string {
	entries := make([]string, 0, len(c.Strategies))
	for _, s := range c.Strategies {
		keys := make([]string, 0, len(s.Params))
		for k := range s.Params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		fmt.Fprintf(&b, "%s|%s", s.Name, s.Timeframe)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%v", k, s.Params[k])
		}
		entries = append(entries, b.String())
	}
	sort.Strings(entries)
	h := sha256.Sum256([]byte(strings.Join(entries, ";")))
	return hex.EncodeToString(h[:])
}

// Load reads config from the given YAML file path plus environment
// variable overrides (prefix TRADER_, nested keys joined with "_"), applies
// defaults, and derives the time.Duration fields from their *_seconds
// sources.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	applyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	deriveDurations(&cfg)
	return &cfg, nil
}

// Decode converts a raw nested map, as returned by the sink's
// LoadConfig, into a Config, the same shape Load produces
// from a YAML file. Used by the orchestrator's hot-reload path, which
// receives its new configuration as a map rather than a file path.
func Decode(raw map[string]interface{}) (*Config, error) {
	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("config: build decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	deriveDurations(&cfg)
	return &cfg, nil
}

func deriveDurations(cfg *Config) {
	cfg.Spot.CheckInterval = time.Duration(cfg.Spot.CheckIntervalSecs) * time.Second
	cfg.Futures.CheckInterval = time.Duration(cfg.Futures.CheckIntervalSecs) * time.Second
	cfg.LLM.Timeout = time.Duration(cfg.LLM.TimeoutSecs) * time.Second
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("spot.mode", "paper")
	v.SetDefault("spot.check_interval_seconds", 60)
	v.SetDefault("spot.max_position_pct", 0.02)
	v.SetDefault("spot.stop_loss_pct", 0.03)
	v.SetDefault("spot.take_profit_pct", 0.06)
	v.SetDefault("spot.max_open_positions", 5)
	v.SetDefault("spot.max_daily_loss_pct", 0.05)
	v.SetDefault("spot.min_risk_reward", 1.5)
	v.SetDefault("spot.cooldown_minutes", 30)

	v.SetDefault("futures.enabled", false)
	v.SetDefault("futures.mode", "paper")
	v.SetDefault("futures.leverage", 3)
	v.SetDefault("futures.max_leverage", 10)
	v.SetDefault("futures.margin_type", "isolated")
	v.SetDefault("futures.check_interval_seconds", 60)
	v.SetDefault("futures.max_position_pct", 0.02)
	v.SetDefault("futures.max_open_positions", 5)
	v.SetDefault("futures.max_daily_loss_pct", 0.05)
	v.SetDefault("futures.max_margin_ratio", 0.8)
	v.SetDefault("futures.min_risk_reward", 2.0)
	v.SetDefault("futures.cooldown_minutes", 30)

	v.SetDefault("horizon_risk", map[string]interface{}{
		"short":  map[string]interface{}{"sl_multiplier": 1.0, "tp_multiplier": 2.0, "sl_pct": 0.015, "tp_pct": 0.03, "size_factor": 0.5, "min_rr": 1.5},
		"medium": map[string]interface{}{"sl_multiplier": 1.5, "tp_multiplier": 3.0, "sl_pct": 0.03, "tp_pct": 0.06, "size_factor": 1.0, "min_rr": 2.0},
		"long":   map[string]interface{}{"sl_multiplier": 2.0, "tp_multiplier": 4.5, "sl_pct": 0.05, "tp_pct": 0.1, "size_factor": 1.5, "min_rr": 2.0},
	})

	v.SetDefault("llm.enabled", true)
	v.SetDefault("llm.cli_path", "claude")
	v.SetDefault("llm.model", "default")
	v.SetDefault("llm.timeout", 60)
	v.SetDefault("llm.min_confidence", 0.55)

	v.SetDefault("loan_guard.enabled", false)
	v.SetDefault("loan_guard.target_ltv", 0.5)
	v.SetDefault("loan_guard.danger_ltv", 0.75)
	v.SetDefault("loan_guard.low_ltv", 0.3)
	v.SetDefault("loan_guard.dry_run", true)

	v.SetDefault("mtf.enabled", true)
	v.SetDefault("mtf.candle_limit", 100)
	v.SetDefault("mtf.cache_ttl_seconds", 30)
}
