// Package config defines all configuration for the reduce-only closing
// executor. Config is loaded from a YAML file (default: configs/config.yaml)
// with sensitive fields overridable via EXEC_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun  bool     `mapstructure:"dry_run"`
	RunID   string   `mapstructure:"run_id"`
	Brand   string   `mapstructure:"brand"`
	Symbols []string `mapstructure:"symbols"`

	API            APIConfig                    `mapstructure:"api"`
	WS             WSConfig                     `mapstructure:"ws"`
	Execution      ExecutionConfig              `mapstructure:"execution"`
	Accel          AccelConfig                  `mapstructure:"accel"`
	ROI            ROIConfig                    `mapstructure:"roi"`
	Risk           RiskConfig                   `mapstructure:"risk"`
	RateLimit      RateLimitConfig              `mapstructure:"rate_limit"`
	SymbolOverride map[string]ExecutionOverride `mapstructure:"symbol_overrides"`
	Logging        LoggingConfig                `mapstructure:"logging"`
	Telegram       TelegramConfig               `mapstructure:"telegram"`
	Metrics        MetricsConfig                `mapstructure:"metrics"`
}

// APIConfig holds Binance-style futures API credentials and endpoints.
// If ApiKey/SecretKey are empty, the adapter refuses to start in non-dry-run mode.
type APIConfig struct {
	ApiKey     string `mapstructure:"api_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BaseURL    string `mapstructure:"base_url"`
	WSBaseURL  string `mapstructure:"ws_base_url"`
	UseTestnet bool   `mapstructure:"use_testnet"`
	Proxy      string `mapstructure:"proxy"`
}

// WSConfig tunes the market/user-data stream ingest (C3/C4): staleness
// detection and the shared reconnect backoff policy.
type WSConfig struct {
	StaleDataMs int64           `mapstructure:"stale_data_ms"`
	Reconnect   ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig tunes the exponential-backoff reconnect loop both feeds share.
type ReconnectConfig struct {
	InitialDelayMs int `mapstructure:"initial_delay_ms"`
	MaxDelayMs     int `mapstructure:"max_delay_ms"`
	Multiplier     int `mapstructure:"multiplier"`
}

// ExecutionConfig tunes the per-side closing state machine (C7).
//
//   - OrderTTLMs:   how long a resting order waits before rotation kicks in.
//   - MakerPriceMode: "at_touch" | "inside_spread_1tick" | "custom_ticks".
//   - MakerSafetyTicks: must be >= 1; keeps maker quotes off the post-only reject line.
//   - MaxOrderNotional: caps a single slice's notional regardless of multiplier tiers.
//   - FillRate*: optional feedback loop that widens/narrows the escalate threshold
//     based on the trailing maker fill rate.
type ExecutionConfig struct {
	OrderTTLMs              int64  `mapstructure:"order_ttl_ms"`
	RepostCooldownMs        int64  `mapstructure:"repost_cooldown_ms"`
	MinSignalIntervalMs     int64  `mapstructure:"min_signal_interval_ms"`
	BaseLotMult             int    `mapstructure:"base_lot_mult"`
	MakerPriceMode          string `mapstructure:"maker_price_mode"`
	MakerNTicks             int    `mapstructure:"maker_n_ticks"`
	MakerSafetyTicks        int    `mapstructure:"maker_safety_ticks"`
	MakerTimeoutsToEscalate int    `mapstructure:"maker_timeouts_to_escalate"`
	AggrFillsToDeescalate   int    `mapstructure:"aggr_fills_to_deescalate"`
	AggrTimeoutsToDeescalate int   `mapstructure:"aggr_timeouts_to_deescalate"`
	MaxMult                 int    `mapstructure:"max_mult"`
	MaxOrderNotional        string `mapstructure:"max_order_notional"`
	WSFillGraceMs           int64  `mapstructure:"ws_fill_grace_ms"`

	FillRateFeedbackEnabled              bool   `mapstructure:"fill_rate_feedback_enabled"`
	FillRateWindowMs                     int64  `mapstructure:"fill_rate_window_ms"`
	FillRateLowThreshold                 string `mapstructure:"fill_rate_low_threshold"`
	FillRateHighThreshold                string `mapstructure:"fill_rate_high_threshold"`
	FillRateLowMakerTimeoutsToEscalate   *int   `mapstructure:"fill_rate_low_maker_timeouts_to_escalate"`
	FillRateHighMakerTimeoutsToEscalate  *int   `mapstructure:"fill_rate_high_maker_timeouts_to_escalate"`
}

// ExecutionOverride carries the subset of ExecutionConfig that may be tuned
// per symbol. Zero-value fields fall back to the global ExecutionConfig.
type ExecutionOverride struct {
	OrderTTLMs       *int64  `mapstructure:"order_ttl_ms"`
	MaxOrderNotional *string `mapstructure:"max_order_notional"`
	MakerSafetyTicks *int    `mapstructure:"maker_safety_ticks"`
}

// Tier maps a threshold to an integer multiplier. Tiers are evaluated in
// descending-threshold order and the first (highest) satisfied tier wins.
type Tier struct {
	Threshold string `mapstructure:"threshold"`
	Mult      int    `mapstructure:"mult"`
}

// AccelConfig defines the acceleration (windowed-return) tiers (C6).
type AccelConfig struct {
	WindowMs int64  `mapstructure:"window_ms"`
	Tiers    []Tier `mapstructure:"tiers"`
}

// ROIConfig defines the ROI tiers (C6).
type ROIConfig struct {
	Tiers []Tier `mapstructure:"tiers"`
}

// RiskConfig sets the account-wide guardrails: the liquidation-distance
// trigger, protective-stop placement, and panic close.
type RiskConfig struct {
	LiqDistanceThreshold string               `mapstructure:"liq_distance_threshold"`
	ProtectiveStop       ProtectiveStopConfig `mapstructure:"protective_stop"`
	PanicClose           PanicCloseConfig     `mapstructure:"panic_close"`
}

// RateLimitConfig tunes the account-level sliding-window gate (C2).
type RateLimitConfig struct {
	MaxOrdersPerSec  int `mapstructure:"max_orders_per_sec"`
	MaxCancelsPerSec int `mapstructure:"max_cancels_per_sec"`
}

// ProtectiveStopConfig tunes the exchange-side stop-market safety net (C8).
type ProtectiveStopConfig struct {
	Enabled         bool                  `mapstructure:"enabled"`
	DistToLiq       string                `mapstructure:"dist_to_liq"`
	MinDistRatio    string                `mapstructure:"min_dist_ratio"`
	ExternalTakeover ExternalTakeoverConfig `mapstructure:"external_takeover"`
}

// ExternalTakeoverConfig tunes the latch-and-verify protocol the
// orchestrator runs when a foreign reduce-only/close-position stop appears.
type ExternalTakeoverConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	RestVerifyIntervalS int  `mapstructure:"rest_verify_interval_s"`
	MaxHoldS            int  `mapstructure:"max_hold_s"`
}

// PanicCloseConfig tunes the tiered forced-liquidation slicer.
type PanicCloseConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	TTLPercent string           `mapstructure:"ttl_percent"`
	Tiers      []PanicCloseTier `mapstructure:"tiers"`
}

// PanicCloseTier maps a liquidation-distance threshold to a slice ratio and
// the escalate threshold the panic order should carry while it's active.
type PanicCloseTier struct {
	DistToLiq               string `mapstructure:"dist_to_liq"`
	SliceRatio               string `mapstructure:"slice_ratio"`
	MakerTimeoutsToEscalate  int    `mapstructure:"maker_timeouts_to_escalate"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelegramConfig enables the fire-and-forget notifier side-car.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// MetricsConfig controls the ambient Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: EXEC_API_KEY, EXEC_SECRET_KEY, EXEC_TELEGRAM_TOKEN, EXEC_DRY_RUN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXEC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("EXEC_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("EXEC_SECRET_KEY"); secret != "" {
		cfg.API.SecretKey = secret
	}
	if token := os.Getenv("EXEC_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.BotToken = token
	}
	if proxy := os.Getenv("EXEC_PROXY"); proxy != "" {
		cfg.API.Proxy = proxy
	}
	if os.Getenv("EXEC_DRY_RUN") == "true" || os.Getenv("EXEC_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.RunID == "" {
		return fmt.Errorf("run_id is required (used to namespace client_order_id)")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	if !c.DryRun {
		if c.API.ApiKey == "" {
			return fmt.Errorf("api.api_key is required (set EXEC_API_KEY) unless dry_run")
		}
		if c.API.SecretKey == "" {
			return fmt.Errorf("api.secret_key is required (set EXEC_SECRET_KEY) unless dry_run")
		}
	}
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Execution.OrderTTLMs <= 0 {
		return fmt.Errorf("execution.order_ttl_ms must be > 0")
	}
	if c.Execution.MakerSafetyTicks < 1 {
		return fmt.Errorf("execution.maker_safety_ticks must be >= 1")
	}
	if c.Execution.MaxMult < 1 {
		return fmt.Errorf("execution.max_mult must be >= 1")
	}
	if c.Execution.FillRateFeedbackEnabled {
		if c.Execution.FillRateWindowMs <= 0 {
			return fmt.Errorf("execution.fill_rate_window_ms must be > 0 when fill_rate_feedback_enabled")
		}
		low, err := decimal.NewFromString(c.Execution.FillRateLowThreshold)
		if err != nil {
			return fmt.Errorf("execution.fill_rate_low_threshold: %w", err)
		}
		high, err := decimal.NewFromString(c.Execution.FillRateHighThreshold)
		if err != nil {
			return fmt.Errorf("execution.fill_rate_high_threshold: %w", err)
		}
		if low.GreaterThan(high) {
			return fmt.Errorf("execution.fill_rate_low_threshold must be <= fill_rate_high_threshold")
		}
	}
	if c.RateLimit.MaxOrdersPerSec <= 0 {
		return fmt.Errorf("rate_limit.max_orders_per_sec must be > 0")
	}
	if c.RateLimit.MaxCancelsPerSec <= 0 {
		return fmt.Errorf("rate_limit.max_cancels_per_sec must be > 0")
	}
	if c.Risk.ProtectiveStop.Enabled {
		dist, err := decimal.NewFromString(c.Risk.ProtectiveStop.DistToLiq)
		if err != nil || dist.LessThanOrEqual(decimal.Zero) || dist.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return fmt.Errorf("risk.protective_stop.dist_to_liq must be in (0,1)")
		}
	}
	return nil
}

// OrderTTL returns the effective TTL as a time.Duration for convenience callers.
func (c ExecutionConfig) OrderTTL() time.Duration {
	return time.Duration(c.OrderTTLMs) * time.Millisecond
}
