package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimalYAML = `
run_id: test-run-1
brand: rc
symbols: ["BTCUSDT"]
api:
  base_url: "https://fapi.binance.com"
  ws_base_url: "wss://fstream.binance.com"
execution:
  order_ttl_ms: 1500
  maker_safety_ticks: 1
  max_mult: 4
rate_limit:
  max_orders_per_sec: 5
  max_cancels_per_sec: 5
dry_run: true
`

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAndValidateMinimal(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if cfg.RunID != "test-run-1" {
		t.Errorf("RunID = %q, want test-run-1", cfg.RunID)
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0] != "BTCUSDT" {
		t.Errorf("Symbols = %v, want [BTCUSDT]", cfg.Symbols)
	}
	if !cfg.DryRun {
		t.Errorf("DryRun = false, want true")
	}
}

func TestValidateRejectsMissingRunID(t *testing.T) {
	cfg := &Config{
		Symbols:   []string{"BTCUSDT"},
		API:       APIConfig{BaseURL: "https://fapi.binance.com"},
		Execution: ExecutionConfig{OrderTTLMs: 1000, MakerSafetyTicks: 1, MaxMult: 1},
		RateLimit: RateLimitConfig{MaxOrdersPerSec: 1, MaxCancelsPerSec: 1},
		DryRun:    true,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing run_id, got nil")
	}
}

func TestValidateRejectsNoSymbols(t *testing.T) {
	cfg := &Config{
		RunID:     "r1",
		API:       APIConfig{BaseURL: "https://fapi.binance.com"},
		Execution: ExecutionConfig{OrderTTLMs: 1000, MakerSafetyTicks: 1, MaxMult: 1},
		RateLimit: RateLimitConfig{MaxOrdersPerSec: 1, MaxCancelsPerSec: 1},
		DryRun:    true,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty symbols, got nil")
	}
}

func TestValidateRequiresCredentialsWhenNotDryRun(t *testing.T) {
	cfg := &Config{
		RunID:     "r1",
		Symbols:   []string{"BTCUSDT"},
		API:       APIConfig{BaseURL: "https://fapi.binance.com"},
		Execution: ExecutionConfig{OrderTTLMs: 1000, MakerSafetyTicks: 1, MaxMult: 1},
		RateLimit: RateLimitConfig{MaxOrdersPerSec: 1, MaxCancelsPerSec: 1},
		DryRun:    false,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing api credentials in live mode, got nil")
	}
	cfg.API.ApiKey = "k"
	cfg.API.SecretKey = "s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error after supplying credentials: %v", err)
	}
}

func TestValidateRejectsBadMakerSafetyTicks(t *testing.T) {
	cfg := &Config{
		RunID:     "r1",
		Symbols:   []string{"BTCUSDT"},
		API:       APIConfig{BaseURL: "https://fapi.binance.com"},
		Execution: ExecutionConfig{OrderTTLMs: 1000, MakerSafetyTicks: 0, MaxMult: 1},
		RateLimit: RateLimitConfig{MaxOrdersPerSec: 1, MaxCancelsPerSec: 1},
		DryRun:    true,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for maker_safety_ticks < 1, got nil")
	}
}

func TestValidateFillRateFeedbackThresholds(t *testing.T) {
	cfg := &Config{
		RunID:   "r1",
		Symbols: []string{"BTCUSDT"},
		API:     APIConfig{BaseURL: "https://fapi.binance.com"},
		Execution: ExecutionConfig{
			OrderTTLMs:              1000,
			MakerSafetyTicks:        1,
			MaxMult:                 1,
			FillRateFeedbackEnabled: true,
			FillRateWindowMs:        60000,
			FillRateLowThreshold:    "0.6",
			FillRateHighThreshold:   "0.3",
		},
		RateLimit: RateLimitConfig{MaxOrdersPerSec: 1, MaxCancelsPerSec: 1},
		DryRun:    true,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when low threshold > high threshold, got nil")
	}
}

func TestValidateProtectiveStopDistRange(t *testing.T) {
	cfg := &Config{
		RunID:     "r1",
		Symbols:   []string{"BTCUSDT"},
		API:       APIConfig{BaseURL: "https://fapi.binance.com"},
		Execution: ExecutionConfig{OrderTTLMs: 1000, MakerSafetyTicks: 1, MaxMult: 1},
		RateLimit: RateLimitConfig{MaxOrdersPerSec: 1, MaxCancelsPerSec: 1},
		Risk: RiskConfig{
			ProtectiveStop: ProtectiveStopConfig{Enabled: true, DistToLiq: "1.5"},
		},
		DryRun: true,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for dist_to_liq outside (0,1), got nil")
	}
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	t.Setenv("EXEC_API_KEY", "env-key")
	t.Setenv("EXEC_SECRET_KEY", "env-secret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.API.ApiKey != "env-key" {
		t.Errorf("ApiKey = %q, want env-key", cfg.API.ApiKey)
	}
	if cfg.API.SecretKey != "env-secret" {
		t.Errorf("SecretKey = %q, want env-secret", cfg.API.SecretKey)
	}
}

func TestOrderTTLConversion(t *testing.T) {
	ec := ExecutionConfig{OrderTTLMs: 2500}
	if got, want := ec.OrderTTL().Milliseconds(), int64(2500); got != want {
		t.Errorf("OrderTTL() = %dms, want %dms", got, want)
	}
}
