package orchestrator

import (
	"testing"

	"github.com/shopspring/decimal"

	"reduceclose/internal/config"
)

func baseConfig() config.Config {
	return config.Config{
		Execution: config.ExecutionConfig{
			OrderTTLMs:               1500,
			RepostCooldownMs:         500,
			BaseLotMult:              1,
			MaxMult:                  4,
			MaxOrderNotional:         "1000",
			MakerSafetyTicks:         1,
			MakerTimeoutsToEscalate:  2,
			AggrFillsToDeescalate:    1,
			AggrTimeoutsToDeescalate: 3,
			FillRateLowThreshold:     "0.3",
			FillRateHighThreshold:    "0.7",
		},
	}
}

func TestResolveParamsUsesGlobalDefaultsWithNoOverride(t *testing.T) {
	cfg := baseConfig()
	p := resolveParams(cfg, "BTCUSDT")

	if p.OrderTTLMs != 1500 {
		t.Errorf("OrderTTLMs = %d, want 1500", p.OrderTTLMs)
	}
	if !p.MaxOrderNotional.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("MaxOrderNotional = %s, want 1000", p.MaxOrderNotional)
	}
	if p.MakerSafetyTicks != 1 {
		t.Errorf("MakerSafetyTicks = %d, want 1", p.MakerSafetyTicks)
	}
}

func TestResolveParamsAppliesSymbolOverride(t *testing.T) {
	cfg := baseConfig()
	ttl := int64(750)
	notional := "250"
	safety := 3
	cfg.SymbolOverride = map[string]config.ExecutionOverride{
		"ETHUSDT": {OrderTTLMs: &ttl, MaxOrderNotional: &notional, MakerSafetyTicks: &safety},
	}

	p := resolveParams(cfg, "ETHUSDT")
	if p.OrderTTLMs != 750 {
		t.Errorf("OrderTTLMs = %d, want 750 (overridden)", p.OrderTTLMs)
	}
	if !p.MaxOrderNotional.Equal(decimal.RequireFromString("250")) {
		t.Errorf("MaxOrderNotional = %s, want 250 (overridden)", p.MaxOrderNotional)
	}
	if p.MakerSafetyTicks != 3 {
		t.Errorf("MakerSafetyTicks = %d, want 3 (overridden)", p.MakerSafetyTicks)
	}

	// A symbol absent from SymbolOverride must fall back to the global config untouched.
	other := resolveParams(cfg, "BTCUSDT")
	if other.OrderTTLMs != 1500 {
		t.Errorf("OrderTTLMs for unconfigured symbol = %d, want 1500 (global default)", other.OrderTTLMs)
	}
}

func TestResolveParamsOverridePartialFieldsOnlyOverrideThemselves(t *testing.T) {
	cfg := baseConfig()
	safety := 5
	cfg.SymbolOverride = map[string]config.ExecutionOverride{
		"BTCUSDT": {MakerSafetyTicks: &safety},
	}

	p := resolveParams(cfg, "BTCUSDT")
	if p.MakerSafetyTicks != 5 {
		t.Errorf("MakerSafetyTicks = %d, want 5 (overridden)", p.MakerSafetyTicks)
	}
	if p.OrderTTLMs != 1500 {
		t.Errorf("OrderTTLMs = %d, want 1500 (unaffected by unrelated override field)", p.OrderTTLMs)
	}
}

func TestResolveParamsCarriesFillRateFeedbackThresholds(t *testing.T) {
	cfg := baseConfig()
	p := resolveParams(cfg, "BTCUSDT")
	if !p.FillRateLowThreshold.Equal(decimal.RequireFromString("0.3")) {
		t.Errorf("FillRateLowThreshold = %s, want 0.3", p.FillRateLowThreshold)
	}
	if !p.FillRateHighThreshold.Equal(decimal.RequireFromString("0.7")) {
		t.Errorf("FillRateHighThreshold = %s, want 0.7", p.FillRateHighThreshold)
	}
}

func TestParseDecimalOrFallsBackOnEmptyOrInvalid(t *testing.T) {
	fallback := decimal.RequireFromString("42")
	if got := parseDecimalOr("", fallback); !got.Equal(fallback) {
		t.Errorf("parseDecimalOr(\"\") = %s, want fallback 42", got)
	}
	if got := parseDecimalOr("not-a-number", fallback); !got.Equal(fallback) {
		t.Errorf("parseDecimalOr(invalid) = %s, want fallback 42", got)
	}
	if got := parseDecimalOr("1.5", fallback); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("parseDecimalOr(\"1.5\") = %s, want 1.5", got)
	}
}
