package panicclose

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"reduceclose/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func cfg() config.PanicCloseConfig {
	return config.PanicCloseConfig{
		Enabled:    true,
		TTLPercent: "50",
		Tiers: []config.PanicCloseTier{
			{DistToLiq: "0.01", SliceRatio: "1.0", MakerTimeoutsToEscalate: 0},
			{DistToLiq: "0.02", SliceRatio: "0.5", MakerTimeoutsToEscalate: 1},
			{DistToLiq: "0.05", SliceRatio: "0.25", MakerTimeoutsToEscalate: 2},
		},
	}
}

func TestDistanceRatio(t *testing.T) {
	got := DistanceRatio(d("100"), d("99"))
	if !got.Equal(d("0.01")) {
		t.Errorf("DistanceRatio(100,99) = %s, want 0.01", got)
	}
	if got := DistanceRatio(decimal.Zero, d("99")); !got.IsZero() {
		t.Errorf("DistanceRatio with zero mark = %s, want 0", got)
	}
}

func TestEvaluateNotInPanicWhenFarFromLiquidation(t *testing.T) {
	c, err := NewController(cfg(), testLogger())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	_, _, _, _, ok := c.Evaluate("BTCUSDT", "LONG", d("100"), d("80"), 1500)
	if ok {
		t.Fatal("expected no panic tier match far from liquidation")
	}
}

func TestEvaluatePicksTightestMatchingTier(t *testing.T) {
	c, err := NewController(cfg(), testLogger())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	// ratio = (100-99.5)/100 = 0.005, below even the tightest 0.01 tier.
	sliceRatio, ttlOverrideMs, escalate, tierIdx, ok := c.Evaluate("BTCUSDT", "LONG", d("100"), d("99.5"), 1500)
	if !ok {
		t.Fatal("expected panic tier match")
	}
	if !sliceRatio.Equal(d("1.0")) {
		t.Errorf("sliceRatio = %s, want 1.0 (tightest tier)", sliceRatio)
	}
	if ttlOverrideMs != 750 {
		t.Errorf("ttlOverrideMs = %d, want 750 (50%% of 1500)", ttlOverrideMs)
	}
	if escalate != 0 {
		t.Errorf("escalate = %d, want 0", escalate)
	}
	if tierIdx != 0 {
		t.Errorf("tierIdx = %d, want 0", tierIdx)
	}
}

func TestEvaluatePicksMidTier(t *testing.T) {
	c, err := NewController(cfg(), testLogger())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	// ratio = (100-98.5)/100 = 0.015, between 0.01 and 0.02 tiers -> matches 0.02.
	sliceRatio, _, escalate, tierIdx, ok := c.Evaluate("BTCUSDT", "LONG", d("100"), d("98.5"), 1500)
	if !ok {
		t.Fatal("expected panic tier match")
	}
	if !sliceRatio.Equal(d("0.5")) {
		t.Errorf("sliceRatio = %s, want 0.5", sliceRatio)
	}
	if escalate != 1 {
		t.Errorf("escalate = %d, want 1", escalate)
	}
	if tierIdx != 1 {
		t.Errorf("tierIdx = %d, want 1", tierIdx)
	}
}

func TestEvaluateDisabledNeverFires(t *testing.T) {
	c := cfg()
	c.Enabled = false
	ctrl, err := NewController(c, testLogger())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	_, _, _, _, ok := ctrl.Evaluate("BTCUSDT", "LONG", d("100"), d("99"), 1500)
	if ok {
		t.Fatal("expected disabled controller to never fire")
	}
}
