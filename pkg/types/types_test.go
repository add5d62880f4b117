package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestPositionSideValues(t *testing.T) {
	t.Parallel()

	if Long == Short {
		t.Fatal("Long and Short must be distinct")
	}
}

func TestOrderIntentZeroValueIsNotReduceOnly(t *testing.T) {
	t.Parallel()

	var intent OrderIntent
	if intent.ReduceOnly {
		t.Error("zero-value OrderIntent must not default to reduce-only")
	}
	if !intent.Qty.Equal(decimal.Zero) {
		t.Error("zero-value OrderIntent must carry zero qty")
	}
}

func TestRiskFlagHasDistToLiqGating(t *testing.T) {
	t.Parallel()

	flag := RiskFlag{Symbol: "BTCUSDT", PositionSide: Long}
	if flag.HasDistToLiq {
		t.Error("RiskFlag without an explicit dist_to_liq must report HasDistToLiq=false")
	}
}
