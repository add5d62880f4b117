package decimalx

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRoundDownToFloorsToStep(t *testing.T) {
	t.Parallel()

	got := RoundDownTo(d("8.0519"), d("0.001"))
	if !got.Equal(d("8.051")) {
		t.Errorf("RoundDownTo(8.0519, 0.001) = %s, want 8.051", got)
	}
}

func TestRoundUpToCeilsToStep(t *testing.T) {
	t.Parallel()

	got := RoundUpTo(d("8.0511"), d("0.001"))
	if !got.Equal(d("8.052")) {
		t.Errorf("RoundUpTo(8.0511, 0.001) = %s, want 8.052", got)
	}
}

func TestRoundUpToExactMultipleIsUnchanged(t *testing.T) {
	t.Parallel()

	got := RoundUpTo(d("8.052"), d("0.001"))
	if !got.Equal(d("8.052")) {
		t.Errorf("RoundUpTo(8.052, 0.001) = %s, want 8.052", got)
	}
}

// round_down_to(x, s) <= x < round_down_to(x, s) + s
func TestRoundDownToBound(t *testing.T) {
	t.Parallel()

	x, step := d("0.19"), d("0.1")
	down := RoundDownTo(x, step)
	if down.GreaterThan(x) {
		t.Fatalf("RoundDownTo must not exceed x: %s > %s", down, x)
	}
	if !down.Add(step).GreaterThan(x) {
		t.Fatalf("RoundDownTo(x,s)+s must exceed x: %s", down.Add(step))
	}
}

// round_up_to(x, s) - s < x <= round_up_to(x, s)
func TestRoundUpToBound(t *testing.T) {
	t.Parallel()

	x, step := d("0.15"), d("0.1")
	up := RoundUpTo(x, step)
	if up.LessThan(x) {
		t.Fatalf("RoundUpTo must not be below x: %s < %s", up, x)
	}
	if !up.Sub(step).LessThan(x) {
		t.Fatalf("RoundUpTo(x,s)-s must be below x")
	}
}

func TestEnsureMinNotionalIdempotent(t *testing.T) {
	t.Parallel()

	qty, price := d("0.001"), d("100")
	minQty, step, minNotional := d("0.001"), d("0.001"), d("5")

	once := EnsureMinNotional(qty, price, minQty, step, minNotional)
	twice := EnsureMinNotional(once, price, minQty, step, minNotional)
	if !once.Equal(twice) {
		t.Errorf("EnsureMinNotional not idempotent: once=%s twice=%s", once, twice)
	}
	if once.Mul(price).LessThan(minNotional) {
		t.Errorf("EnsureMinNotional result %s does not satisfy min notional %s at price %s", once, minNotional, price)
	}
}

func TestIsPositionDoneBoundary(t *testing.T) {
	t.Parallel()

	minQty, step := d("0.01"), d("0.01")

	if IsPositionDone(d("0.01"), minQty, step) {
		t.Error("position exactly at min_qty must be tradable")
	}
	if !IsPositionDone(d("0.0099"), minQty, step) {
		t.Error("position at min_qty - epsilon must be done")
	}
	if !IsPositionDone(d("0"), minQty, step) {
		t.Error("zero position must be done")
	}
}
