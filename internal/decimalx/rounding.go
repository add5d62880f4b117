// Package decimalx implements tick/step rounding and the monotonic clock
// source shared by every component that touches prices, quantities, or
// timestamps. All arithmetic is exact decimal (github.com/shopspring/decimal);
// no value on the money path is ever converted to a binary float.
//
// Floor/ceil rounding to an exchange tick or lot step, expressed directly
// over decimal.Decimal rather than float64 so repeated rounding never drifts.
package decimalx

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundDownTo returns the largest multiple of step that is <= value.
// step must be strictly positive; if it is not, value is returned unchanged.
func RoundDownTo(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	quotient := value.Div(step).Floor()
	return quotient.Mul(step)
}

// RoundUpTo returns the smallest multiple of step that is >= value.
// step must be strictly positive; if it is not, value is returned unchanged.
func RoundUpTo(value, step decimal.Decimal) decimal.Decimal {
	if step.Sign() <= 0 {
		return value
	}
	floored := RoundDownTo(value, step)
	if floored.Equal(value) {
		return floored
	}
	return floored.Add(step)
}

// EnsureMinNotional grows qty to satisfy rules.MinNotional at the given
// price, rounding the grown quantity up to StepSize. Idempotent: applying it
// twice gives the same result as applying it once.
func EnsureMinNotional(qty, price, minQty, stepSize, minNotional decimal.Decimal) decimal.Decimal {
	if price.Sign() <= 0 || minNotional.Sign() <= 0 {
		return qty
	}
	if qty.Mul(price).GreaterThanOrEqual(minNotional) {
		return qty
	}
	needed := RoundUpTo(minNotional.Div(price), stepSize)
	if needed.LessThan(minQty) {
		return minQty
	}
	return needed
}

// IsPositionDone reports whether the absolute position amount, once floored
// to stepSize, is zero or below minQty — i.e. no further reduce-only order
// can legally be placed against it.
func IsPositionDone(amt, minQty, stepSize decimal.Decimal) bool {
	abs := amt.Abs()
	rounded := RoundDownTo(abs, stepSize)
	return rounded.IsZero() || rounded.LessThan(minQty)
}

// Clock is the time source abstraction used throughout the executor, so
// tests can substitute a fake without a real sleep. Keeps a monotonic clock
// (NowMs) separate from wall-clock timestamps used only for logging.
type Clock interface {
	NowMs() int64
}

// SystemClock is the production Clock backed by time.Now().
type SystemClock struct{}

// clockBase anchors SystemClock: NowMs advances by the monotonic time
// elapsed since clockBase, so wall-clock steps do not move it.
var clockBase = time.Now()

// NowMs returns the current time as Unix milliseconds, anchored at process
// start and advanced by the monotonic clock.
func (SystemClock) NowMs() int64 {
	return clockBase.UnixMilli() + time.Since(clockBase).Milliseconds()
}
