// Package logging holds the fixed field vocabulary shared by every
// component that logs order lifecycle or execution-mode events, so call
// sites stay short and the field names stay consistent across packages.
package logging

import (
	"log/slog"

	"github.com/shopspring/decimal"

	"reduceclose/pkg/types"
)

// OrderPlaced logs a newly placed closing order.
func OrderPlaced(logger *slog.Logger, symbol string, side types.PositionSide, mode types.ExecutionMode, qty, price decimal.Decimal, reason types.ExitReason) {
	logger.Info("order placed", "symbol", symbol, "side", side, "mode", mode, "qty", qty, "price", price, "reason", reason)
}

// OrderFilled logs a completed fill, maker or taker.
func OrderFilled(logger *slog.Logger, symbol string, side types.PositionSide, mode types.ExecutionMode, qty, price decimal.Decimal, reason types.ExitReason, role string) {
	logger.Info("order filled", "symbol", symbol, "side", side, "mode", mode, "qty", qty, "price", price, "reason", reason, "role", role)
}

// ModeChanged logs a maker/aggressive execution-mode rotation.
func ModeChanged(logger *slog.Logger, symbol string, side types.PositionSide, from, to types.ExecutionMode, reason string) {
	logger.Info("execution mode changed", "symbol", symbol, "side", side, "from", from, "to", to, "reason", reason)
}

// FillRateSnapshot logs the current trailing maker fill rate, either on a
// bucket transition or when forced by periodic housekeeping.
func FillRateSnapshot(logger *slog.Logger, symbol string, side types.PositionSide, bucket string, rate decimal.Decimal, submits, fills int) {
	logger.Info("fill rate snapshot", "symbol", symbol, "side", side, "bucket", bucket, "fill_rate", rate, "submits", submits, "fills", fills)
}
