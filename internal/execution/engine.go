// Package execution implements the per-(symbol, position side) closing
// state machine: maker/aggressive pricing, quantity sizing, TTL-driven
// rotation between maker and aggressive mode, late-fill reconciliation, and
// optional fill-rate feedback.
//
// Bookkeeping is stateful and mutex-guarded per (symbol, position side)
// key: each key owns its own order lifecycle, pricing mode, and fill-rate
// counters, independent of every other key.
package execution

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"reduceclose/internal/decimalx"
	"reduceclose/internal/logging"
	"reduceclose/pkg/types"
)

// Params holds the resolved (global-default-merged-with-symbol-override)
// execution tuning for one symbol.
type Params struct {
	OrderTTLMs               int64
	RepostCooldownMs         int64
	BaseLotMult              int
	MaxMult                  int
	MaxOrderNotional         decimal.Decimal
	MakerPriceMode           string // at_touch | inside_spread_1tick | custom_ticks
	MakerNTicks              int
	MakerSafetyTicks         int
	MakerTimeoutsToEscalate  int
	AggrFillsToDeescalate    int
	AggrTimeoutsToDeescalate int
	WSFillGraceMs            int64

	FillRateFeedbackEnabled              bool
	FillRateWindowMs                     int64
	FillRateLowThreshold                 decimal.Decimal
	FillRateHighThreshold                decimal.Decimal
	FillRateLowMakerTimeoutsToEscalate   *int
	FillRateHighMakerTimeoutsToEscalate  *int
}

// TradeMeta is the late-fill reconciliation backstop: role and PnL/fee data
// fetched over REST when a WS confirmation doesn't arrive within the grace
// window.
type TradeMeta struct {
	IsMaker  bool
	HasRole  bool
	PnL      decimal.Decimal
	HasPnL   bool
	Fee      decimal.Decimal
	HasFee   bool
	FeeAsset string
}

// TradeMetaFunc fetches trade metadata for a completed order. Implemented
// by the exchange adapter.
type TradeMetaFunc func(ctx context.Context, symbol, orderID string) (TradeMeta, error)

// CancelFunc cancels a resting order. Implemented by the exchange adapter.
type CancelFunc func(ctx context.Context, symbol, orderID string) error

// FillEvent is emitted once per completed (or late-reconciled) fill.
type FillEvent struct {
	Symbol       string
	PositionSide types.PositionSide
	Mode         types.ExecutionMode
	FilledQty    decimal.Decimal
	AvgPrice     decimal.Decimal
	Reason       types.ExitReason
	Role         string // "maker" | "taker" | "unknown"
	PnL          decimal.Decimal
	HasPnL       bool
	Fee          decimal.Decimal
	HasFee       bool
	FeeAsset     string
}

// FillCallback receives every fill event. Must not block the caller for
// long; the engine invokes it synchronously.
type FillCallback func(FillEvent)

// State is the per-(symbol, position side) execution state machine's data.
// All mutation goes through Engine methods, which hold mu for the duration.
type State struct {
	mu sync.Mutex

	Symbol string
	Side   types.PositionSide

	ExecState types.ExecutionState
	Mode      types.ExecutionMode

	CurrentOrderID        string
	CurrentOrderPlacedMs  int64
	CurrentOrderMode      types.ExecutionMode
	CurrentOrderReason    types.ExitReason
	CurrentOrderIsRisk    bool
	CurrentOrderFilledQty decimal.Decimal

	LastCompletedOrderID      string
	LastCompletedMs           int64
	PendingFillLog            bool
	LastCompletedFilledQty    decimal.Decimal
	LastCompletedAvgPrice     decimal.Decimal
	LastCompletedMode         types.ExecutionMode
	LastCompletedReason       types.ExitReason
	LastCompletedRealizedPnL decimal.Decimal
	LastCompletedHasPnL       bool
	LastCompletedFee          decimal.Decimal
	LastCompletedHasFee       bool
	LastCompletedFeeAsset     string

	TTLMsOverride                   *int64
	MakerTimeoutsToEscalateOverride *int

	MakerTimeoutCount int
	AggrTimeoutCount  int
	AggrFillCount     int

	recentMakerSubmits []int64
	recentMakerFills   []int64
	FillRate           decimal.Decimal
	HasFillRate        bool
	FillRateBucket     string
	fillRateOverride   *int
}

// Engine owns one symbol's two per-side state machines plus the collaborator
// functions (cancel, trade-meta lookup, fill notification) every side loop
// needs.
type Engine struct {
	symbol string
	rules  types.InstrumentRule
	params Params

	cancel    CancelFunc
	tradeMeta TradeMetaFunc
	onFill    FillCallback
	logger    *slog.Logger

	mu     sync.Mutex
	states map[types.PositionSide]*State
}

// NewEngine builds a per-symbol execution engine.
func NewEngine(symbol string, rules types.InstrumentRule, params Params, cancel CancelFunc, tradeMeta TradeMetaFunc, onFill FillCallback, logger *slog.Logger) *Engine {
	return &Engine{
		symbol:    symbol,
		rules:     rules,
		params:    params,
		cancel:    cancel,
		tradeMeta: tradeMeta,
		onFill:    onFill,
		logger:    logger,
		states:    make(map[types.PositionSide]*State),
	}
}

// SetInstrumentRule swaps in a freshly calibrated rule set (tick/step/min
// quantity/min notional reload).
func (e *Engine) SetInstrumentRule(rules types.InstrumentRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

func (e *Engine) instrumentRule() types.InstrumentRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rules
}

// GetState returns (creating if necessary) the state machine for a side.
func (e *Engine) GetState(side types.PositionSide) *State {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[side]
	if !ok {
		st = &State{Symbol: e.symbol, Side: side, ExecState: types.StateIdle, Mode: types.ModeMakerOnly}
		e.states[side] = st
	}
	return st
}

// --- pricing ---

// BuildMakerPrice computes the post-only maker quote, flattened to tick and
// then forced at least MakerSafetyTicks ticks inside the book so GTX can
// never reject it as crossing.
func (e *Engine) BuildMakerPrice(side types.PositionSide, bestBid, bestAsk decimal.Decimal) decimal.Decimal {
	rules := e.instrumentRule()
	tick := rules.TickSize
	safety := decimal.NewFromInt(int64(e.params.MakerSafetyTicks))

	var price decimal.Decimal
	if side == types.Long {
		switch e.params.MakerPriceMode {
		case "at_touch":
			price = bestAsk
		case "custom_ticks":
			price = bestAsk.Sub(tick.Mul(decimal.NewFromInt(int64(e.params.MakerNTicks))))
		default: // inside_spread_1tick, and the fallback
			price = bestAsk.Sub(tick)
		}
		price = decimalx.RoundDownTo(price, tick)

		minMakerPrice := decimalx.RoundDownTo(bestBid, tick).Add(tick.Mul(safety))
		if price.LessThan(minMakerPrice) {
			price = minMakerPrice
		}
		return price
	}

	switch e.params.MakerPriceMode {
	case "at_touch":
		price = bestBid
	case "custom_ticks":
		price = bestBid.Add(tick.Mul(decimal.NewFromInt(int64(e.params.MakerNTicks))))
	default:
		price = bestBid.Add(tick)
	}
	price = decimalx.RoundUpTo(price, tick)

	maxMakerPrice := decimalx.RoundUpTo(bestAsk, tick).Sub(tick.Mul(safety))
	if maxMakerPrice.Sign() <= 0 {
		maxMakerPrice = tick
	}
	if price.GreaterThan(maxMakerPrice) {
		price = maxMakerPrice
	}
	return price
}

// BuildAggressiveLimitPrice computes the crossing (GTC, non-post-only) price.
func (e *Engine) BuildAggressiveLimitPrice(side types.PositionSide, bestBid, bestAsk decimal.Decimal) decimal.Decimal {
	tick := e.instrumentRule().TickSize
	if side == types.Long {
		return decimalx.RoundDownTo(bestBid, tick)
	}
	return decimalx.RoundUpTo(bestAsk, tick)
}

// --- quantity ---

// ComputeQty sizes a signal-driven closing order: base_lot_mult scaled by
// the signal's ROI/acceleration multipliers (capped at MaxMult), clamped to
// the open position and the notional cap, floored to step size. Returns
// zero when the floored result would fall below min_qty.
func (e *Engine) ComputeQty(positionAmt, lastTradePrice decimal.Decimal, roiMult, accelMult int) decimal.Decimal {
	rules := e.instrumentRule()
	absPos := positionAmt.Abs()
	if absPos.LessThan(rules.MinQty) {
		return decimal.Zero
	}

	baseMult := maxInt(e.params.BaseLotMult, 1)
	roiMult = maxInt(roiMult, 1)
	accelMult = maxInt(accelMult, 1)
	maxMult := maxInt(e.params.MaxMult, 1)

	finalMult := baseMult * roiMult * accelMult
	if finalMult > maxMult {
		finalMult = maxMult
	}

	qty := rules.MinQty.Mul(decimal.NewFromInt(int64(finalMult)))
	qty = decimal.Min(qty, absPos)

	if lastTradePrice.IsPositive() && e.params.MaxOrderNotional.IsPositive() {
		maxQtyByNotional := e.params.MaxOrderNotional.Div(lastTradePrice)
		qty = decimal.Min(qty, maxQtyByNotional)
	}

	qty = decimalx.RoundDownTo(qty, rules.StepSize)
	if qty.LessThan(rules.MinQty) {
		return decimal.Zero
	}
	return qty
}

// ComputePanicQty sizes a tiered forced-liquidation slice: slice_ratio of
// the position, unconstrained by MaxMult/MaxOrderNotional. If the flooring
// would drop the slice to zero but the position still clears min_qty, one
// min_qty sliver is used instead of skipping the close entirely.
func (e *Engine) ComputePanicQty(positionAmt, sliceRatio decimal.Decimal) decimal.Decimal {
	rules := e.instrumentRule()
	absPos := positionAmt.Abs()
	if absPos.LessThan(rules.MinQty) || sliceRatio.Sign() <= 0 {
		return decimal.Zero
	}

	qty := decimalx.RoundDownTo(absPos.Mul(sliceRatio), rules.StepSize)
	if qty.LessThan(rules.MinQty) {
		qty = rules.MinQty
	}
	if qty.GreaterThan(absPos) {
		qty = decimalx.RoundDownTo(absPos, rules.StepSize)
	}
	if qty.LessThan(rules.MinQty) {
		return decimal.Zero
	}
	return qty
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// IsPositionDone reports whether the position on this side has been
// fully closed down to dust.
func (e *Engine) IsPositionDone(positionAmt decimal.Decimal) bool {
	rules := e.instrumentRule()
	return decimalx.IsPositionDone(positionAmt, rules.MinQty, rules.StepSize)
}

// --- mode rotation ---

func (e *Engine) setMode(st *State, newMode types.ExecutionMode, reason string) {
	if st.Mode == newMode {
		return
	}
	from := st.Mode
	st.Mode = newMode
	st.MakerTimeoutCount = 0
	st.AggrTimeoutCount = 0
	st.AggrFillCount = 0
	if e.logger != nil {
		logging.ModeChanged(e.logger, st.Symbol, st.Side, from, newMode, reason)
	}
}

func (e *Engine) effectiveEscalateThreshold(st *State) int {
	if st.MakerTimeoutsToEscalateOverride != nil {
		return *st.MakerTimeoutsToEscalateOverride
	}
	if st.fillRateOverride != nil {
		return *st.fillRateOverride
	}
	return e.params.MakerTimeoutsToEscalate
}

// --- fill-rate feedback ---

func (e *Engine) updateFillRate(st *State, nowMs int64, isSubmit, isFill bool) {
	if !e.params.FillRateFeedbackEnabled {
		return
	}
	if isSubmit {
		st.recentMakerSubmits = append(st.recentMakerSubmits, nowMs)
	}
	if isFill {
		st.recentMakerFills = append(st.recentMakerFills, nowMs)
	}

	cutoff := nowMs - e.params.FillRateWindowMs
	st.recentMakerSubmits = trimBefore(st.recentMakerSubmits, cutoff)
	st.recentMakerFills = trimBefore(st.recentMakerFills, cutoff)

	submits := len(st.recentMakerSubmits)
	if submits == 0 {
		st.HasFillRate = false
		st.FillRateBucket = ""
		st.fillRateOverride = nil
		return
	}
	fills := len(st.recentMakerFills)
	rate := decimal.NewFromInt(int64(fills)).Div(decimal.NewFromInt(int64(submits)))

	var bucket string
	var override *int
	switch {
	case rate.LessThan(e.params.FillRateLowThreshold):
		bucket = "low"
		override = e.params.FillRateLowMakerTimeoutsToEscalate
	case rate.GreaterThan(e.params.FillRateHighThreshold):
		bucket = "high"
		override = e.params.FillRateHighMakerTimeoutsToEscalate
	default:
		bucket = "mid"
		override = nil
	}

	if bucket != st.FillRateBucket && e.logger != nil {
		logging.FillRateSnapshot(e.logger, st.Symbol, st.Side, bucket, rate, submits, fills)
	}

	st.FillRate = rate
	st.HasFillRate = true
	st.FillRateBucket = bucket
	st.fillRateOverride = override
}

// LogFillRateSnapshot forces a fill-rate log line for a side regardless of
// whether its bucket just changed, for periodic housekeeping rather than
// on-transition diagnostics.
func (e *Engine) LogFillRateSnapshot(side types.PositionSide) {
	st := e.GetState(side)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.HasFillRate || e.logger == nil {
		return
	}
	logging.FillRateSnapshot(e.logger, st.Symbol, st.Side, st.FillRateBucket, st.FillRate, len(st.recentMakerSubmits), len(st.recentMakerFills))
}

func trimBefore(ts []int64, cutoff int64) []int64 {
	i := 0
	for i < len(ts) && ts[i] < cutoff {
		i++
	}
	if i == 0 {
		return ts
	}
	return ts[i:]
}

// --- signal / panic intake ---

// OnSignal builds an OrderIntent for a fresh closing signal, if the side is
// IDLE, the position isn't already done, and the computed quantity is
// nonzero. On success it transitions the side to PLACING.
func (e *Engine) OnSignal(signal types.ExitSignal, positionAmt decimal.Decimal, market types.MarketState, nowMs int64) (types.OrderIntent, bool) {
	st := e.GetState(signal.PositionSide)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ExecState != types.StateIdle {
		return types.OrderIntent{}, false
	}
	if e.IsPositionDone(positionAmt) {
		return types.OrderIntent{}, false
	}

	qty := e.ComputeQty(positionAmt, market.LastTradePrice, signal.ROIMult, signal.AccelMult)
	if qty.Sign() <= 0 {
		return types.OrderIntent{}, false
	}

	var price decimal.Decimal
	var tif types.TimeInForce
	if st.Mode == types.ModeAggressiveLimit {
		price = e.BuildAggressiveLimitPrice(signal.PositionSide, market.BestBid, market.BestAsk)
		tif = types.TIFGoodTilCancel
	} else {
		price = e.BuildMakerPrice(signal.PositionSide, market.BestBid, market.BestAsk)
		tif = types.TIFPostOnly
	}

	side := types.Sell
	if signal.PositionSide == types.Short {
		side = types.Buy
	}

	intent := types.OrderIntent{
		Symbol:       signal.Symbol,
		Side:         side,
		PositionSide: signal.PositionSide,
		Qty:          qty,
		Price:        price,
		OrderType:    types.OrderTypeLimit,
		TimeInForce:  tif,
		ReduceOnly:   true,
	}

	st.ExecState = types.StatePlacing
	st.CurrentOrderPlacedMs = nowMs
	st.CurrentOrderMode = st.Mode
	st.CurrentOrderReason = signal.Reason
	st.CurrentOrderIsRisk = false
	st.CurrentOrderFilledQty = decimal.Zero

	return intent, true
}

// OnPanicClose builds a reduce-only LIMIT close slice (maker GTX or
// aggressive GTC, by the side's current mode) for the tiered
// forced-liquidation controller. It needs no signal but still requires
// IDLE state.
func (e *Engine) OnPanicClose(symbol string, side types.PositionSide, positionAmt decimal.Decimal, market types.MarketState, sliceRatio decimal.Decimal, ttlOverrideMs int64, escalateOverride *int, nowMs int64) (types.OrderIntent, bool) {
	st := e.GetState(side)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ExecState != types.StateIdle {
		return types.OrderIntent{}, false
	}
	if e.IsPositionDone(positionAmt) {
		return types.OrderIntent{}, false
	}

	qty := e.ComputePanicQty(positionAmt, sliceRatio)
	if qty.Sign() <= 0 {
		return types.OrderIntent{}, false
	}

	var price decimal.Decimal
	var tif types.TimeInForce
	if st.Mode == types.ModeAggressiveLimit {
		price = e.BuildAggressiveLimitPrice(side, market.BestBid, market.BestAsk)
		tif = types.TIFGoodTilCancel
	} else {
		price = e.BuildMakerPrice(side, market.BestBid, market.BestAsk)
		tif = types.TIFPostOnly
	}

	orderSide := types.Sell
	if side == types.Short {
		orderSide = types.Buy
	}

	intent := types.OrderIntent{
		Symbol:       symbol,
		Side:         orderSide,
		PositionSide: side,
		Qty:          qty,
		Price:        price,
		OrderType:    types.OrderTypeLimit,
		TimeInForce:  tif,
		ReduceOnly:   true,
		IsRisk:       true,
	}

	st.ExecState = types.StatePlacing
	st.CurrentOrderPlacedMs = nowMs
	st.CurrentOrderMode = st.Mode
	st.CurrentOrderReason = types.ReasonPanicClose
	st.CurrentOrderIsRisk = true
	st.CurrentOrderFilledQty = decimal.Zero
	if ttlOverrideMs > 0 {
		ms := ttlOverrideMs
		st.TTLMsOverride = &ms
	}
	st.MakerTimeoutsToEscalateOverride = escalateOverride

	return intent, true
}

// OnOrderPlaced applies the exchange's synchronous response to a just-sent
// order: success moves the side to WAITING (or directly reconciles an
// already-FILLED synchronous response); failure moves it to COOLDOWN.
func (e *Engine) OnOrderPlaced(intent types.OrderIntent, result types.OrderResult, nowMs int64) {
	st := e.GetState(intent.PositionSide)
	st.mu.Lock()
	defer st.mu.Unlock()

	if result.Success && result.OrderID != "" {
		st.ExecState = types.StateWaiting
		st.CurrentOrderID = result.OrderID
		st.CurrentOrderPlacedMs = nowMs
		st.CurrentOrderFilledQty = result.FilledQty

		orderMode := st.CurrentOrderMode
		if !intent.IsRisk && orderMode == types.ModeMakerOnly {
			e.updateFillRate(st, nowMs, true, false)
		}

		if result.Status == types.StatusFilled {
			st.LastCompletedOrderID = result.OrderID
			st.LastCompletedMs = nowMs
			st.PendingFillLog = true
			st.LastCompletedFilledQty = result.FilledQty
			st.LastCompletedAvgPrice = result.AvgPrice
			st.LastCompletedMode = orderMode
			st.LastCompletedReason = st.CurrentOrderReason
			st.LastCompletedHasPnL = false
			st.LastCompletedHasFee = false
			e.completeFillLocked(st, nowMs, false)
		}
		return
	}

	st.ExecState = types.StateCooldown
	st.CurrentOrderID = ""
	st.CurrentOrderPlacedMs = nowMs
	st.CurrentOrderIsRisk = false
	st.CurrentOrderFilledQty = decimal.Zero
}

// completeFillLocked transitions a completed order back to IDLE, applying
// mode-rotation bookkeeping. Caller must hold st.mu.
func (e *Engine) completeFillLocked(st *State, nowMs int64, emitFill bool) {
	executedMode := st.CurrentOrderMode

	if emitFill && e.onFill != nil {
		e.onFill(FillEvent{
			Symbol:       st.Symbol,
			PositionSide: st.Side,
			Mode:         executedMode,
			FilledQty:    st.CurrentOrderFilledQty,
			AvgPrice:     st.LastCompletedAvgPrice,
			Reason:       st.CurrentOrderReason,
			Role:         "unknown",
		})
	}

	if !st.CurrentOrderIsRisk && executedMode == types.ModeMakerOnly {
		e.updateFillRate(st, nowMs, false, true)
	}

	if executedMode == types.ModeMakerOnly {
		st.MakerTimeoutCount = 0
	} else if executedMode == types.ModeAggressiveLimit {
		st.AggrTimeoutCount = 0
		st.AggrFillCount++
		if e.params.AggrFillsToDeescalate > 0 && st.AggrFillCount >= e.params.AggrFillsToDeescalate {
			e.setMode(st, types.ModeMakerOnly, "aggr_fill_deescalate")
		}
	}

	st.ExecState = types.StateIdle
	st.CurrentOrderID = ""
	st.CurrentOrderPlacedMs = 0
	st.CurrentOrderIsRisk = false
	st.CurrentOrderFilledQty = decimal.Zero
}

func shouldAcceptLateFill(st *State, update types.OrderUpdate, nowMs int64, graceMs int64) bool {
	if !st.PendingFillLog || st.LastCompletedOrderID == "" {
		return false
	}
	if update.OrderID != st.LastCompletedOrderID {
		return false
	}
	if nowMs-st.LastCompletedMs > graceMs {
		return false
	}
	return update.Status == types.StatusFilled && update.FilledQty.IsPositive()
}

func (e *Engine) flushPendingFillIfExpiredLocked(ctx context.Context, st *State, nowMs int64) {
	if !st.PendingFillLog {
		return
	}
	if nowMs-st.LastCompletedMs <= e.params.WSFillGraceMs {
		return
	}

	role := "unknown"
	var pnl, fee decimal.Decimal
	var hasPnL, hasFee bool
	feeAsset := ""

	if e.tradeMeta != nil && st.LastCompletedOrderID != "" {
		meta, err := e.tradeMeta(ctx, st.Symbol, st.LastCompletedOrderID)
		if err == nil {
			if meta.HasRole {
				if meta.IsMaker {
					role = "maker"
				} else {
					role = "taker"
				}
			}
			if meta.HasPnL {
				pnl, hasPnL = meta.PnL, true
			}
			if meta.HasFee {
				fee, hasFee = meta.Fee, true
				feeAsset = meta.FeeAsset
			}
		} else if e.logger != nil {
			e.logger.Warn("trade meta lookup failed", "symbol", st.Symbol, "order_id", st.LastCompletedOrderID, "error", err)
		}
	}
	if !hasPnL && st.LastCompletedHasPnL {
		pnl, hasPnL = st.LastCompletedRealizedPnL, true
	}
	if !hasFee && st.LastCompletedHasFee {
		fee, hasFee = st.LastCompletedFee, true
		feeAsset = st.LastCompletedFeeAsset
	}

	if e.onFill != nil {
		e.onFill(FillEvent{
			Symbol:       st.Symbol,
			PositionSide: st.Side,
			Mode:         st.LastCompletedMode,
			FilledQty:    st.LastCompletedFilledQty,
			AvgPrice:     st.LastCompletedAvgPrice,
			Reason:       st.LastCompletedReason,
			Role:         role,
			PnL:          pnl,
			HasPnL:       hasPnL,
			Fee:          fee,
			HasFee:       hasFee,
			FeeAsset:     feeAsset,
		})
	}

	st.PendingFillLog = false
	st.LastCompletedMs = nowMs
}

// OnOrderUpdate processes one user-data order-trade update for this side.
func (e *Engine) OnOrderUpdate(ctx context.Context, update types.OrderUpdate, nowMs int64) {
	st := e.GetState(update.PositionSide)
	st.mu.Lock()
	defer st.mu.Unlock()

	e.flushPendingFillIfExpiredLocked(ctx, st, nowMs)

	if st.CurrentOrderID != update.OrderID {
		if shouldAcceptLateFill(st, update, nowMs, e.params.WSFillGraceMs) {
			role := "unknown"
			if update.IsMaker != nil {
				if *update.IsMaker {
					role = "maker"
				} else {
					role = "taker"
				}
			}
			if e.onFill != nil {
				var pnl, fee decimal.Decimal
				var hasPnL, hasFee bool
				if update.RealizedPnL != nil {
					pnl, hasPnL = *update.RealizedPnL, true
				}
				if update.Fee != nil {
					fee, hasFee = *update.Fee, true
				}
				e.onFill(FillEvent{
					Symbol:       update.Symbol,
					PositionSide: update.PositionSide,
					Mode:         st.LastCompletedMode,
					FilledQty:    update.FilledQty,
					AvgPrice:     update.AvgPrice,
					Reason:       st.LastCompletedReason,
					Role:         role,
					PnL:          pnl,
					HasPnL:       hasPnL,
					Fee:          fee,
					HasFee:       hasFee,
					FeeAsset:     update.FeeAsset,
				})
			}
			st.PendingFillLog = false
			st.LastCompletedOrderID = ""
			st.LastCompletedMs = 0
		}
		return
	}

	switch update.Status {
	case types.StatusFilled:
		st.CurrentOrderFilledQty = update.FilledQty
		st.LastCompletedAvgPrice = update.AvgPrice
		e.completeFillLocked(st, nowMs, true)
	case types.StatusCanceled:
		st.ExecState = types.StateCooldown
		st.CurrentOrderID = ""
		st.CurrentOrderPlacedMs = nowMs
		st.CurrentOrderIsRisk = false
		st.CurrentOrderFilledQty = decimal.Zero
	case types.StatusRejected:
		st.ExecState = types.StateIdle
		st.CurrentOrderID = ""
		st.CurrentOrderPlacedMs = 0
		st.CurrentOrderIsRisk = false
		st.CurrentOrderFilledQty = decimal.Zero
	case types.StatusExpired:
		st.ExecState = types.StateCooldown
		st.CurrentOrderID = ""
		st.CurrentOrderPlacedMs = nowMs
		st.CurrentOrderIsRisk = false
		st.CurrentOrderFilledQty = decimal.Zero
	case types.StatusPartiallyFilled:
		st.CurrentOrderFilledQty = update.FilledQty
		orderMode := st.CurrentOrderMode
		if update.FilledQty.IsPositive() {
			if orderMode == types.ModeMakerOnly {
				st.MakerTimeoutCount = 0
			} else if orderMode == types.ModeAggressiveLimit {
				st.AggrTimeoutCount = 0
				if st.Mode != types.ModeMakerOnly {
					e.setMode(st, types.ModeMakerOnly, "partial_fill_deescalate")
				}
			}
		}
	}
}

// CheckTimeout cancels a resting order once its TTL has elapsed (inclusive
// comparison: elapsed==TTL counts as timed out), rotating the execution
// mode according to the maker-timeout/aggr-timeout counters. Returns true
// if a cancel was issued.
func (e *Engine) CheckTimeout(ctx context.Context, side types.PositionSide, nowMs int64) bool {
	st := e.GetState(side)
	st.mu.Lock()

	e.flushPendingFillIfExpiredLocked(ctx, st, nowMs)
	if !st.PendingFillLog && st.LastCompletedOrderID != "" {
		if nowMs-st.LastCompletedMs > e.params.WSFillGraceMs {
			st.LastCompletedOrderID = ""
			st.LastCompletedMs = 0
		}
	}

	if st.ExecState != types.StateWaiting {
		st.mu.Unlock()
		return false
	}

	orderMode := st.CurrentOrderMode
	ttl := e.params.OrderTTLMs
	if st.TTLMsOverride != nil {
		ttl = *st.TTLMsOverride
	}
	elapsed := nowMs - st.CurrentOrderPlacedMs
	if elapsed < ttl {
		st.mu.Unlock()
		return false
	}

	hadFill := st.CurrentOrderFilledQty.IsPositive()

	if orderMode == types.ModeAggressiveLimit {
		if hadFill {
			st.AggrTimeoutCount = 0
		} else {
			st.AggrTimeoutCount++
		}
	} else {
		if hadFill {
			st.MakerTimeoutCount = 0
		} else {
			st.MakerTimeoutCount++
		}
	}

	if orderMode == types.ModeMakerOnly {
		if threshold := e.effectiveEscalateThreshold(st); threshold > 0 && st.MakerTimeoutCount >= threshold {
			e.setMode(st, types.ModeAggressiveLimit, "maker_timeout_escalate")
		}
	} else if orderMode == types.ModeAggressiveLimit {
		if e.params.AggrTimeoutsToDeescalate > 0 && st.AggrTimeoutCount >= e.params.AggrTimeoutsToDeescalate {
			e.setMode(st, types.ModeMakerOnly, "aggr_timeout_deescalate")
		} else if hadFill && st.Mode != types.ModeMakerOnly {
			e.setMode(st, types.ModeMakerOnly, "partial_fill_deescalate")
		}
	}

	orderID := st.CurrentOrderID
	symbol := st.Symbol
	// Issue the cancel, then go directly to COOLDOWN: the CANCELING state
	// would otherwise be overwritten on the very next line, so there is no
	// externally-observable window where it matters.
	st.ExecState = types.StateCooldown
	st.CurrentOrderPlacedMs = nowMs
	st.mu.Unlock()

	if orderID != "" && e.cancel != nil {
		if err := e.cancel(ctx, symbol, orderID); err != nil && e.logger != nil {
			e.logger.Warn("cancel request failed", "symbol", symbol, "order_id", orderID, "error", err)
		}
	}

	return true
}

// CheckCooldown transitions COOLDOWN -> IDLE once repost_cooldown_ms has
// elapsed. Returns true if the transition happened.
func (e *Engine) CheckCooldown(side types.PositionSide, nowMs int64) bool {
	st := e.GetState(side)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.ExecState != types.StateCooldown {
		return false
	}
	if nowMs-st.CurrentOrderPlacedMs < e.params.RepostCooldownMs {
		return false
	}
	st.ExecState = types.StateIdle
	st.CurrentOrderPlacedMs = 0
	return true
}

// Snapshot returns a value copy of the current state for read-only
// inspection (metrics, tests) without exposing the internal mutex.
func (e *Engine) Snapshot(side types.PositionSide) State {
	st := e.GetState(side)
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *st
	cp.mu = sync.Mutex{}
	return cp
}
