// Package signal implements the per-symbol closing-signal engine: ROI and
// acceleration tiered multipliers, throttled by a minimum signal interval,
// with an improvement tie-break when the primary throttle is still open.
//
// State is kept per (symbol, position side): a trimmed sliding window of
// trade-price samples for the acceleration window, and the last fired
// signal's timestamp, tier, and touch prices for the primary throttle and
// improvement tie-break.
package signal

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"reduceclose/internal/config"
	"reduceclose/pkg/types"
)

type tierEntry struct {
	threshold decimal.Decimal
	mult      int
}

func parseTiers(raw []config.Tier) ([]tierEntry, error) {
	out := make([]tierEntry, 0, len(raw))
	for _, t := range raw {
		threshold, err := decimal.NewFromString(t.Threshold)
		if err != nil {
			return nil, fmt.Errorf("parse tier threshold %q: %w", t.Threshold, err)
		}
		mult := t.Mult
		if mult < 1 {
			mult = 1
		}
		out = append(out, tierEntry{threshold: threshold, mult: mult})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].threshold.GreaterThan(out[j].threshold) })
	return out, nil
}

// matchTier returns the first (highest-threshold) tier whose threshold the
// value meets or exceeds, evaluated in descending-threshold order.
func matchTier(tiers []tierEntry, value decimal.Decimal) (tierEntry, bool) {
	for _, t := range tiers {
		if value.GreaterThanOrEqual(t.threshold) {
			return t, true
		}
	}
	return tierEntry{}, false
}

type sample struct {
	ms    int64
	price decimal.Decimal
}

type sideKey struct {
	symbol string
	side   types.PositionSide
}

type sideState struct {
	lastSignalMs      int64
	hasLastTier       bool
	lastTierThreshold decimal.Decimal
	lastBid           decimal.Decimal
	lastAsk           decimal.Decimal
}

// Engine evaluates closing signals for every (symbol, position side) with an
// open position, given ROI and acceleration tier tables and a per-side
// minimum signal interval throttle.
type Engine struct {
	mu sync.Mutex

	roiTiers            []tierEntry
	accelTiers          []tierEntry
	accelWindowMs       int64
	minSignalIntervalMs int64

	trades    map[string][]sample
	sideState map[sideKey]*sideState
}

// NewEngine builds a signal engine from the ROI/acceleration tier config and
// the per-side throttle interval. Tiers are parsed once and sorted so
// evaluation always walks highest-threshold-first.
func NewEngine(roi config.ROIConfig, accel config.AccelConfig, minSignalIntervalMs int64) (*Engine, error) {
	roiTiers, err := parseTiers(roi.Tiers)
	if err != nil {
		return nil, fmt.Errorf("roi tiers: %w", err)
	}
	accelTiers, err := parseTiers(accel.Tiers)
	if err != nil {
		return nil, fmt.Errorf("accel tiers: %w", err)
	}
	return &Engine{
		roiTiers:            roiTiers,
		accelTiers:          accelTiers,
		accelWindowMs:       accel.WindowMs,
		minSignalIntervalMs: minSignalIntervalMs,
		trades:              make(map[string][]sample),
		sideState:           make(map[sideKey]*sideState),
	}, nil
}

// RecordMarketEvent feeds one market update into the acceleration window's
// trade-price history. Call on every market event, before Evaluate, for
// every symbol with a configured side — independent of whether a position
// is currently open on either side.
func (e *Engine) RecordMarketEvent(symbol string, market types.MarketState, nowMs int64) {
	if !market.LastTradePrice.IsPositive() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := e.trades[symbol]
	if len(buf) == 0 || !buf[len(buf)-1].price.Equal(market.LastTradePrice) {
		buf = append(buf, sample{ms: nowMs, price: market.LastTradePrice})
	}
	cutoff := nowMs - e.accelWindowMs
	i := 0
	for i < len(buf) && buf[i].ms < cutoff {
		i++
	}
	if i > 0 {
		buf = buf[i:]
	}
	e.trades[symbol] = buf
}

func (e *Engine) windowStartPrice(symbol string) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	buf := e.trades[symbol]
	if len(buf) == 0 {
		return decimal.Zero, false
	}
	return buf[0].price, true
}

// Evaluate checks one (symbol, position side) for a closing signal. It
// returns false when no ROI tier is satisfied, or when a tier is satisfied
// but the primary throttle hasn't expired and no tick-based improvement
// qualifies for the tie-break. The caller is responsible for calling this
// only when state.state==IDLE and a non-zero position exists on this side.
func (e *Engine) Evaluate(symbol string, side types.PositionSide, position types.Position, market types.MarketState, nowMs int64) (types.ExitSignal, bool) {
	entry := position.EntryPrice
	last := market.LastTradePrice
	if entry.IsZero() || !last.IsPositive() {
		return types.ExitSignal{}, false
	}

	var roi decimal.Decimal
	switch side {
	case types.Long:
		roi = last.Sub(entry).Div(entry)
	case types.Short:
		roi = entry.Sub(last).Div(entry)
	default:
		return types.ExitSignal{}, false
	}

	roiTier, ok := matchTier(e.roiTiers, roi)
	if !ok {
		return types.ExitSignal{}, false
	}

	accelMult := 1
	if start, ok := e.windowStartPrice(symbol); ok && start.IsPositive() {
		var ret decimal.Decimal
		switch side {
		case types.Long:
			ret = last.Sub(start).Div(start)
		case types.Short:
			ret = start.Sub(last).Div(start)
		}
		if at, ok := matchTier(e.accelTiers, ret); ok {
			accelMult = at.mult
		}
	}

	key := sideKey{symbol: symbol, side: side}

	e.mu.Lock()
	st, exists := e.sideState[key]
	if !exists {
		st = &sideState{}
		e.sideState[key] = st
	}
	elapsed := nowMs - st.lastSignalMs
	canPrimary := elapsed >= e.minSignalIntervalMs

	if canPrimary {
		st.lastSignalMs = nowMs
		st.hasLastTier = true
		st.lastTierThreshold = roiTier.threshold
		st.lastBid = market.BestBid
		st.lastAsk = market.BestAsk
		e.mu.Unlock()
		return buildSignal(symbol, side, primaryReason(side), roiTier.mult, accelMult, market, nowMs), true
	}

	// Throttled: only an improvement tie-break at the same tier can fire.
	sameTier := st.hasLastTier && st.lastTierThreshold.Equal(roiTier.threshold)
	improved := false
	switch side {
	case types.Long:
		improved = sameTier && market.BestBid.GreaterThan(st.lastBid)
	case types.Short:
		improved = sameTier && market.BestAsk.LessThan(st.lastAsk)
	}
	if !improved {
		e.mu.Unlock()
		return types.ExitSignal{}, false
	}
	st.lastBid = market.BestBid
	st.lastAsk = market.BestAsk
	e.mu.Unlock()

	return buildSignal(symbol, side, improveReason(side), roiTier.mult, accelMult, market, nowMs), true
}

func primaryReason(side types.PositionSide) types.ExitReason {
	if side == types.Long {
		return types.ReasonLongPrimary
	}
	return types.ReasonShortPrimary
}

func improveReason(side types.PositionSide) types.ExitReason {
	if side == types.Long {
		return types.ReasonLongBidImprove
	}
	return types.ReasonShortAskImprove
}

func buildSignal(symbol string, side types.PositionSide, reason types.ExitReason, roiMult, accelMult int, market types.MarketState, nowMs int64) types.ExitSignal {
	return types.ExitSignal{
		Symbol:       symbol,
		PositionSide: side,
		Reason:       reason,
		ROIMult:      roiMult,
		AccelMult:    accelMult,
		Market:       market,
		TimestampMs:  nowMs,
	}
}
