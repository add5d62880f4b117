// Package protectivestop maintains the exchange-resident STOP_MARKET safety
// net: for every non-flat position leg, exactly one closePosition stop
// order sized off the liquidation price, so the position is capped even if
// this process dies, sleeps, or loses its network connection.
package protectivestop

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"reduceclose/internal/clientid"
	"reduceclose/internal/decimalx"
	"reduceclose/internal/exchange"
	"reduceclose/pkg/types"
)

// Exchange is the subset of the exchange adapter the manager depends on,
// narrowed so tests can substitute a stub.
type Exchange interface {
	FetchOpenOrdersRaw(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
	FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error)
	CancelAlgoOrder(ctx context.Context, symbol, orderID string, isRisk bool) error
	PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error)
}

// Record is the one stop order the manager tracks for a given symbol+side.
type Record struct {
	ClientOrderID string
	OrderID       string
	StopPrice     decimal.Decimal
}

type key struct {
	symbol string
	side   types.PositionSide
}

// Manager owns at most one STOP_MARKET per (symbol, position side). Syncs
// for different symbols may run concurrently; a per-symbol lock serializes
// repeated syncs of the same symbol.
type Manager struct {
	exch         Exchange
	brand        string
	minDistRatio decimal.Decimal
	logger       *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu      sync.Mutex
	records map[key]Record

	startupOwnLogged      map[key]bool
	startupExternalLogged map[key]bool
	externalMultiSig      map[key]string
}

// NewManager builds a protective-stop manager. minDistRatio is the minimum
// fractional distance an external stop's price must clear the liquidation
// price by to be treated as a valid takeover; brand namespaces every
// client_order_id this manager places.
func NewManager(exch Exchange, brand string, minDistRatio decimal.Decimal, logger *slog.Logger) *Manager {
	return &Manager{
		exch:                  exch,
		brand:                 brand,
		minDistRatio:          minDistRatio,
		logger:                logger,
		locks:                 make(map[string]*sync.Mutex),
		records:               make(map[key]Record),
		startupOwnLogged:      make(map[key]bool),
		startupExternalLogged: make(map[key]bool),
		externalMultiSig:      make(map[key]string),
	}
}

func (m *Manager) lockFor(symbol string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		m.locks[symbol] = l
	}
	return l
}

// IsOwnAlgoOrder reports whether algoID matches the order currently tracked
// for either side of symbol.
func (m *Manager) IsOwnAlgoOrder(symbol, algoID string) bool {
	if algoID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, side := range []types.PositionSide{types.Long, types.Short} {
		if rec, ok := m.records[key{symbol, side}]; ok && rec.OrderID == algoID {
			return true
		}
	}
	return false
}

var terminalAlgoStatuses = map[string]bool{
	"CANCELED": true, "FILLED": true, "TRIGGERED": true,
	"EXPIRED": true, "REJECTED": true, "FINISHED": true,
}

// OnAlgoOrderUpdate clears the local record for a side once its algo order
// reaches a terminal status, so the next sync re-places a stop rather than
// trusting a now-dead order id. Returns true if a sync of symbol should be
// scheduled.
func (m *Manager) OnAlgoOrderUpdate(update types.AlgoOrderUpdate) bool {
	if !terminalAlgoStatuses[normalizeStatus(update.Status)] {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	scheduled := false
	for _, side := range []types.PositionSide{types.Long, types.Short} {
		k := key{update.Symbol, side}
		if _, ok := m.records[k]; !ok {
			continue
		}
		if !matchesPrefix(update.ClientAlgoID, m.brand, update.Symbol, side) {
			continue
		}
		delete(m.records, k)
		scheduled = true
		m.logger.Info("protective stop order update", "symbol", update.Symbol, "side", side, "status", update.Status, "algo_id", update.AlgoID)
	}
	return scheduled
}

// IsTerminalAlgoStatus reports whether status (any case) is one of the
// terminal states after which a conditional order's record should be
// cleared or an external-takeover latch released.
func IsTerminalAlgoStatus(status string) bool {
	return terminalAlgoStatuses[normalizeStatus(status)]
}

// OwnsClientOrderID reports whether clientOrderID carries this manager's
// own client_order_id prefix for symbol+side, i.e. whether an incoming
// conditional-order update belongs to a stop this run placed rather than a
// foreign one.
func (m *Manager) OwnsClientOrderID(symbol string, side types.PositionSide, clientOrderID string) bool {
	return matchesPrefix(clientOrderID, m.brand, symbol, side)
}

func normalizeStatus(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func matchesPrefix(clientOrderID, brand, symbol string, side types.PositionSide) bool {
	if clientOrderID == "" {
		return false
	}
	prefix := clientid.ProtectiveStopPrefix(brand, symbol, side)
	return len(clientOrderID) >= len(prefix) && clientOrderID[:len(prefix)] == prefix
}

// computeStopPrice derives a stop price from the liquidation price so that,
// at trigger, |mark - liq| / mark is approximately distToLiq. Rounds toward
// earlier triggering: up for LONG (a SELL stop), down for SHORT (a BUY stop).
func computeStopPrice(side types.PositionSide, liqPrice, distToLiq, tickSize decimal.Decimal) (decimal.Decimal, error) {
	if liqPrice.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("liquidation price must be positive")
	}
	if distToLiq.Sign() <= 0 || distToLiq.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("dist_to_liq must be in (0, 1)")
	}
	if side == types.Long {
		raw := liqPrice.Div(decimal.NewFromInt(1).Sub(distToLiq))
		return decimalx.RoundUpTo(raw, tickSize), nil
	}
	raw := liqPrice.Div(decimal.NewFromInt(1).Add(distToLiq))
	return decimalx.RoundDownTo(raw, tickSize), nil
}

// isStopPriceValid reports whether an external stop could actually trigger
// before liquidation: for LONG (a SELL stop) it must sit strictly above the
// liquidation price by at least minDistRatio; for SHORT (a BUY stop),
// strictly below.
func isStopPriceValid(side types.PositionSide, stopPrice, liqPrice, minDistRatio decimal.Decimal) bool {
	if liqPrice.Sign() <= 0 || stopPrice.Sign() <= 0 {
		return false
	}
	one := decimal.NewFromInt(1)
	if side == types.Long {
		return stopPrice.GreaterThan(liqPrice.Mul(one.Add(minDistRatio)))
	}
	return stopPrice.LessThan(liqPrice.Mul(one.Sub(minDistRatio)))
}

func isAlgoOrderType(t string) bool {
	switch t {
	case "STOP_MARKET", "TAKE_PROFIT_MARKET", "STOP", "TAKE_PROFIT":
		return true
	}
	return false
}

func orderPositionSide(o exchange.OpenOrder) (types.PositionSide, bool) {
	switch o.PositionSide {
	case "LONG":
		return types.Long, true
	case "SHORT":
		return types.Short, true
	}
	return "", false
}

func isExternalStop(o exchange.OpenOrder) bool {
	if !isAlgoOrderType(o.Type) {
		return false
	}
	if o.ClosePosition {
		return true
	}
	if !o.ReduceOnly {
		return false
	}
	_, hasSide := orderPositionSide(o)
	return hasSide
}

func orderStopPrice(o exchange.OpenOrder) (decimal.Decimal, bool) {
	if o.StopPrice == "" {
		return decimal.Zero, false
	}
	v, err := decimal.NewFromString(o.StopPrice)
	if err != nil || v.Sign() <= 0 {
		return decimal.Zero, false
	}
	return v, true
}

// SyncSymbol reconciles every side's protective stop for symbol against the
// exchange's live open/algo orders: own-order dedup, external-takeover
// classification, tighten-only replacement. Returns whether an externally
// owned stop was observed on each side, for the orchestrator's takeover
// latch bookkeeping.
func (m *Manager) SyncSymbol(
	ctx context.Context,
	symbol string,
	rules types.InstrumentRule,
	positions map[types.PositionSide]types.Position,
	enabled bool,
	distToLiq decimal.Decimal,
	externalLatchBySide map[types.PositionSide]bool,
	syncReason string,
	nowMs int64,
) (map[types.PositionSide]bool, error) {
	lock := m.lockFor(symbol)
	lock.Lock()
	defer lock.Unlock()

	hasExternal := map[types.PositionSide]bool{types.Long: false, types.Short: false}

	plain, err := m.exch.FetchOpenOrdersRaw(ctx, symbol)
	if err != nil {
		m.logger.Warn("protective stop sync failed to fetch open orders", "symbol", symbol, "error", err)
		return hasExternal, err
	}
	algo, err := m.exch.FetchOpenAlgoOrders(ctx, symbol)
	if err != nil {
		m.logger.Warn("protective stop sync failed to fetch algo orders", "symbol", symbol, "error", err)
		return hasExternal, err
	}
	all := append(append([]exchange.OpenOrder{}, plain...), algo...)

	ownBySide := map[types.PositionSide][]exchange.OpenOrder{types.Long: nil, types.Short: nil}
	externalBySide := map[types.PositionSide][]exchange.OpenOrder{types.Long: nil, types.Short: nil}

	for _, o := range all {
		side, ok := orderPositionSide(o)
		if !ok {
			continue
		}
		if matchesPrefix(o.ClientOrderID, m.brand, symbol, side) {
			ownBySide[side] = append(ownBySide[side], o)
		} else if isExternalStop(o) {
			externalBySide[side] = append(externalBySide[side], o)
			hasExternal[side] = true
		}
	}

	m.logExternalMultiples(symbol, externalBySide)
	if syncReason == "startup" {
		m.logStartupState(symbol, ownBySide, externalBySide)
	}

	for _, side := range []types.PositionSide{types.Long, types.Short} {
		var pos *types.Position
		if p, ok := positions[side]; ok {
			pos = &p
		}
		m.syncSide(ctx, symbol, side, rules, pos, enabled, distToLiq,
			ownBySide[side], externalBySide[side], externalLatchBySide[side], nowMs)
	}

	return hasExternal, nil
}

func (m *Manager) logExternalMultiples(symbol string, externalBySide map[types.PositionSide][]exchange.OpenOrder) {
	for _, side := range []types.PositionSide{types.Long, types.Short} {
		orders := externalBySide[side]
		if len(orders) <= 1 {
			continue
		}
		ids := make([]string, 0, len(orders))
		for _, o := range orders {
			ids = append(ids, strconv.FormatInt(o.OrderID, 10))
		}
		sort.Strings(ids)
		sig := fmt.Sprintf("%v", ids)

		m.mu.Lock()
		k := key{symbol, side}
		if m.externalMultiSig[k] == sig {
			m.mu.Unlock()
			continue
		}
		m.externalMultiSig[k] = sig
		m.mu.Unlock()

		m.logger.Warn("multiple external protective stops detected", "symbol", symbol, "side", side, "count", len(orders), "order_ids", ids)
	}
}

func (m *Manager) logStartupState(symbol string, ownBySide, externalBySide map[types.PositionSide][]exchange.OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, side := range []types.PositionSide{types.Long, types.Short} {
		k := key{symbol, side}
		if !m.startupOwnLogged[k] {
			m.startupOwnLogged[k] = true
			if existing := ownBySide[side]; len(existing) > 0 {
				m.logger.Info("startup found existing own protective stop", "symbol", symbol, "side", side, "count", len(existing), "order_id", existing[0].OrderID)
			}
		}
		if !m.startupExternalLogged[k] {
			m.startupExternalLogged[k] = true
			if existing := externalBySide[side]; len(existing) > 0 {
				stopPrice, _ := orderStopPrice(existing[0])
				m.logger.Info("startup found existing external protective stop", "symbol", symbol, "side", side, "order_id", existing[0].OrderID, "stop_price", stopPrice, "working_type", existing[0].WorkingType)
			}
		}
	}
}

func (m *Manager) syncSide(
	ctx context.Context,
	symbol string,
	side types.PositionSide,
	rules types.InstrumentRule,
	position *types.Position,
	enabled bool,
	distToLiq decimal.Decimal,
	ownOrders []exchange.OpenOrder,
	externalOrders []exchange.OpenOrder,
	hasExternalLatch bool,
	nowMs int64,
) {
	k := key{symbol, side}

	var keep *exchange.OpenOrder
	if len(ownOrders) > 0 {
		keep = &ownOrders[0]
		for _, extra := range ownOrders[1:] {
			m.cancelAlgo(ctx, symbol, extra.OrderID, "dedup_extra_own")
		}
	}

	hasPosition := position != nil && !position.PositionAmt.IsZero()
	if !enabled || !hasPosition {
		if keep != nil {
			reason := "cancel_disabled"
			if !hasPosition {
				reason = "cancel_no_position"
			}
			m.cancelAlgo(ctx, symbol, keep.OrderID, reason)
		}
		m.mu.Lock()
		delete(m.records, k)
		m.mu.Unlock()
		return
	}

	if len(externalOrders) > 0 {
		if m.handleExternalStops(ctx, symbol, side, position, externalOrders, keep) {
			return
		}
		hasExternalLatch = false
	}

	if hasExternalLatch {
		return
	}

	liq := position.LiquidationPrice
	if liq.Sign() <= 0 {
		m.logger.Warn("protective stop skipped: missing liquidation price", "symbol", symbol, "side", side)
		return
	}

	desiredStop, err := computeStopPrice(side, liq, distToLiq, rules.TickSize)
	if err != nil {
		m.logger.Warn("protective stop price computation failed", "symbol", symbol, "side", side, "error", err)
		return
	}

	var existingStop decimal.Decimal
	var existingOrderID, existingClientOrderID string
	haveExisting := false
	if keep != nil {
		if sp, ok := orderStopPrice(*keep); ok {
			existingStop = decimalx.RoundDownTo(sp, rules.TickSize)
			existingOrderID = strconv.FormatInt(keep.OrderID, 10)
			existingClientOrderID = keep.ClientOrderID
			haveExisting = true
		}
	}
	desiredNorm := decimalx.RoundDownTo(desiredStop, rules.TickSize)

	if haveExisting {
		widened := (side == types.Long && desiredNorm.LessThan(existingStop)) ||
			(side == types.Short && desiredNorm.GreaterThan(existingStop))
		if widened {
			m.setRecord(k, existingClientOrderID, existingOrderID, existingStop)
			return
		}
		if desiredNorm.Equal(existingStop) {
			m.setRecord(k, existingClientOrderID, existingOrderID, existingStop)
			return
		}
		if err := m.exch.CancelAlgoOrder(ctx, symbol, existingOrderID, true); err != nil {
			m.logger.Warn("protective stop cancel before replace failed", "symbol", symbol, "side", side, "order_id", existingOrderID, "error", err)
			return
		}
	}

	cid := clientid.ProtectiveStopID(m.brand, symbol, side, nowMs)
	orderSide := types.Sell
	if side == types.Short {
		orderSide = types.Buy
	}
	result, err := m.exch.PlaceOrder(ctx, types.OrderIntent{
		Symbol:        symbol,
		Side:          orderSide,
		PositionSide:  side,
		OrderType:     types.OrderTypeStopMarket,
		StopPrice:     desiredStop,
		ClosePosition: true,
		ReduceOnly:    true,
		ClientOrderID: cid,
		IsRisk:        true,
	})
	if err != nil || !result.Success {
		m.logger.Warn("protective stop placement failed", "symbol", symbol, "side", side, "error", err, "error_code", result.ErrorCode, "error_message", result.ErrorMessage)
		return
	}

	m.setRecord(k, cid, result.OrderID, desiredStop)
	m.logger.Info("protective stop placed or updated", "symbol", symbol, "side", side, "order_id", result.OrderID, "stop_price", desiredStop)
}

// handleExternalStops classifies every external stop on this side as valid
// or invalid, cancels invalid ones, and cancels our own order if a valid
// external takeover exists. Returns true if the caller should stop (a valid
// external stop is now in charge of this side).
func (m *Manager) handleExternalStops(ctx context.Context, symbol string, side types.PositionSide, position *types.Position, externalOrders []exchange.OpenOrder, keep *exchange.OpenOrder) bool {
	liq := position.LiquidationPrice
	hasUnknown := false
	var validOrders, invalidOrders []exchange.OpenOrder

	for _, o := range externalOrders {
		stopPrice, ok := orderStopPrice(o)
		if !ok || liq.Sign() <= 0 {
			hasUnknown = true
			continue
		}
		if isStopPriceValid(side, stopPrice, liq, m.minDistRatio) {
			validOrders = append(validOrders, o)
		} else {
			invalidOrders = append(invalidOrders, o)
		}
	}

	for _, bad := range invalidOrders {
		stopPrice, _ := orderStopPrice(bad)
		if err := m.exch.CancelAlgoOrder(ctx, symbol, strconv.FormatInt(bad.OrderID, 10), true); err != nil {
			m.logger.Warn("failed to cancel invalid external protective stop", "symbol", symbol, "side", side, "order_id", bad.OrderID, "error", err)
			continue
		}
		m.logger.Info("canceled invalid external protective stop", "symbol", symbol, "side", side, "order_id", bad.OrderID, "external_stop_price", stopPrice, "liquidation_price", liq)
	}

	hasValidExternal := len(validOrders) > 0 || hasUnknown
	if hasValidExternal {
		if keep != nil {
			if err := m.exch.CancelAlgoOrder(ctx, symbol, strconv.FormatInt(keep.OrderID, 10), true); err != nil {
				m.logger.Warn("protective stop cancel (external takeover) failed", "symbol", symbol, "side", side, "order_id", keep.OrderID, "error", err)
				return true
			}
			m.logger.Info("canceled own protective stop due to external takeover", "symbol", symbol, "side", side, "order_id", keep.OrderID)
		}
		m.mu.Lock()
		delete(m.records, key{symbol, side})
		m.mu.Unlock()
		return true
	}
	return false
}

func (m *Manager) cancelAlgo(ctx context.Context, symbol string, orderID int64, reason string) {
	if err := m.exch.CancelAlgoOrder(ctx, symbol, strconv.FormatInt(orderID, 10), true); err != nil {
		m.logger.Warn("protective stop cancel failed", "symbol", symbol, "order_id", orderID, "reason", reason, "error", err)
	}
}

func (m *Manager) setRecord(k key, clientOrderID, orderID string, stopPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[k] = Record{ClientOrderID: clientOrderID, OrderID: orderID, StopPrice: stopPrice}
}
