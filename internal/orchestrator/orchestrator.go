// Package orchestrator wires the exchange adapter, market/user-data feeds,
// signal engine, execution engines, and protective-stop manager into one
// running process: one execution.Engine per symbol, a shared protective-stop
// manager, and a handful of goroutines that carry events between them.
//
// Lifecycle: New() → Start(ctx) → [runs until ctx is canceled] → Stop().
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"reduceclose/internal/clientid"
	"reduceclose/internal/config"
	"reduceclose/internal/decimalx"
	"reduceclose/internal/exchange"
	"reduceclose/internal/execution"
	"reduceclose/internal/logging"
	"reduceclose/internal/market"
	"reduceclose/internal/metrics"
	"reduceclose/internal/notify"
	"reduceclose/internal/panicclose"
	"reduceclose/internal/protectivestop"
	"reduceclose/internal/reconnect"
	"reduceclose/internal/signal"
	"reduceclose/internal/userdata"
	"reduceclose/pkg/types"
)

const (
	tickInterval      = 250 * time.Millisecond
	positionPollEvery = 2 * time.Second
	housekeepingEvery = 60 * time.Second
	syncDebounceOther = 200 * time.Millisecond
	syncDebouncePos   = 1000 * time.Millisecond
)

// syncRequest is a debounce-fired protective-stop sync, carrying the reason
// that triggered it so the manager can decide whether to log startup state.
type syncRequest struct {
	symbol string
	reason string
}

// externalLatch tracks one (symbol, side)'s external-takeover state: set
// optimistically off a foreign conditional-order update on the user-data
// WS, and held until the protective-stop manager's REST sweep confirms no
// external stop remains. first_seen_ms/last_seen_ms bound how long a
// takeover has been observed; last_verify_ms/last_verify_present record the
// most recent REST sweep's verdict; pending_release marks that the foreign
// order reached a terminal WS state and the next clean REST sweep should
// release the latch.
type externalLatch struct {
	active            bool
	pendingRelease    bool
	firstSeenMs       int64
	lastSeenMs        int64
	lastVerifyMs      int64
	lastVerifyPresent bool
}

// symbolUnit is everything the orchestrator owns for one trading symbol.
type symbolUnit struct {
	symbol     string
	rules      types.InstrumentRule
	orderTTLMs int64
	book       *market.State
	exec       *execution.Engine
}

// Orchestrator is the process-level wiring. One instance drives every
// configured symbol.
type Orchestrator struct {
	cfg        config.Config
	client     *exchange.Client
	calibrator *reconnect.Calibrator
	mktFeed    *market.Feed
	usrFeed    *userdata.Feed
	sig        *signal.Engine
	stops      *protectivestop.Manager
	panic      *panicclose.Controller
	notifier   *notify.Notifier
	logger     *slog.Logger

	unitsMu sync.RWMutex
	units   map[string]*symbolUnit

	posMu     sync.RWMutex
	positions map[string]map[types.PositionSide]types.Position

	levMu    sync.RWMutex
	leverage map[string]int

	latchMu sync.Mutex
	latches map[string]map[types.PositionSide]*externalLatch

	calibMu sync.Mutex

	syncMu     sync.Mutex
	syncTimers map[string]*time.Timer
	syncNow    chan syncRequest

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the orchestrator and loads exchange-info-derived instrument
// rules, but does not start any goroutines or network I/O.
func New(cfg config.Config, logger *slog.Logger) (*Orchestrator, error) {
	client := exchange.NewClient(cfg, logger)

	rules, err := client.LoadMarkets(context.Background())
	if err != nil {
		return nil, err
	}

	sigEngine, err := signal.NewEngine(cfg.ROI, cfg.Accel, cfg.Execution.MinSignalIntervalMs)
	if err != nil {
		return nil, err
	}

	calibrator := reconnect.NewCalibrator()
	mktFeed := market.NewFeed(cfg.API.WSBaseURL, calibrator, logger)
	usrFeed := userdata.NewFeed(cfg.API.WSBaseURL, client, calibrator, logger)

	minDistRatio, err := decimal.NewFromString(cfg.Risk.ProtectiveStop.MinDistRatio)
	if err != nil {
		minDistRatio = decimal.NewFromFloat(0.0005)
	}
	stops := protectivestop.NewManager(client, cfg.Brand, minDistRatio, logger)

	panicCtrl, err := panicclose.NewController(cfg.Risk.PanicClose, logger)
	if err != nil {
		return nil, err
	}

	notifier, err := notify.New(cfg.Telegram, logger)
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		cfg:        cfg,
		client:     client,
		calibrator: calibrator,
		mktFeed:    mktFeed,
		usrFeed:    usrFeed,
		sig:        sigEngine,
		stops:      stops,
		panic:      panicCtrl,
		notifier:   notifier,
		logger:     logger.With("component", "orchestrator"),
		units:      make(map[string]*symbolUnit),
		positions:  make(map[string]map[types.PositionSide]types.Position),
		leverage:   make(map[string]int),
		latches:    make(map[string]map[types.PositionSide]*externalLatch),
		syncTimers: make(map[string]*time.Timer),
		syncNow:    make(chan syncRequest, 64),
	}

	mktFeed.OnReconnect = o.onReconnect
	usrFeed.OnReconnect = o.onReconnect

	for _, symbol := range cfg.Symbols {
		rule, ok := rules[symbol]
		if !ok {
			logger.Warn("symbol has no instrument rule from exchange info, skipping", "symbol", symbol)
			continue
		}
		book := market.NewState(symbol)
		mktFeed.Register(symbol, book)

		params := resolveParams(cfg, symbol)
		execEngine := execution.NewEngine(symbol, rule, params,
			func(ctx context.Context, sym, orderID string) error {
				return o.client.CancelOrder(ctx, sym, orderID, false)
			},
			func(ctx context.Context, sym, orderID string) (execution.TradeMeta, error) {
				meta, err := o.client.FetchOrderTradeMeta(ctx, sym, orderID)
				if err != nil {
					return execution.TradeMeta{}, err
				}
				return execution.TradeMeta{
					IsMaker: meta.IsMaker, HasRole: true,
					PnL: meta.RealizedPnL, HasPnL: true,
					Fee: meta.Fee, HasFee: true, FeeAsset: meta.FeeAsset,
				}, nil
			},
			func(fill execution.FillEvent) {
				logging.OrderFilled(o.logger, fill.Symbol, fill.PositionSide, fill.Mode, fill.FilledQty, fill.AvgPrice, fill.Reason, fill.Role)
				metrics.OrdersFilled.WithLabelValues(fill.Symbol, string(fill.PositionSide), fill.Role).Inc()
				o.notifier.Fill(fill.Symbol, string(fill.PositionSide), string(fill.Mode), fill.FilledQty.String(), fill.AvgPrice.String(), string(fill.Reason))
			},
			logger)

		o.units[symbol] = &symbolUnit{symbol: symbol, rules: rule, orderTTLMs: params.OrderTTLMs, book: book, exec: execEngine}
	}

	return o, nil
}

// resolveParams merges the global execution config with a symbol's override,
// falling back to the global value for every field the override leaves nil.
func resolveParams(cfg config.Config, symbol string) execution.Params {
	ec := cfg.Execution
	p := execution.Params{
		OrderTTLMs:               ec.OrderTTLMs,
		RepostCooldownMs:         ec.RepostCooldownMs,
		BaseLotMult:              ec.BaseLotMult,
		MaxMult:                  ec.MaxMult,
		MakerPriceMode:           ec.MakerPriceMode,
		MakerNTicks:              ec.MakerNTicks,
		MakerSafetyTicks:         ec.MakerSafetyTicks,
		MakerTimeoutsToEscalate:  ec.MakerTimeoutsToEscalate,
		AggrFillsToDeescalate:    ec.AggrFillsToDeescalate,
		AggrTimeoutsToDeescalate: ec.AggrTimeoutsToDeescalate,
		WSFillGraceMs:            ec.WSFillGraceMs,
		FillRateFeedbackEnabled:  ec.FillRateFeedbackEnabled,
		FillRateWindowMs:         ec.FillRateWindowMs,
	}
	p.MaxOrderNotional = parseDecimalOr(ec.MaxOrderNotional, decimal.Zero)
	p.FillRateLowThreshold = parseDecimalOr(ec.FillRateLowThreshold, decimal.Zero)
	p.FillRateHighThreshold = parseDecimalOr(ec.FillRateHighThreshold, decimal.Zero)
	p.FillRateLowMakerTimeoutsToEscalate = ec.FillRateLowMakerTimeoutsToEscalate
	p.FillRateHighMakerTimeoutsToEscalate = ec.FillRateHighMakerTimeoutsToEscalate

	override, ok := cfg.SymbolOverride[symbol]
	if !ok {
		return p
	}
	if override.OrderTTLMs != nil {
		p.OrderTTLMs = *override.OrderTTLMs
	}
	if override.MaxOrderNotional != nil {
		p.MaxOrderNotional = parseDecimalOr(*override.MaxOrderNotional, p.MaxOrderNotional)
	}
	if override.MakerSafetyTicks != nil {
		p.MakerSafetyTicks = *override.MakerSafetyTicks
	}
	return p
}

func parseDecimalOr(s string, fallback decimal.Decimal) decimal.Decimal {
	if s == "" {
		return fallback
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return v
}

// Start launches every background goroutine: the two WS feeds, the
// order/algo-update dispatchers, the REST position poller, the per-tick
// signal/timeout loop, and the debounced protective-stop sync worker.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.spawn(func() {
		if err := o.mktFeed.Run(o.ctx); err != nil && o.ctx.Err() == nil {
			o.logger.Error("market feed exited", "error", err)
		}
	})
	o.spawn(func() {
		if err := o.usrFeed.Run(o.ctx); err != nil && o.ctx.Err() == nil {
			o.logger.Error("user-data feed exited", "error", err)
		}
	})
	o.spawn(o.dispatchOrderUpdates)
	o.spawn(o.dispatchAlgoUpdates)
	o.spawn(o.dispatchPositionUpdates)
	o.spawn(o.dispatchLeverageUpdates)
	o.spawn(o.positionPollLoop)
	o.spawn(o.tickLoop)
	o.spawn(o.housekeepingLoop)
	o.spawn(o.syncWorker)
	o.spawn(func() { o.notifier.Run(o.ctx) })

	o.requestSyncAll("startup")
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// Stop cancels every goroutine, then sweeps open orders for this run's own
// client_order_id prefix and cancels them — protective stops are left alone,
// since they are the safety net this process is shutting down without.
func (o *Orchestrator) Stop() {
	o.logger.Info("shutting down")
	o.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	o.unitsMu.RLock()
	symbols := make([]string, 0, len(o.units))
	for s := range o.units {
		symbols = append(symbols, s)
	}
	o.unitsMu.RUnlock()

	for _, symbol := range symbols {
		orders, err := o.client.FetchOpenOrders(shutdownCtx, symbol)
		if err != nil {
			o.logger.Warn("shutdown: failed to list open orders", "symbol", symbol, "error", err)
			continue
		}
		for _, ord := range orders {
			if !clientid.HasRunPrefix(ord.ClientOrderID, o.cfg.Brand, o.cfg.RunID) {
				continue
			}
			if err := o.client.CancelOrder(shutdownCtx, symbol, ord.OrderID, true); err != nil {
				o.logger.Warn("shutdown: failed to cancel own order", "symbol", symbol, "order_id", ord.OrderID, "error", err)
			}
		}
	}

	o.wg.Wait()
	o.logger.Info("shutdown complete")
}

func (o *Orchestrator) unit(symbol string) *symbolUnit {
	o.unitsMu.RLock()
	defer o.unitsMu.RUnlock()
	return o.units[symbol]
}

// dispatchOrderUpdates routes ordinary order-trade updates to the owning
// symbol's execution engine.
func (o *Orchestrator) dispatchOrderUpdates() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case upd := <-o.usrFeed.OrderUpdates:
			u := o.unit(upd.Symbol)
			if u == nil {
				continue
			}
			u.exec.OnOrderUpdate(o.ctx, upd, decimalx.SystemClock{}.NowMs())
		}
	}
}

// dispatchAlgoUpdates routes conditional (stop) order updates to the
// protective-stop manager for the bot's own orders, requesting a re-sync
// when it reports one of its tracked stops just reached a terminal state,
// and into the external-takeover latch state machine for every conditional
// order this run did not place.
func (o *Orchestrator) dispatchAlgoUpdates() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case upd := <-o.usrFeed.AlgoUpdates:
			if o.stops.OnAlgoOrderUpdate(upd) {
				o.requestSync(upd.Symbol, "algo_update")
			}
			o.watchForeignAlgoUpdate(upd)
		}
	}
}

var conditionalAlgoTypes = map[string]bool{"STOP_MARKET": true, "TAKE_PROFIT_MARKET": true, "STOP": true, "TAKE_PROFIT": true}

// watchForeignAlgoUpdate drives the external-takeover latch off WS algo
// updates for conditional, reduce-only-or-closePosition orders this run did
// not place: the latch is set optimistically the moment one appears, and
// marked pending-release once it reaches a terminal status — the following
// REST sweep is what actually releases it.
func (o *Orchestrator) watchForeignAlgoUpdate(upd types.AlgoOrderUpdate) {
	if !conditionalAlgoTypes[upd.OrderType] {
		return
	}
	if !(upd.ClosePosition || upd.ReduceOnly) {
		return
	}
	if o.stops.OwnsClientOrderID(upd.Symbol, upd.PositionSide, upd.ClientAlgoID) {
		return
	}

	nowMs := decimalx.SystemClock{}.NowMs()
	if protectivestop.IsTerminalAlgoStatus(upd.Status) {
		o.latchRequestRelease(upd.Symbol, upd.PositionSide, nowMs)
		o.requestSync(upd.Symbol, "external_takeover_verify")
		return
	}
	o.latchSet(upd.Symbol, upd.PositionSide, nowMs)
	o.requestSync(upd.Symbol, "external_takeover")
}

// dispatchPositionUpdates applies WS-driven position-amount deltas as soon
// as they arrive, ahead of the slower REST position poll that remains the
// source of truth for mark price, liquidation price, and leverage.
func (o *Orchestrator) dispatchPositionUpdates() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case pu := <-o.usrFeed.PositionUpdates:
			o.applyPositionUpdate(pu)
		}
	}
}

func (o *Orchestrator) applyPositionUpdate(pu types.PositionUpdate) {
	o.posMu.Lock()
	if pu.PositionAmt.IsZero() {
		if bySide, ok := o.positions[pu.Symbol]; ok {
			delete(bySide, pu.PositionSide)
		}
	} else {
		bySide := o.positions[pu.Symbol]
		if bySide == nil {
			bySide = make(map[types.PositionSide]types.Position)
			o.positions[pu.Symbol] = bySide
		}
		pos := bySide[pu.PositionSide]
		pos.Symbol = pu.Symbol
		pos.PositionSide = pu.PositionSide
		pos.PositionAmt = pu.PositionAmt
		pos.EntryPrice = pu.EntryPrice
		o.levMu.RLock()
		if lev, ok := o.leverage[pu.Symbol]; ok {
			pos.Leverage = lev
		}
		o.levMu.RUnlock()
		bySide[pu.PositionSide] = pos
	}
	o.posMu.Unlock()

	amt, _ := pu.PositionAmt.Float64()
	metrics.OpenPositions.WithLabelValues(pu.Symbol, string(pu.PositionSide)).Set(amt)

	if o.unit(pu.Symbol) != nil {
		o.requestSync(pu.Symbol, "position_update")
	}
}

// dispatchLeverageUpdates keeps the leverage cache current so both the
// position cache (on its next refresh) and future REST-poll snapshots carry
// the exchange's current per-symbol leverage.
func (o *Orchestrator) dispatchLeverageUpdates() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case lu := <-o.usrFeed.LeverageUpdates:
			o.applyLeverageUpdate(lu)
		}
	}
}

func (o *Orchestrator) applyLeverageUpdate(lu types.LeverageUpdate) {
	o.levMu.Lock()
	o.leverage[lu.Symbol] = lu.Leverage
	o.levMu.Unlock()

	o.posMu.Lock()
	if bySide, ok := o.positions[lu.Symbol]; ok {
		for side, pos := range bySide {
			pos.Leverage = lu.Leverage
			bySide[side] = pos
		}
	}
	o.posMu.Unlock()
}

// positionPollLoop replaces the whole position snapshot from REST on a fixed
// interval; between polls, dispatchPositionUpdates applies the user-data
// stream's position updates. After every poll, each polled symbol with a
// registered unit gets a debounced protective-stop sync request, whether or
// not its positions changed.
func (o *Orchestrator) positionPollLoop() {
	ticker := time.NewTicker(positionPollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			positions, err := o.client.FetchPositions(o.ctx)
			if err != nil {
				o.logger.Warn("position poll failed", "error", err)
				continue
			}
			bySymbol := make(map[string]map[types.PositionSide]types.Position)
			for _, p := range positions {
				if bySymbol[p.Symbol] == nil {
					bySymbol[p.Symbol] = make(map[types.PositionSide]types.Position)
				}
				bySymbol[p.Symbol][p.PositionSide] = p
				amt, _ := p.PositionAmt.Float64()
				metrics.OpenPositions.WithLabelValues(p.Symbol, string(p.PositionSide)).Set(amt)
			}

			o.posMu.Lock()
			o.positions = bySymbol
			o.posMu.Unlock()

			for symbol := range bySymbol {
				if o.unit(symbol) != nil {
					o.requestSync(symbol, "position_update")
				}
			}
		}
	}
}

func (o *Orchestrator) positionFor(symbol string, side types.PositionSide) (types.Position, bool) {
	o.posMu.RLock()
	defer o.posMu.RUnlock()
	bySide, ok := o.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	p, ok := bySide[side]
	return p, ok
}

// tickLoop is the steady per-symbol heartbeat: feed the signal engine market
// events, evaluate closing signals, and drive TTL/cooldown transitions for
// every (symbol, side) that holds a position.
func (o *Orchestrator) tickLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.tickOnce()
		}
	}
}

func (o *Orchestrator) tickOnce() {
	// Side loops skip signal evaluation entirely while a reconnect-triggered
	// REST calibration is in flight, per onReconnect's ordering guarantee.
	if o.calibrator.IsCalibrating() {
		return
	}

	nowMs := decimalx.SystemClock{}.NowMs()

	o.unitsMu.RLock()
	units := make([]*symbolUnit, 0, len(o.units))
	for _, u := range o.units {
		units = append(units, u)
	}
	o.unitsMu.RUnlock()

	for _, u := range units {
		o.checkLatchVerifyFallback(u.symbol, nowMs)

		snap := u.book.Snapshot()
		if !snap.IsReady {
			continue
		}
		o.sig.RecordMarketEvent(u.symbol, snap, nowMs)

		for _, side := range []types.PositionSide{types.Long, types.Short} {
			pos, ok := o.positionFor(u.symbol, side)
			if !ok || pos.PositionAmt.IsZero() {
				continue
			}

			if sliceRatio, ttlOverrideMs, escalateOverride, tierIdx, inPanic := o.panic.Evaluate(
				u.symbol, side, pos.MarkPrice, pos.LiquidationPrice, u.orderTTLMs); inPanic {
				o.firePanicClose(u, side, pos, snap, sliceRatio, ttlOverrideMs, escalateOverride, tierIdx, nowMs)
				continue
			}
			metrics.PanicCloseEngaged.WithLabelValues(u.symbol, string(side)).Set(-1)

			if u.exec.CheckCooldown(side, nowMs) {
				continue
			}
			if u.exec.CheckTimeout(o.ctx, side, nowMs) {
				metrics.OrderTimeouts.WithLabelValues(u.symbol, string(side)).Inc()
				continue
			}

			exitSignal, fired := o.sig.Evaluate(u.symbol, side, pos, snap, nowMs)
			if !fired {
				continue
			}
			intent, ok := u.exec.OnSignal(exitSignal, pos.PositionAmt, snap, nowMs)
			if !ok {
				continue
			}
			intent.ClientOrderID = clientid.New(o.cfg.Brand, o.cfg.RunID)
			result, err := o.client.PlaceOrder(o.ctx, intent)
			if err != nil {
				o.logger.Warn("order placement failed", "symbol", u.symbol, "side", side, "error", err)
			}
			mode := "aggressive"
			if intent.TimeInForce == types.TIFPostOnly {
				mode = "maker"
			}
			metrics.OrdersPlaced.WithLabelValues(u.symbol, string(side), mode).Inc()
			u.exec.OnOrderPlaced(intent, result, nowMs)
		}
	}
}

// housekeepingLoop forces a fill-rate snapshot log line for every side that
// has accumulated fill-rate stats, independent of the bucket-transition
// trigger that normally drives that log line.
func (o *Orchestrator) housekeepingLoop() {
	ticker := time.NewTicker(housekeepingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.unitsMu.RLock()
			units := make([]*symbolUnit, 0, len(o.units))
			for _, u := range o.units {
				units = append(units, u)
			}
			o.unitsMu.RUnlock()

			for _, u := range units {
				u.exec.LogFillRateSnapshot(types.Long)
				u.exec.LogFillRateSnapshot(types.Short)
			}
		}
	}
}

// firePanicClose places one forced-liquidation slice at the tier the panic
// controller selected, bypassing the ordinary cooldown/timeout gating — a
// position this close to liquidation cannot wait out a repost cooldown.
func (o *Orchestrator) firePanicClose(u *symbolUnit, side types.PositionSide, pos types.Position, snap types.MarketState, sliceRatio decimal.Decimal, ttlOverrideMs int64, escalateOverride, tierIdx int, nowMs int64) {
	metrics.PanicCloseEngaged.WithLabelValues(u.symbol, string(side)).Set(float64(tierIdx))
	o.notifier.PanicClose(u.symbol, string(side), tierIdx, panicclose.DistanceRatio(pos.MarkPrice, pos.LiquidationPrice).String())

	var escPtr *int
	if escalateOverride > 0 {
		escPtr = &escalateOverride
	}
	intent, ok := u.exec.OnPanicClose(u.symbol, side, pos.PositionAmt, snap, sliceRatio, ttlOverrideMs, escPtr, nowMs)
	if !ok {
		return
	}
	intent.ClientOrderID = clientid.New(o.cfg.Brand, o.cfg.RunID)
	result, err := o.client.PlaceOrder(o.ctx, intent)
	if err != nil {
		o.logger.Warn("panic close order placement failed", "symbol", u.symbol, "side", side, "error", err)
	}
	metrics.OrdersPlaced.WithLabelValues(u.symbol, string(side), "panic").Inc()
	u.exec.OnOrderPlaced(intent, result, nowMs)
}

// requestSyncAll schedules an immediate (zero-debounce) protective-stop sync
// for every configured symbol, used at startup and after each
// reconnect-triggered calibration.
func (o *Orchestrator) requestSyncAll(reason string) {
	o.unitsMu.RLock()
	defer o.unitsMu.RUnlock()
	for symbol := range o.units {
		o.requestSync(symbol, reason)
	}
}

// requestSync debounces a protective-stop sync for symbol: position updates
// wait a full second (positions rarely need a sub-second response), startup,
// calibration, and external-takeover reasons fire immediately since they
// signal a state change worth reacting to right away, everything else waits
// 200ms so a burst of algo/order updates collapses into one sync.
func (o *Orchestrator) requestSync(symbol, reason string) {
	delay := syncDebounceOther
	switch reason {
	case "position_update":
		delay = syncDebouncePos
	case "startup", "calibration", "external_takeover", "external_takeover_verify":
		delay = 0
	}

	o.syncMu.Lock()
	defer o.syncMu.Unlock()
	if existing, ok := o.syncTimers[symbol]; ok {
		existing.Stop()
	}
	o.syncTimers[symbol] = time.AfterFunc(delay, func() {
		select {
		case o.syncNow <- syncRequest{symbol: symbol, reason: reason}:
		case <-o.ctx.Done():
		}
	})
}

// syncWorker drains debounce-fired sync requests and runs the protective-stop
// reconciliation for that symbol, tracking the external-takeover latch.
func (o *Orchestrator) syncWorker() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case req := <-o.syncNow:
			o.runSync(req.symbol, req.reason)
		}
	}
}

func (o *Orchestrator) runSync(symbol, reason string) {
	u := o.unit(symbol)
	if u == nil {
		return
	}

	o.posMu.RLock()
	positions := make(map[types.PositionSide]types.Position, len(o.positions[symbol]))
	for side, p := range o.positions[symbol] {
		positions[side] = p
	}
	o.posMu.RUnlock()

	distToLiq := parseDecimalOr(o.cfg.Risk.ProtectiveStop.DistToLiq, decimal.NewFromFloat(0.01))
	latchSnapshot := o.latchActiveSnapshot(symbol)

	hasExternal, err := o.stops.SyncSymbol(o.ctx, symbol, u.rules, positions,
		o.cfg.Risk.ProtectiveStop.Enabled, distToLiq, latchSnapshot, reason, decimalx.SystemClock{}.NowMs())
	if err != nil {
		o.logger.Warn("protective stop sync failed", "symbol", symbol, "error", err)
		return
	}

	o.applyRestVerify(symbol, hasExternal, decimalx.SystemClock{}.NowMs())
}

// latchFor returns (creating if necessary) the latch for symbol+side. Must
// be called with latchMu held.
func (o *Orchestrator) latchFor(symbol string, side types.PositionSide) *externalLatch {
	bySide := o.latches[symbol]
	if bySide == nil {
		bySide = make(map[types.PositionSide]*externalLatch)
		o.latches[symbol] = bySide
	}
	l := bySide[side]
	if l == nil {
		l = &externalLatch{}
		bySide[side] = l
	}
	return l
}

// latchActiveSnapshot returns the current active/inactive state per side,
// the external_stop_latch_by_side map the protective-stop manager reads to
// decide whether it may modify a side at all.
func (o *Orchestrator) latchActiveSnapshot(symbol string) map[types.PositionSide]bool {
	o.latchMu.Lock()
	defer o.latchMu.Unlock()
	out := make(map[types.PositionSide]bool, 2)
	bySide := o.latches[symbol]
	for _, side := range []types.PositionSide{types.Long, types.Short} {
		if bySide != nil && bySide[side] != nil {
			out[side] = bySide[side].active
		}
	}
	return out
}

// latchSet optimistically marks side as externally held the moment a
// foreign reduce-only/closePosition conditional order is observed on the
// user-data WS, ahead of the REST sweep that later confirms or retracts it.
func (o *Orchestrator) latchSet(symbol string, side types.PositionSide, nowMs int64) {
	o.latchMu.Lock()
	l := o.latchFor(symbol, side)
	wasActive := l.active
	if !l.active {
		l.active = true
		l.firstSeenMs = nowMs
	}
	l.lastSeenMs = nowMs
	l.pendingRelease = false
	o.latchMu.Unlock()

	if !wasActive {
		o.notifier.ExternalTakeover(symbol, string(side))
	}
}

// latchRequestRelease marks side pending-release once the foreign order
// that set the latch reaches a terminal WS state. The latch itself stays
// active until the next REST sweep confirms no external stop remains.
func (o *Orchestrator) latchRequestRelease(symbol string, side types.PositionSide, nowMs int64) {
	o.latchMu.Lock()
	defer o.latchMu.Unlock()
	bySide := o.latches[symbol]
	if bySide == nil {
		return
	}
	l := bySide[side]
	if l == nil || !l.active {
		return
	}
	l.pendingRelease = true
	l.lastSeenMs = nowMs
}

// applyRestVerify folds one REST sweep's per-side external-stop verdict
// into the latch state. The sweep is the authoritative witness for
// release: no external stop found while pending-release releases the
// latch; a newly observed external stop clears pending-release and keeps
// (or sets) the latch active, in case the WS update was missed.
func (o *Orchestrator) applyRestVerify(symbol string, hasExternal map[types.PositionSide]bool, nowMs int64) {
	o.latchMu.Lock()
	defer o.latchMu.Unlock()
	for side, external := range hasExternal {
		l := o.latchFor(symbol, side)
		l.lastVerifyMs = nowMs
		l.lastVerifyPresent = external

		if external {
			metrics.ProtectiveStopSyncs.WithLabelValues(symbol, "yielded").Inc()
			wasActive := l.active
			if !l.active {
				l.active = true
				l.firstSeenMs = nowMs
			}
			l.lastSeenMs = nowMs
			l.pendingRelease = false
			if !wasActive {
				o.notifier.ExternalTakeover(symbol, string(side))
			}
		} else {
			metrics.ProtectiveStopSyncs.WithLabelValues(symbol, "owned").Inc()
			if l.active && l.pendingRelease {
				l.active = false
				l.pendingRelease = false
			}
		}
	}
}

// checkLatchVerifyFallback forces a REST-verify sync and releases a latch
// regardless of pending_release once it has gone stale past the configured
// verify interval or hit the max-hold ceiling — the fallback path for a
// terminal WS event that never arrived.
func (o *Orchestrator) checkLatchVerifyFallback(symbol string, nowMs int64) {
	cfg := o.cfg.Risk.ProtectiveStop.ExternalTakeover
	if !cfg.Enabled {
		return
	}
	verifyIntervalS := cfg.RestVerifyIntervalS
	if verifyIntervalS <= 0 {
		verifyIntervalS = 30
	}
	maxHoldS := cfg.MaxHoldS
	if maxHoldS <= 0 {
		maxHoldS = 300
	}
	verifyIntervalMs := int64(verifyIntervalS) * 1000
	maxHoldMs := int64(maxHoldS) * 1000

	o.latchMu.Lock()
	var stale []types.PositionSide
	bySide := o.latches[symbol]
	for side, l := range bySide {
		if l == nil || !l.active {
			continue
		}
		if nowMs-l.lastSeenMs >= verifyIntervalMs || nowMs-l.firstSeenMs >= maxHoldMs {
			stale = append(stale, side)
		}
	}
	o.latchMu.Unlock()

	for _, side := range stale {
		o.logger.Warn("external takeover latch forced release on verify timeout", "symbol", symbol, "side", side)
		o.latchMu.Lock()
		if l := o.latches[symbol][side]; l != nil {
			l.active = false
			l.pendingRelease = false
		}
		o.latchMu.Unlock()
		o.requestSync(symbol, "external_takeover_verify")
	}
}

// onReconnect runs the reconnect-triggered REST calibration: it suspends
// new signal evaluation and WS reconnects on both feeds for its duration,
// refreshes instrument rules and positions over REST, then requests a full
// protective-stop sync before releasing the gate. Invoked synchronously by
// either feed's Run loop the instant a reconnect dial succeeds; calibMu
// serializes overlapping calls from the market and user-data feeds.
func (o *Orchestrator) onReconnect() {
	o.calibMu.Lock()
	defer o.calibMu.Unlock()

	o.calibrator.Begin()
	defer o.calibrator.End()

	o.logger.Info("reconnect calibration starting")

	if rules, err := o.client.LoadMarkets(o.ctx); err != nil {
		o.logger.Warn("calibration: load markets failed", "error", err)
	} else {
		o.unitsMu.Lock()
		for symbol, rule := range rules {
			if u, ok := o.units[symbol]; ok {
				u.rules = rule
			}
		}
		o.unitsMu.Unlock()
	}

	if leverage, err := o.client.FetchLeverageMap(o.ctx); err != nil {
		o.logger.Warn("calibration: fetch leverage map failed", "error", err)
	} else {
		o.levMu.Lock()
		for symbol, lev := range leverage {
			o.leverage[symbol] = lev
		}
		o.levMu.Unlock()
	}

	if positions, err := o.client.FetchPositions(o.ctx); err != nil {
		o.logger.Warn("calibration: fetch positions failed", "error", err)
	} else {
		bySymbol := make(map[string]map[types.PositionSide]types.Position, len(positions))
		for _, p := range positions {
			if bySymbol[p.Symbol] == nil {
				bySymbol[p.Symbol] = make(map[types.PositionSide]types.Position)
			}
			o.levMu.RLock()
			if lev, ok := o.leverage[p.Symbol]; ok {
				p.Leverage = lev
			}
			o.levMu.RUnlock()
			bySymbol[p.Symbol][p.PositionSide] = p
		}
		o.posMu.Lock()
		o.positions = bySymbol
		o.posMu.Unlock()
	}

	o.requestSyncAll("calibration")
	o.logger.Info("reconnect calibration complete")
}
