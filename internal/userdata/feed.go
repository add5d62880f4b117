// Package userdata implements the listenKey-based user-data WebSocket feed
// (C4): order updates, account position changes, and conditional
// (STOP_MARKET/TAKE_PROFIT_MARKET) order updates, dispatched onto typed
// channels the execution engine and protective-stop manager consume.
//
// It reconnects with exponential backoff and is gated by the same
// Calibrator the market feed uses: calibration pauses both feeds'
// reconnects, not just one of them.
package userdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"reduceclose/internal/reconnect"
	"reduceclose/pkg/types"
)

const (
	pingInterval = 50 * time.Second
	readDeadline = 90 * time.Second
)

// ListenKeyProvider obtains and keeps alive the listenKey the user-data
// stream URL is built from. Implemented by the exchange adapter.
type ListenKeyProvider interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
}

// Feed is the user-data WebSocket ingest. OrderUpdates and AlgoUpdates are
// unbuffered-enough channels (sized for burst tolerance) the orchestrator
// wires directly to the execution engine and protective-stop manager.
type Feed struct {
	wsBaseURL  string
	provider   ListenKeyProvider
	calibrator *reconnect.Calibrator
	logger     *slog.Logger

	// OnReconnect, if set, is invoked synchronously right after a dial
	// succeeds on any connection attempt after the first. The orchestrator
	// uses it to run a REST calibration pass before this feed starts
	// delivering frames from the new connection.
	OnReconnect func()

	OrderUpdates    chan types.OrderUpdate
	AlgoUpdates     chan types.AlgoOrderUpdate
	PositionUpdates chan types.PositionUpdate
	LeverageUpdates chan types.LeverageUpdate

	mu        sync.Mutex
	listenKey string
}

// NewFeed creates a user-data feed against the given WS base URL.
func NewFeed(wsBaseURL string, provider ListenKeyProvider, calibrator *reconnect.Calibrator, logger *slog.Logger) *Feed {
	return &Feed{
		wsBaseURL:       wsBaseURL,
		provider:        provider,
		calibrator:      calibrator,
		logger:          logger,
		OrderUpdates:    make(chan types.OrderUpdate, 256),
		AlgoUpdates:     make(chan types.AlgoOrderUpdate, 256),
		PositionUpdates: make(chan types.PositionUpdate, 256),
		LeverageUpdates: make(chan types.LeverageUpdate, 64),
	}
}

// Run connects and reconnects with exponential backoff until ctx is
// canceled, refreshing the listenKey on every fresh connection and keeping
// it alive on a 30-minute ticker for the lifetime of each connection.
func (f *Feed) Run(ctx context.Context) error {
	backoff := reconnect.NewBackoff()
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if f.calibrator.IsCalibrating() {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		key, err := f.provider.CreateListenKey(ctx)
		if err != nil {
			delay := backoff.Next()
			f.logger.Warn("user-data feed failed to obtain listen key", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		f.mu.Lock()
		f.listenKey = key
		f.mu.Unlock()

		isReconnect := attempt > 0
		attempt++
		if err := f.connectAndServe(ctx, key, isReconnect); err != nil {
			delay := backoff.Next()
			f.logger.Warn("user-data feed disconnected", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		backoff.Reset()
	}
}

func (f *Feed) connectAndServe(ctx context.Context, listenKey string, isReconnect bool) error {
	url := f.wsBaseURL + "/ws/" + listenKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if isReconnect && f.OnReconnect != nil {
		f.OnReconnect()
	}

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	stop := make(chan struct{})
	defer close(stop)
	go f.pingLoop(conn, stop)
	go f.keepAliveLoop(ctx, listenKey, stop)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (f *Feed) keepAliveLoop(ctx context.Context, listenKey string, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.provider.KeepAliveListenKey(ctx, listenKey); err != nil {
				f.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

type userDataEnvelope struct {
	EventType string `json:"e"`
}

type rawAccountUpdate struct {
	Account struct {
		Positions []struct {
			Symbol       string `json:"s"`
			PositionAmt  string `json:"pa"`
			EntryPrice   string `json:"ep"`
			PositionSide string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

type rawAccountConfigUpdate struct {
	Leverage struct {
		Symbol   string `json:"s"`
		Leverage int    `json:"l"`
	} `json:"ac"`
}

type rawOrderTradeUpdate struct {
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrderType     string `json:"o"`
		PositionSide  string `json:"ps"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		FilledQty     string `json:"z"`
		AvgPrice      string `json:"ap"`
		IsMaker       bool   `json:"m"`
		ReduceOnly    bool   `json:"R"`
		ClosePosition bool   `json:"cp"`
		RealizedPnl   string `json:"rp"`
		Commission    string `json:"n"`
		CommAsset     string `json:"N"`
	} `json:"o"`
}

var conditionalOrderTypes = map[string]bool{"STOP_MARKET": true, "TAKE_PROFIT_MARKET": true, "STOP": true, "TAKE_PROFIT": true}

// dispatch routes one raw WS frame by its top-level event-type field, the
// same envelope-peek pattern the market feed uses. Three event kinds are
// handled: ORDER_TRADE_UPDATE (ordinary and conditional order lifecycle,
// told apart by order_type), ACCOUNT_UPDATE (position amount deltas from
// the "P" array), and ACCOUNT_CONFIG_UPDATE (leverage changes). Anything
// else is dropped.
func (f *Feed) dispatch(raw []byte) {
	var env userDataEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}

	switch env.EventType {
	case "ORDER_TRADE_UPDATE":
		f.dispatchOrderTradeUpdate(raw)
	case "ACCOUNT_UPDATE":
		f.dispatchAccountUpdate(raw)
	case "ACCOUNT_CONFIG_UPDATE":
		f.dispatchAccountConfigUpdate(raw)
	}
}

func (f *Feed) dispatchOrderTradeUpdate(raw []byte) {
	var upd rawOrderTradeUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return
	}

	o := upd.Order
	if conditionalOrderTypes[o.OrderType] {
		f.AlgoUpdates <- types.AlgoOrderUpdate{
			Symbol:        o.Symbol,
			PositionSide:  types.PositionSide(o.PositionSide),
			AlgoID:        fmt.Sprintf("%d", o.OrderID),
			ClientAlgoID:  o.ClientOrderID,
			Status:        o.Status,
			OrderType:     o.OrderType,
			ClosePosition: o.ClosePosition,
			ReduceOnly:    o.ReduceOnly,
		}
		return
	}

	isMaker := o.IsMaker
	var realizedPnL, fee *decimal.Decimal
	if o.Status == "FILLED" || o.Status == "PARTIALLY_FILLED" {
		rp := parseDecimal(o.RealizedPnl)
		fe := parseDecimal(o.Commission)
		realizedPnL = &rp
		fee = &fe
	}

	f.OrderUpdates <- types.OrderUpdate{
		Symbol:        o.Symbol,
		PositionSide:  types.PositionSide(o.PositionSide),
		OrderID:       fmt.Sprintf("%d", o.OrderID),
		ClientOrderID: o.ClientOrderID,
		OrderType:     types.OrderType(o.OrderType),
		ClosePosition: o.ClosePosition,
		ReduceOnly:    o.ReduceOnly,
		Status:        types.OrderStatus(o.Status),
		FilledQty:     parseDecimal(o.FilledQty),
		AvgPrice:      parseDecimal(o.AvgPrice),
		IsMaker:       &isMaker,
		RealizedPnL:   realizedPnL,
		Fee:           fee,
		FeeAsset:      o.CommAsset,
	}
}

// dispatchAccountUpdate emits one PositionUpdate per entry in the account
// update's position array. Long amounts are positive, short amounts
// negative; a zero amount means the leg closed.
func (f *Feed) dispatchAccountUpdate(raw []byte) {
	var upd rawAccountUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return
	}
	for _, p := range upd.Account.Positions {
		side := types.Long
		amt := parseDecimal(p.PositionAmt)
		switch p.PositionSide {
		case "SHORT":
			side = types.Short
		case "BOTH":
			if amt.Sign() < 0 {
				side = types.Short
			}
		}
		f.PositionUpdates <- types.PositionUpdate{
			Symbol:       p.Symbol,
			PositionSide: side,
			PositionAmt:  amt,
			EntryPrice:   parseDecimal(p.EntryPrice),
		}
	}
}

// dispatchAccountConfigUpdate emits a LeverageUpdate for a leverage change.
func (f *Feed) dispatchAccountConfigUpdate(raw []byte) {
	var upd rawAccountConfigUpdate
	if err := json.Unmarshal(raw, &upd); err != nil {
		return
	}
	if upd.Leverage.Symbol == "" {
		return
	}
	f.LeverageUpdates <- types.LeverageUpdate{
		Symbol:   upd.Leverage.Symbol,
		Leverage: upd.Leverage.Leverage,
	}
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
