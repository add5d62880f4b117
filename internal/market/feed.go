package market

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
)

const (
	pingInterval = 50 * time.Second
	readDeadline = 90 * time.Second
)

// Feed is the combined book-ticker/agg-trade/mark-price WebSocket ingest
// for every symbol with a live reduce-only order or open position. Kept as
// a single connection rather than one socket per symbol, since the
// exchange's combined-stream endpoint multiplexes an arbitrary symbol set
// over one connection. Reconnects with exponential backoff, keeps the
// connection alive with ping/pong, and dispatches each frame by its
// top-level event-type field to the bookTicker/aggTrade/markPrice handler.
type Feed struct {
	url        string
	calibrator *reconnect.Calibrator
	logger     *slog.Logger

	// OnReconnect, if set, is invoked synchronously right after a dial
	// succeeds on any connection attempt after the first. The orchestrator
	// uses it to run a REST calibration pass before this feed starts
	// delivering frames from the new connection.
	OnReconnect func()

	mu     sync.RWMutex
	conn   *websocket.Conn
	states map[string]*State
}

// NewFeed creates a market-data feed. States for symbols must be registered
// with Register before Run is started, so incoming events have somewhere
// to land.
func NewFeed(url string, calibrator *reconnect.Calibrator, logger *slog.Logger) *Feed {
	return &Feed{
		url:        url,
		calibrator: calibrator,
		logger:     logger,
		states:     make(map[string]*State),
	}
}

// Register adds a symbol's State to the feed's dispatch table.
func (f *Feed) Register(symbol string, state *State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[symbol] = state
}

// Run connects and reconnects with exponential backoff until ctx is
// canceled. It never returns nil; callers select on ctx.Done() instead.
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

		isReconnect := attempt > 0
		attempt++
		if err := f.connectAndServe(ctx, isReconnect); err != nil {
			delay := backoff.Next()
			f.logger.Warn("market feed disconnected", "error", err, "retry_in", delay)
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

func (f *Feed) connectAndServe(ctx context.Context, isReconnect bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

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

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type bookTickerEvent struct {
	Symbol  string `json:"s"`
	BidPx   string `json:"b"`
	AskPx   string `json:"a"`
}

type aggTradeEvent struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

type markPriceEvent struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

// dispatch routes one raw WS frame by its event-type field, mirroring the
// teacher's event_type-keyed dispatchMessage. The exchange wraps combined
// streams in {"stream":..,"data":{"e": "<type>", ...}}.
func (f *Feed) dispatch(raw []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || len(env.Data) == 0 {
		return
	}
	var peek struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(env.Data, &peek); err != nil {
		return
	}

	switch peek.EventType {
	case "bookTicker":
		var ev bookTickerEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		if st := f.lookup(ev.Symbol); st != nil {
			st.ApplyBookTicker(parseDecimal(ev.BidPx), parseDecimal(ev.AskPx))
		}
	case "aggTrade":
		var ev aggTradeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		if st := f.lookup(ev.Symbol); st != nil {
			st.ApplyTrade(parseDecimal(ev.Price))
		}
	case "markPriceUpdate":
		var ev markPriceEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return
		}
		if st := f.lookup(ev.Symbol); st != nil {
			st.ApplyMarkPrice(parseDecimal(ev.Price))
		}
	}
}

func (f *Feed) lookup(symbol string) *State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.states[symbol]
}

func parseDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return v
}
