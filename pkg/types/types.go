// Package types defines the shared data contracts passed between the
// market/user-data ingest, signal engine, execution engine, protective-stop
// manager, and exchange adapter. Modules communicate only through these
// types, never by reaching into each other's internal state.
package types

import (
	"github.com/shopspring/decimal"
)

// Side is the order side sent to the exchange.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// PositionSide identifies which hedge-mode book an order affects.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// OrderType is the exchange order type.
type OrderType string

const (
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
)

// TimeInForce controls order matching behavior.
type TimeInForce string

const (
	TIFGoodTilCancel   TimeInForce = "GTC"
	TIFPostOnly        TimeInForce = "GTX" // post-only; rejected if it would cross
	TIFImmediateCancel TimeInForce = "IOC"
	TIFFillOrKill      TimeInForce = "FOK"
)

// OrderStatus is the lifecycle status of a placed order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// ExecutionState is the per-(symbol, position side) state machine state.
type ExecutionState string

const (
	StateIdle      ExecutionState = "IDLE"
	StatePlacing   ExecutionState = "PLACING"
	StateWaiting   ExecutionState = "WAITING"
	StateCanceling ExecutionState = "CANCELING"
	StateCooldown  ExecutionState = "COOLDOWN"
)

// ExecutionMode selects maker (post-only) vs aggressive (crossing) pricing.
type ExecutionMode string

const (
	ModeMakerOnly       ExecutionMode = "MAKER_ONLY"
	ModeAggressiveLimit ExecutionMode = "AGGRESSIVE_LIMIT"
)

// ExitReason records why an exit signal fired.
type ExitReason string

const (
	ReasonLongPrimary     ExitReason = "long_primary"
	ReasonLongBidImprove  ExitReason = "long_bid_improve"
	ReasonShortPrimary    ExitReason = "short_primary"
	ReasonShortAskImprove ExitReason = "short_ask_improve"
	ReasonPanicClose      ExitReason = "panic_close"
)

// ErrorCode tags the structured outcome of a rejected/failed order, used in
// place of exceptions so callers handle exchange-expected rejections as
// ordinary values.
type ErrorCode string

const (
	ErrCodeNone              ErrorCode = ""
	ErrCodeInsufficientFunds ErrorCode = "insufficient_funds"
	ErrCodeInvalidOrder      ErrorCode = "invalid_order"
	ErrCodePostOnlyReject    ErrorCode = "post_only_reject"
	ErrCodeRateLimited       ErrorCode = "rate_limited"
	ErrCodeTransport         ErrorCode = "transport"
)

// InstrumentRule carries the exchange's precision/minimum constraints for
// one trading pair. Immutable for the lifetime of a loaded rule; reloaded
// wholesale by REST calibration.
type InstrumentRule struct {
	Symbol      string
	TickSize    decimal.Decimal
	StepSize    decimal.Decimal
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// MarketState is the latest known book/trade/mark-price snapshot for one symbol.
type MarketState struct {
	Symbol             string
	BestBid            decimal.Decimal
	BestAsk            decimal.Decimal
	LastTradePrice     decimal.Decimal
	PreviousTradePrice decimal.Decimal
	MarkPrice          decimal.Decimal
	LastUpdateMs       int64 // updated only by book-ticker / agg-trade, not mark-price
	IsReady            bool  // true once at least one bid/ask and one trade have been seen
}

// Position is one symbol+side leg of a hedge-mode account.
type Position struct {
	Symbol           string
	PositionSide     PositionSide
	PositionAmt      decimal.Decimal // signed: long positive, short negative
	EntryPrice       decimal.Decimal
	UnrealizedPnL    decimal.Decimal
	Leverage         int
	MarkPrice        decimal.Decimal
	LiquidationPrice decimal.Decimal
}

// ExitSignal is emitted by the signal engine when a closing condition fires.
type ExitSignal struct {
	Symbol       string
	PositionSide PositionSide
	Reason       ExitReason
	ROIMult      int
	AccelMult    int
	Market       MarketState
	TimestampMs  int64
}

// OrderIntent is the request the execution/protective-stop layers hand to
// the exchange adapter.
type OrderIntent struct {
	Symbol        string
	Side          Side
	PositionSide  PositionSide
	Qty           decimal.Decimal
	Price         decimal.Decimal // zero value means "not applicable" (e.g. STOP_MARKET)
	StopPrice     decimal.Decimal
	OrderType     OrderType
	TimeInForce   TimeInForce
	ReduceOnly    bool
	ClosePosition bool
	ClientOrderID string
	IsRisk        bool // bypasses soft rate limiting when true
}

// OrderResult is the structured outcome of placing or cancelling an order.
type OrderResult struct {
	Success       bool
	OrderID       string
	ClientOrderID string
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	ErrorCode     ErrorCode
	ErrorMessage  string
}

// OrderUpdate is a user-data order-trade-update event.
type OrderUpdate struct {
	Symbol        string
	PositionSide  PositionSide
	OrderID       string
	ClientOrderID string
	OrderType     OrderType
	ClosePosition bool
	ReduceOnly    bool
	Status        OrderStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	IsMaker       *bool
	RealizedPnL   *decimal.Decimal
	Fee           *decimal.Decimal
	FeeAsset      string
}

// AlgoOrderUpdate is a user-data update for a conditional (algo/stop) order.
type AlgoOrderUpdate struct {
	Symbol        string
	PositionSide  PositionSide
	AlgoID        string
	ClientAlgoID  string
	Status        string // raw exchange status string, e.g. "CANCELED", "TRIGGERED"
	OrderType     string
	ClosePosition bool
	ReduceOnly    bool
}

// RiskFlag is the output of a liquidation-distance check.
type RiskFlag struct {
	Symbol       string
	PositionSide PositionSide
	IsTriggered  bool
	DistToLiq    decimal.Decimal
	HasDistToLiq bool
	Reason       string
}

// LeverageUpdate is an account-config-update event.
type LeverageUpdate struct {
	Symbol   string
	Leverage int
}

// PositionUpdate is one entry from a user-data account-update event's
// position array (the "P" list): the new signed amount for one symbol+side
// leg. A zero PositionAmt means the leg was closed and should be dropped
// from the position cache.
type PositionUpdate struct {
	Symbol       string
	PositionSide PositionSide
	PositionAmt  decimal.Decimal
	EntryPrice   decimal.Decimal
}
