// Package exchange implements the reduce-only closing executor's exchange
// adapter (C5): order placement/cancellation, position and instrument-rule
// snapshots, and the raw-endpoint fallbacks the typed SDK does not expose.
//
// The typed surface (orders, positions, exchange info) rides
// github.com/adshao/go-binance/v2's futures client. Two things the typed
// SDK does not reliably surface — closePosition stop orders with
// origQty=0, and per-trade maker/taker + realized-pnl detail — are fetched
// with a raw github.com/go-resty/resty/v2 request against the same signed
// endpoints.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"reduceclose/internal/config"
	"reduceclose/internal/ratelimit"
	"reduceclose/pkg/types"
)

// Client is the exchange adapter. It wraps the typed futures SDK client for
// the order/position/exchange-info surface and a raw resty client (signed
// with the same API key/secret) for the handful of endpoints the SDK's
// typed structs drop fields from.
type Client struct {
	sdk    *futures.Client
	raw    *resty.Client
	apiKey string
	secret string

	orderLimiter  *ratelimit.SlidingWindow
	cancelLimiter *ratelimit.SlidingWindow

	dryRun bool
	logger *slog.Logger
}

// NewClient builds the adapter from configuration. In dry-run mode the SDK
// client is still constructed (exchange-info/position reads are harmless
// reads) but PlaceOrder/CancelOrder short-circuit before any mutating call.
func NewClient(cfg config.Config, logger *slog.Logger) *Client {
	futures.UseTestnet = cfg.API.UseTestnet
	sdk := binanceFuturesClient(cfg.API.ApiKey, cfg.API.SecretKey)

	raw := resty.New().
		SetBaseURL(cfg.API.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(300 * time.Millisecond).
		SetRetryMaxWaitTime(3 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &Client{
		sdk:           sdk,
		raw:           raw,
		apiKey:        cfg.API.ApiKey,
		secret:        cfg.API.SecretKey,
		orderLimiter:  ratelimit.New(cfg.RateLimit.MaxOrdersPerSec, 1000),
		cancelLimiter: ratelimit.New(cfg.RateLimit.MaxCancelsPerSec, 1000),
		dryRun:        cfg.DryRun,
		logger:        logger,
	}
}

// binanceFuturesClient is split out so tests can stub it without a live SDK.
func binanceFuturesClient(apiKey, secretKey string) *futures.Client {
	return futures.NewClient(apiKey, secretKey)
}

// sign produces the HMAC-SHA256 signature Binance expects on the raw
// endpoints the typed SDK does not cover (query string -> hex signature).
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// LoadMarkets fetches exchange info and derives per-symbol InstrumentRule
// (tick size, step size, min qty, min notional) from the PRICE_FILTER,
// LOT_SIZE, and MIN_NOTIONAL symbol filters. Symbols without an explicit
// filter fall back to a conservative default rather than failing startup.
func (c *Client) LoadMarkets(ctx context.Context) (map[string]types.InstrumentRule, error) {
	info, err := c.sdk.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}

	rules := make(map[string]types.InstrumentRule, len(info.Symbols))
	for _, sym := range info.Symbols {
		rule := types.InstrumentRule{
			Symbol:      sym.Symbol,
			TickSize:    decimal.NewFromFloat(0.01),
			StepSize:    decimal.NewFromFloat(0.001),
			MinQty:      decimal.NewFromFloat(0.001),
			MinNotional: decimal.NewFromFloat(5),
		}
		for _, f := range sym.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				if v, ok := f["tickSize"].(string); ok {
					rule.TickSize = mustDecimal(v, rule.TickSize)
				}
			case "LOT_SIZE":
				if v, ok := f["stepSize"].(string); ok {
					rule.StepSize = mustDecimal(v, rule.StepSize)
				}
				if v, ok := f["minQty"].(string); ok {
					rule.MinQty = mustDecimal(v, rule.MinQty)
				}
			case "MIN_NOTIONAL":
				if v, ok := f["notional"].(string); ok {
					rule.MinNotional = mustDecimal(v, rule.MinNotional)
				}
			}
		}
		rules[sym.Symbol] = rule
	}
	return rules, nil
}

func mustDecimal(s string, fallback decimal.Decimal) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return v
}

// FetchPositions returns every non-flat hedge-mode position leg (one entry
// per symbol+side with a nonzero positionAmt).
func (c *Client) FetchPositions(ctx context.Context) ([]types.Position, error) {
	risks, err := c.sdk.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	out := make([]types.Position, 0, len(risks))
	for _, r := range risks {
		amt := mustDecimal(r.PositionAmt, decimal.Zero)
		if amt.IsZero() {
			continue
		}
		side := types.Long
		if r.PositionSide == "SHORT" {
			side = types.Short
		} else if r.PositionSide == "BOTH" && amt.Sign() < 0 {
			side = types.Short
		}
		leverage, _ := strconv.Atoi(r.Leverage)
		out = append(out, types.Position{
			Symbol:           r.Symbol,
			PositionSide:     side,
			PositionAmt:      amt,
			EntryPrice:       mustDecimal(r.EntryPrice, decimal.Zero),
			UnrealizedPnL:    mustDecimal(r.UnRealizedProfit, decimal.Zero),
			Leverage:         leverage,
			MarkPrice:        mustDecimal(r.MarkPrice, decimal.Zero),
			LiquidationPrice: mustDecimal(r.LiquidationPrice, decimal.Zero),
		})
	}
	return out, nil
}

// FetchLeverageMap returns the current leverage per symbol, derived from
// the same position-risk snapshot FetchPositions uses.
func (c *Client) FetchLeverageMap(ctx context.Context) (map[string]int, error) {
	risks, err := c.sdk.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch leverage map: %w", err)
	}
	out := make(map[string]int, len(risks))
	for _, r := range risks {
		lev, _ := strconv.Atoi(r.Leverage)
		out[r.Symbol] = lev
	}
	return out, nil
}

// PlaceOrder submits a single order intent. Post-only rejections (Binance
// error -5022) are returned as a structured ErrCodePostOnlyReject result
// rather than a Go error, so the caller logs no warning for them. The
// closing state machine handles them like any other failed placement: the
// side moves to COOLDOWN, with no mode change and no aggressive retry.
func (c *Client) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("dry-run place order", "symbol", intent.Symbol, "side", intent.Side, "qty", intent.Qty, "price", intent.Price, "type", intent.OrderType)
		return types.OrderResult{
			Success:       true,
			OrderID:       fmt.Sprintf("dry-%d", time.Now().UnixNano()),
			ClientOrderID: intent.ClientOrderID,
			Status:        types.StatusNew,
		}, nil
	}
	if !intent.IsRisk && !c.orderLimiter.TryAcquire(time.Now().UnixMilli()) {
		return types.OrderResult{Success: false, ErrorCode: types.ErrCodeRateLimited, ErrorMessage: "order rate limit exceeded"}, nil
	}

	// positionSide is always sent, and the exchange rejects reduceOnly
	// alongside it — reduce-only is instead enforced semantically by the
	// caller (qty <= |position|, side opposite positionSide's natural side).
	svc := c.sdk.NewCreateOrderService().
		Symbol(intent.Symbol).
		Side(sdkSide(intent.Side)).
		PositionSide(sdkPositionSide(intent.PositionSide)).
		NewClientOrderID(intent.ClientOrderID)

	switch intent.OrderType {
	case types.OrderTypeStopMarket:
		svc = svc.Type(futures.OrderType("STOP_MARKET")).
			StopPrice(intent.StopPrice.String()).
			WorkingType(futures.WorkingTypeMarkPrice)
		if intent.ClosePosition {
			svc = svc.ClosePosition(true)
		} else {
			svc = svc.Quantity(intent.Qty.String())
		}
	default:
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(sdkTimeInForce(intent.TimeInForce)).
			Quantity(intent.Qty.String()).
			Price(intent.Price.String())
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		if code, msg, ok := asAPIError(err); ok {
			if code == -5022 {
				return types.OrderResult{Success: false, ErrorCode: types.ErrCodePostOnlyReject, ErrorMessage: msg}, nil
			}
			return types.OrderResult{Success: false, ErrorCode: classifyAPIError(code), ErrorMessage: msg}, nil
		}
		return types.OrderResult{}, fmt.Errorf("place order: %w", err)
	}

	return types.OrderResult{
		Success:       true,
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        types.OrderStatus(resp.Status),
		FilledQty:     mustDecimal(resp.ExecutedQuantity, decimal.Zero),
		AvgPrice:      mustDecimal(resp.AvgPrice, decimal.Zero),
	}, nil
}

// CancelOrder cancels a standard (non-algo) order by exchange order ID.
// isRisk bypasses the cancel-rate limiter, for callers (protective-stop,
// panic-close) that must never be soft-throttled out of tearing down or
// replacing a safety order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string, isRisk bool) error {
	if c.dryRun {
		c.logger.Info("dry-run cancel order", "symbol", symbol, "order_id", orderID)
		return nil
	}
	if !isRisk && !c.cancelLimiter.TryAcquire(time.Now().UnixMilli()) {
		return fmt.Errorf("cancel rate limit exceeded")
	}
	id, _ := strconv.ParseInt(orderID, 10, 64)
	_, err := c.sdk.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("cancel order %s/%s: %w", symbol, orderID, err)
	}
	return nil
}

// CancelAlgoOrder cancels a conditional (STOP_MARKET/TAKE_PROFIT_MARKET)
// order. On this exchange family conditional orders share the standard
// order-cancel endpoint; the distinction only matters for clientOrderId
// namespacing, so this simply delegates.
func (c *Client) CancelAlgoOrder(ctx context.Context, symbol, orderID string, isRisk bool) error {
	return c.CancelOrder(ctx, symbol, orderID, isRisk)
}

// CancelAnyOrder tries the standard cancel path first and falls back to the
// algo path on failure, so callers that don't know an order's flavor can
// still tear it down deterministically on shutdown.
func (c *Client) CancelAnyOrder(ctx context.Context, symbol, orderID string, isRisk bool) error {
	if err := c.CancelOrder(ctx, symbol, orderID, isRisk); err != nil {
		return c.CancelAlgoOrder(ctx, symbol, orderID, isRisk)
	}
	return nil
}

// FetchOpenOrders returns open orders for a symbol through the typed SDK.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]types.OrderUpdate, error) {
	orders, err := c.sdk.NewListOpenOrdersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch open orders: %w", err)
	}
	out := make([]types.OrderUpdate, 0, len(orders))
	for _, o := range orders {
		out = append(out, types.OrderUpdate{
			Symbol:        o.Symbol,
			PositionSide:  types.PositionSide(o.PositionSide),
			OrderID:       strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			OrderType:     types.OrderType(o.Type),
			ClosePosition: o.ClosePosition,
			ReduceOnly:    o.ReduceOnly,
			Status:        types.OrderStatus(o.Status),
			FilledQty:     mustDecimal(o.ExecutedQuantity, decimal.Zero),
			AvgPrice:      mustDecimal(o.AvgPrice, decimal.Zero),
		})
	}
	return out, nil
}

// OpenOrder is the shape returned by GET /fapi/v1/openOrders, kept wide
// open (unlike the SDK's typed struct) so closePosition=true stop orders
// with origQty="0" are not silently dropped by strict unmarshaling.
type OpenOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Type          string `json:"type"`
	PositionSide  string `json:"positionSide"`
	Status        string `json:"status"`
	StopPrice     string `json:"stopPrice"`
	ClosePosition bool   `json:"closePosition"`
	ReduceOnly    bool   `json:"reduceOnly"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	WorkingType   string `json:"workingType"`
}

// FetchOpenOrdersRaw hits the signed REST endpoint directly rather than the
// SDK's typed decoder. Used exclusively by the protective-stop sync path,
// which must see closePosition stop orders the SDK's strict unmarshal can
// drop when origQty is "0".
func (c *Client) FetchOpenOrdersRaw(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var raws []OpenOrder
	if err := c.signedGet(ctx, "/fapi/v1/openOrders", map[string]string{"symbol": symbol}, &raws); err != nil {
		return nil, fmt.Errorf("fetch open orders raw: %w", err)
	}
	return raws, nil
}

// FetchOpenAlgoOrders filters the raw open-orders snapshot down to
// conditional order types (STOP_MARKET/TAKE_PROFIT_MARKET/STOP/TAKE_PROFIT).
func (c *Client) FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	all, err := c.FetchOpenOrdersRaw(ctx, symbol)
	if err != nil {
		return nil, err
	}
	algoTypes := map[string]bool{"STOP_MARKET": true, "TAKE_PROFIT_MARKET": true, "STOP": true, "TAKE_PROFIT": true}
	out := make([]OpenOrder, 0, len(all))
	for _, o := range all {
		if algoTypes[o.Type] {
			out = append(out, o)
		}
	}
	return out, nil
}

// TradeMeta is the per-fill detail fetch_order_trade_meta recovers when a
// late fill's WS update never arrives within the grace window: whether the
// fill was maker or taker, the realized PnL, and the fee charged.
type TradeMeta struct {
	IsMaker     bool
	RealizedPnL decimal.Decimal
	Fee         decimal.Decimal
	FeeAsset    string
}

type rawUserTrade struct {
	OrderID     int64  `json:"orderId"`
	Maker       bool   `json:"maker"`
	RealizedPnl string `json:"realizedPnl"`
	Commission  string `json:"commission"`
	CommAsset   string `json:"commissionAsset"`
}

// FetchOrderTradeMeta aggregates the user-trades matching orderID (an order
// may fill across several trades) into a single maker/taker + pnl/fee
// summary for the deferred fill log.
func (c *Client) FetchOrderTradeMeta(ctx context.Context, symbol, orderID string) (TradeMeta, error) {
	var trades []rawUserTrade
	if err := c.signedGet(ctx, "/fapi/v1/userTrades", map[string]string{"symbol": symbol, "orderId": orderID}, &trades); err != nil {
		return TradeMeta{}, fmt.Errorf("fetch order trade meta: %w", err)
	}
	if len(trades) == 0 {
		return TradeMeta{}, fmt.Errorf("no trades found for order %s", orderID)
	}

	meta := TradeMeta{IsMaker: trades[0].Maker, FeeAsset: trades[0].CommAsset}
	for _, t := range trades {
		meta.RealizedPnL = meta.RealizedPnL.Add(mustDecimal(t.RealizedPnl, decimal.Zero))
		meta.Fee = meta.Fee.Add(mustDecimal(t.Commission, decimal.Zero))
	}
	return meta, nil
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// CreateListenKey obtains a fresh user-data stream key. Implements
// userdata.ListenKeyProvider.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	resp, err := c.raw.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		Post("/fapi/v1/listenKey")
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("create listen key: status %d: %s", resp.StatusCode(), resp.String())
	}
	var out listenKeyResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends a user-data stream key's 60-minute expiry.
// Implements userdata.ListenKeyProvider.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	resp, err := c.raw.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParam("listenKey", key).
		Put("/fapi/v1/listenKey")
	if err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("keepalive listen key: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// signedGet issues a signed GET against the raw REST client, appending the
// timestamp/signature query parameters Binance's user-data endpoints require.
func (c *Client) signedGet(ctx context.Context, path string, params map[string]string, out interface{}) error {
	query := fmt.Sprintf("timestamp=%d", time.Now().UnixMilli())
	for k, v := range params {
		query += fmt.Sprintf("&%s=%s", k, v)
	}
	query += "&signature=" + c.sign(query)

	resp, err := c.raw.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryString(query).
		Get(path)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	return json.Unmarshal(resp.Body(), out)
}

func sdkSide(s types.Side) futures.SideType {
	if s == types.Buy {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func sdkPositionSide(s types.PositionSide) futures.PositionSideType {
	if s == types.Long {
		return futures.PositionSideTypeLong
	}
	return futures.PositionSideTypeShort
}

func sdkTimeInForce(t types.TimeInForce) futures.TimeInForceType {
	switch t {
	case types.TIFPostOnly:
		return futures.TimeInForceTypeGTX
	case types.TIFImmediateCancel:
		return futures.TimeInForceTypeIOC
	case types.TIFFillOrKill:
		return futures.TimeInForceTypeFOK
	default:
		return futures.TimeInForceTypeGTC
	}
}

// asAPIError unwraps the SDK's *futures.APIError, if that's what err is.
func asAPIError(err error) (code int, msg string, ok bool) {
	if e, matches := err.(*futures.APIError); matches {
		return int(e.Code), e.Message, true
	}
	return 0, "", false
}

func classifyAPIError(code int) types.ErrorCode {
	switch code {
	case -2019, -2018:
		return types.ErrCodeInsufficientFunds
	case -1013, -1100, -2010, -2022:
		return types.ErrCodeInvalidOrder
	default:
		return types.ErrCodeTransport
	}
}
