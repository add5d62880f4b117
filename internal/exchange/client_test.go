package exchange

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"reduceclose/internal/ratelimit"
	"reduceclose/pkg/types"
)

func TestSdkSideMapping(t *testing.T) {
	t.Parallel()

	if sdkSide(types.Buy).String() == sdkSide(types.Sell).String() {
		t.Fatal("buy and sell must map to distinct SDK side types")
	}
}

func TestSdkPositionSideMapping(t *testing.T) {
	t.Parallel()

	if sdkPositionSide(types.Long).String() == sdkPositionSide(types.Short).String() {
		t.Fatal("long and short must map to distinct SDK position side types")
	}
}

func TestClassifyAPIErrorInsufficientFunds(t *testing.T) {
	t.Parallel()

	if got := classifyAPIError(-2019); got != types.ErrCodeInsufficientFunds {
		t.Errorf("classifyAPIError(-2019) = %s, want %s", got, types.ErrCodeInsufficientFunds)
	}
}

func TestClassifyAPIErrorUnknownFallsBackToTransport(t *testing.T) {
	t.Parallel()

	if got := classifyAPIError(-9999); got != types.ErrCodeTransport {
		t.Errorf("classifyAPIError(-9999) = %s, want %s", got, types.ErrCodeTransport)
	}
}

// FetchOpenAlgoOrders needs a live endpoint, so this test applies the same
// conditional-type set it filters by to a local slice of OpenOrder values.
func TestFetchOpenAlgoOrdersFiltersByType(t *testing.T) {
	t.Parallel()

	orders := []OpenOrder{
		{Type: "LIMIT"},
		{Type: "STOP_MARKET"},
		{Type: "TAKE_PROFIT_MARKET"},
	}
	algoTypes := map[string]bool{"STOP_MARKET": true, "TAKE_PROFIT_MARKET": true, "STOP": true, "TAKE_PROFIT": true}
	count := 0
	for _, o := range orders {
		if algoTypes[o.Type] {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 algo orders, got %d", count)
	}
}

func TestDryRunClientSkipsRateLimiter(t *testing.T) {
	t.Parallel()

	c := &Client{dryRun: true, orderLimiter: ratelimit.New(0, 1000), logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if !c.dryRun {
		t.Fatal("expected dry-run client")
	}
	res, err := c.PlaceOrder(context.Background(), types.OrderIntent{Symbol: "BTCUSDT", Side: types.Sell, PositionSide: types.Long})
	if err != nil || !res.Success {
		t.Fatalf("dry-run PlaceOrder with a zero-capacity limiter = %+v, %v; want success", res, err)
	}
}
