package protectivestop

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"reduceclose/internal/exchange"
	"reduceclose/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubExchange struct {
	openOrders  map[string][]exchange.OpenOrder
	algoOrders  map[string][]exchange.OpenOrder
	canceled    []string
	cancelErr   error
	placed      []types.OrderIntent
	placeResult types.OrderResult
	placeErr    error
}

func newStubExchange() *stubExchange {
	return &stubExchange{
		openOrders:  make(map[string][]exchange.OpenOrder),
		algoOrders:  make(map[string][]exchange.OpenOrder),
		placeResult: types.OrderResult{Success: true, OrderID: "999"},
	}
}

func (s *stubExchange) FetchOpenOrdersRaw(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return s.openOrders[symbol], nil
}

func (s *stubExchange) FetchOpenAlgoOrders(ctx context.Context, symbol string) ([]exchange.OpenOrder, error) {
	return s.algoOrders[symbol], nil
}

func (s *stubExchange) CancelAlgoOrder(ctx context.Context, symbol, orderID string, isRisk bool) error {
	s.canceled = append(s.canceled, orderID)
	return s.cancelErr
}

func (s *stubExchange) PlaceOrder(ctx context.Context, intent types.OrderIntent) (types.OrderResult, error) {
	s.placed = append(s.placed, intent)
	return s.placeResult, s.placeErr
}

func TestComputeStopPriceRounding(t *testing.T) {
	t.Parallel()
	tick := d("0.1")
	liq := d("100")
	dist := d("0.01")

	long, err := computeStopPrice(types.Long, liq, dist, tick)
	if err != nil {
		t.Fatalf("compute long: %v", err)
	}
	if !long.Equal(d("101.1")) {
		t.Errorf("long stop = %s, want 101.1", long)
	}

	short, err := computeStopPrice(types.Short, liq, dist, tick)
	if err != nil {
		t.Fatalf("compute short: %v", err)
	}
	if !short.Equal(d("99.0")) {
		t.Errorf("short stop = %s, want 99.0", short)
	}
}

func TestIsStopPriceValid(t *testing.T) {
	t.Parallel()
	minDist := d("0.0001")

	if !isStopPriceValid(types.Long, d("101"), d("100"), minDist) {
		t.Error("expected long stop well above liq to be valid")
	}
	if isStopPriceValid(types.Long, d("100.005"), d("100"), minDist) {
		t.Error("expected long stop too close to liq to be invalid")
	}
	if !isStopPriceValid(types.Short, d("99"), d("100"), minDist) {
		t.Error("expected short stop well below liq to be valid")
	}
	if isStopPriceValid(types.Short, d("99.995"), d("100"), minDist) {
		t.Error("expected short stop too close to liq to be invalid")
	}
}

func rules() types.InstrumentRule {
	return types.InstrumentRule{Symbol: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001"), MinQty: d("0.001")}
}

func TestSyncSymbolPlacesStopWhenNoneExists(t *testing.T) {
	t.Parallel()
	exch := newStubExchange()
	mgr := NewManager(exch, "rc", d("0.0001"), testLogger())

	positions := map[types.PositionSide]types.Position{
		types.Long: {Symbol: "BTCUSDT", PositionSide: types.Long, PositionAmt: d("1"), LiquidationPrice: d("90")},
	}

	_, err := mgr.SyncSymbol(context.Background(), "BTCUSDT", rules(), positions, true, d("0.01"), nil, "", 1000)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(exch.placed) != 1 {
		t.Fatalf("expected one placement, got %d", len(exch.placed))
	}
	if exch.placed[0].OrderType != types.OrderTypeStopMarket || !exch.placed[0].ClosePosition {
		t.Errorf("expected a closePosition STOP_MARKET, got %+v", exch.placed[0])
	}
}

func TestSyncSymbolCancelsWhenNoPosition(t *testing.T) {
	t.Parallel()
	exch := newStubExchange()
	exch.algoOrders["BTCUSDT"] = []exchange.OpenOrder{
		{Symbol: "BTCUSDT", OrderID: 1, ClientOrderID: "rc-ps-btcusdt-L-00001", Type: "STOP_MARKET", PositionSide: "LONG", ClosePosition: true, StopPrice: "95"},
	}
	mgr := NewManager(exch, "rc", d("0.0001"), testLogger())

	_, err := mgr.SyncSymbol(context.Background(), "BTCUSDT", rules(), map[types.PositionSide]types.Position{}, true, d("0.01"), nil, "", 1000)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(exch.canceled) != 1 {
		t.Fatalf("expected the own stop to be canceled, got %v", exch.canceled)
	}
}

func TestSyncSymbolTightenOnlyLong(t *testing.T) {
	t.Parallel()
	exch := newStubExchange()
	exch.algoOrders["BTCUSDT"] = []exchange.OpenOrder{
		{Symbol: "BTCUSDT", OrderID: 1, ClientOrderID: "rc-ps-btcusdt-L-00001", Type: "STOP_MARKET", PositionSide: "LONG", ClosePosition: true, StopPrice: "101.1"},
	}
	mgr := NewManager(exch, "rc", d("0.0001"), testLogger())

	positions := map[types.PositionSide]types.Position{
		types.Long: {Symbol: "BTCUSDT", PositionSide: types.Long, PositionAmt: d("1"), LiquidationPrice: d("99")},
	}
	// desired = 99/(1-0.01) = 100.0, rounded up to tick = 100.0 < 101.1 existing -> widened, no change
	_, err := mgr.SyncSymbol(context.Background(), "BTCUSDT", rules(), positions, true, d("0.01"), nil, "", 1000)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(exch.canceled) != 0 || len(exch.placed) != 0 {
		t.Fatalf("expected no mutation on a widen attempt, got canceled=%v placed=%v", exch.canceled, exch.placed)
	}
}

func TestSyncSymbolTightenReplacesWhenCloser(t *testing.T) {
	t.Parallel()
	exch := newStubExchange()
	exch.algoOrders["BTCUSDT"] = []exchange.OpenOrder{
		{Symbol: "BTCUSDT", OrderID: 1, ClientOrderID: "rc-ps-btcusdt-L-00001", Type: "STOP_MARKET", PositionSide: "LONG", ClosePosition: true, StopPrice: "95"},
	}
	mgr := NewManager(exch, "rc", d("0.0001"), testLogger())

	positions := map[types.PositionSide]types.Position{
		types.Long: {Symbol: "BTCUSDT", PositionSide: types.Long, PositionAmt: d("1"), LiquidationPrice: d("99")},
	}
	_, err := mgr.SyncSymbol(context.Background(), "BTCUSDT", rules(), positions, true, d("0.01"), nil, "", 1000)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(exch.canceled) != 1 {
		t.Fatalf("expected old stop canceled, got %v", exch.canceled)
	}
	if len(exch.placed) != 1 {
		t.Fatalf("expected new stop placed, got %v", exch.placed)
	}
}

func TestSyncSymbolExternalValidTakeoverCancelsOwn(t *testing.T) {
	t.Parallel()
	exch := newStubExchange()
	exch.algoOrders["BTCUSDT"] = []exchange.OpenOrder{
		{Symbol: "BTCUSDT", OrderID: 1, ClientOrderID: "rc-ps-btcusdt-L-00001", Type: "STOP_MARKET", PositionSide: "LONG", ClosePosition: true, StopPrice: "95"},
		{Symbol: "BTCUSDT", OrderID: 2, ClientOrderID: "someone-else", Type: "STOP_MARKET", PositionSide: "LONG", ClosePosition: true, StopPrice: "101"},
	}
	mgr := NewManager(exch, "rc", d("0.0001"), testLogger())

	positions := map[types.PositionSide]types.Position{
		types.Long: {Symbol: "BTCUSDT", PositionSide: types.Long, PositionAmt: d("1"), LiquidationPrice: d("99")},
	}
	hasExternal, err := mgr.SyncSymbol(context.Background(), "BTCUSDT", rules(), positions, true, d("0.01"), nil, "", 1000)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !hasExternal[types.Long] {
		t.Error("expected external stop flagged on LONG")
	}
	if len(exch.canceled) != 1 || exch.canceled[0] != "1" {
		t.Errorf("expected only our own stop (order 1) canceled, got %v", exch.canceled)
	}
	if len(exch.placed) != 0 {
		t.Error("expected no new placement under valid external takeover")
	}
}

func TestSyncSymbolInvalidExternalStopIsCanceledAndOwnPlaced(t *testing.T) {
	t.Parallel()
	exch := newStubExchange()
	exch.algoOrders["BTCUSDT"] = []exchange.OpenOrder{
		{Symbol: "BTCUSDT", OrderID: 5, ClientOrderID: "someone-else", Type: "STOP_MARKET", PositionSide: "LONG", ClosePosition: true, StopPrice: "50"},
	}
	mgr := NewManager(exch, "rc", d("0.0001"), testLogger())

	positions := map[types.PositionSide]types.Position{
		types.Long: {Symbol: "BTCUSDT", PositionSide: types.Long, PositionAmt: d("1"), LiquidationPrice: d("99")},
	}
	_, err := mgr.SyncSymbol(context.Background(), "BTCUSDT", rules(), positions, true, d("0.01"), nil, "", 1000)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(exch.canceled) != 1 || exch.canceled[0] != "5" {
		t.Errorf("expected the invalid external stop canceled, got %v", exch.canceled)
	}
	if len(exch.placed) != 1 {
		t.Errorf("expected our own stop placed after clearing the invalid external, got %d", len(exch.placed))
	}
}

func TestSyncSymbolExternalLatchBlocksMutation(t *testing.T) {
	t.Parallel()
	exch := newStubExchange()
	mgr := NewManager(exch, "rc", d("0.0001"), testLogger())

	positions := map[types.PositionSide]types.Position{
		types.Long: {Symbol: "BTCUSDT", PositionSide: types.Long, PositionAmt: d("1"), LiquidationPrice: d("99")},
	}
	latch := map[types.PositionSide]bool{types.Long: true}
	_, err := mgr.SyncSymbol(context.Background(), "BTCUSDT", rules(), positions, true, d("0.01"), latch, "", 1000)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(exch.placed) != 0 || len(exch.canceled) != 0 {
		t.Errorf("expected latch to suppress all mutation, got placed=%v canceled=%v", exch.placed, exch.canceled)
	}
}

func TestOnAlgoOrderUpdateClearsRecordOnTerminalStatus(t *testing.T) {
	t.Parallel()
	exch := newStubExchange()
	exch.algoOrders["BTCUSDT"] = []exchange.OpenOrder{
		{Symbol: "BTCUSDT", OrderID: 1, ClientOrderID: "rc-ps-btcusdt-L-00001", Type: "STOP_MARKET", PositionSide: "LONG", ClosePosition: true, StopPrice: "95"},
	}
	mgr := NewManager(exch, "rc", d("0.0001"), testLogger())

	positions := map[types.PositionSide]types.Position{
		types.Long: {Symbol: "BTCUSDT", PositionSide: types.Long, PositionAmt: d("1"), LiquidationPrice: d("99")},
	}
	if _, err := mgr.SyncSymbol(context.Background(), "BTCUSDT", rules(), positions, true, d("0.01"), nil, "", 1000); err != nil {
		t.Fatalf("sync: %v", err)
	}

	scheduled := mgr.OnAlgoOrderUpdate(types.AlgoOrderUpdate{
		Symbol: "BTCUSDT", ClientAlgoID: "rc-ps-btcusdt-L-00001", Status: "CANCELED",
	})
	if !scheduled {
		t.Error("expected a resync to be requested on terminal algo status")
	}
	if mgr.IsOwnAlgoOrder("BTCUSDT", "999") {
		t.Error("expected the record to be cleared")
	}
}
