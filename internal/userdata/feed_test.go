package userdata

import (
	"testing"

	"github.com/shopspring/decimal"

	"reduceclose/internal/reconnect"
	"reduceclose/pkg/types"
)

func newTestFeed() *Feed {
	return NewFeed("wss://example", nil, reconnect.NewCalibrator(), nil)
}

func TestDispatchRoutesOrdinaryOrderUpdate(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","c":"x-1","ps":"LONG","o":"LIMIT","X":"FILLED","i":42,"z":"1.0","ap":"100","m":true}}`)
	f.dispatch(raw)

	select {
	case u := <-f.OrderUpdates:
		if u.Symbol != "BTCUSDT" || u.OrderID != "42" || u.Status != types.StatusFilled {
			t.Errorf("unexpected order update: %+v", u)
		}
	default:
		t.Fatal("expected an order update to be dispatched")
	}
}

func TestDispatchRoutesConditionalOrderToAlgoChannel(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	raw := []byte(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"BTCUSDT","c":"x-ps-1","ps":"LONG","o":"STOP_MARKET","X":"NEW","i":7,"cp":true}}`)
	f.dispatch(raw)

	select {
	case u := <-f.AlgoUpdates:
		if u.AlgoID != "7" || u.OrderType != "STOP_MARKET" {
			t.Errorf("unexpected algo update: %+v", u)
		}
	default:
		t.Fatal("expected an algo update to be dispatched")
	}
}

func TestDispatchRoutesAccountUpdateToPositionUpdates(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	raw := []byte(`{"e":"ACCOUNT_UPDATE","a":{"P":[{"s":"BTCUSDT","pa":"1.500","ep":"100.5","ps":"LONG"},{"s":"ETHUSDT","pa":"-2.000","ep":"50","ps":"SHORT"}]}}`)
	f.dispatch(raw)

	u1 := <-f.PositionUpdates
	if u1.Symbol != "BTCUSDT" || u1.PositionSide != types.Long || !u1.PositionAmt.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("unexpected first position update: %+v", u1)
	}
	u2 := <-f.PositionUpdates
	if u2.Symbol != "ETHUSDT" || u2.PositionSide != types.Short || !u2.PositionAmt.Equal(decimal.RequireFromString("-2")) {
		t.Errorf("unexpected second position update: %+v", u2)
	}
}

func TestDispatchRoutesAccountUpdateZeroAmountClosesLeg(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatch([]byte(`{"e":"ACCOUNT_UPDATE","a":{"P":[{"s":"BTCUSDT","pa":"0","ep":"0","ps":"LONG"}]}}`))

	u := <-f.PositionUpdates
	if !u.PositionAmt.IsZero() {
		t.Errorf("expected zero position amount, got %s", u.PositionAmt)
	}
}

func TestDispatchRoutesAccountConfigUpdateToLeverageUpdates(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatch([]byte(`{"e":"ACCOUNT_CONFIG_UPDATE","ac":{"s":"BTCUSDT","l":20}}`))

	select {
	case u := <-f.LeverageUpdates:
		if u.Symbol != "BTCUSDT" || u.Leverage != 20 {
			t.Errorf("unexpected leverage update: %+v", u)
		}
	default:
		t.Fatal("expected a leverage update to be dispatched")
	}
}

func TestDispatchIgnoresUnknownEventTypes(t *testing.T) {
	t.Parallel()
	f := newTestFeed()

	f.dispatch([]byte(`{"e":"SOMETHING_ELSE"}`))

	select {
	case <-f.OrderUpdates:
		t.Fatal("unexpected order update")
	case <-f.AlgoUpdates:
		t.Fatal("unexpected algo update")
	case <-f.PositionUpdates:
		t.Fatal("unexpected position update")
	case <-f.LeverageUpdates:
		t.Fatal("unexpected leverage update")
	default:
	}
}
