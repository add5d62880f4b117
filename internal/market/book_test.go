package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestApplyBookTicker(t *testing.T) {
	t.Parallel()
	s := NewState("BTCUSDT")

	s.ApplyBookTicker(d("0.55"), d("0.57"))
	snap := s.Snapshot()

	if !snap.BestBid.Equal(d("0.55")) {
		t.Errorf("best bid = %s, want 0.55", snap.BestBid)
	}
	if !snap.BestAsk.Equal(d("0.57")) {
		t.Errorf("best ask = %s, want 0.57", snap.BestAsk)
	}
}

func TestApplyTradeTracksPrevious(t *testing.T) {
	t.Parallel()
	s := NewState("BTCUSDT")

	s.ApplyTrade(d("100"))
	s.ApplyTrade(d("101"))

	snap := s.Snapshot()
	if !snap.LastTradePrice.Equal(d("101")) {
		t.Errorf("last trade = %s, want 101", snap.LastTradePrice)
	}
	if !snap.PreviousTradePrice.Equal(d("100")) {
		t.Errorf("previous trade = %s, want 100", snap.PreviousTradePrice)
	}
}

func TestSnapshotIsReadyRequiresBookAndTrade(t *testing.T) {
	t.Parallel()
	s := NewState("BTCUSDT")

	if s.Snapshot().IsReady {
		t.Error("empty state must not be ready")
	}

	s.ApplyBookTicker(d("100"), d("101"))
	if s.Snapshot().IsReady {
		t.Error("state without a trade must not be ready")
	}

	s.ApplyTrade(d("100.5"))
	if !s.Snapshot().IsReady {
		t.Error("state with book and trade must be ready")
	}
}

func TestApplyBookTickerDropsCrossedQuote(t *testing.T) {
	t.Parallel()
	s := NewState("BTCUSDT")

	s.ApplyBookTicker(d("101"), d("100"))
	snap := s.Snapshot()
	if snap.BestBid.Sign() != 0 || snap.BestAsk.Sign() != 0 {
		t.Errorf("crossed quote should be dropped, got bid=%s ask=%s", snap.BestBid, snap.BestAsk)
	}

	s.ApplyBookTicker(d("100"), d("100"))
	if !s.Snapshot().BestBid.Equal(d("100")) {
		t.Error("equal bid/ask should be accepted")
	}
}

func TestIsStale(t *testing.T) {
	t.Parallel()
	s := NewState("BTCUSDT")

	if !s.IsStale(time.Second) {
		t.Error("new state should be stale")
	}

	s.ApplyTrade(d("100"))
	if s.IsStale(time.Second) {
		t.Error("just-updated state should not be stale")
	}

	time.Sleep(20 * time.Millisecond)
	if !s.IsStale(5 * time.Millisecond) {
		t.Error("state should be stale after maxAge")
	}
}

func TestApplyMarkPriceDoesNotAffectStaleness(t *testing.T) {
	t.Parallel()
	s := NewState("BTCUSDT")

	s.ApplyMarkPrice(d("100"))
	if !s.IsStale(time.Minute) {
		t.Error("mark-price updates must not count toward staleness")
	}
}
