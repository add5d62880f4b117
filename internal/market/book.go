// Package market provides the local market-state mirror for symbols with an
// open reduce-only order working against them.
//
// State tracks best bid/ask, last/previous trade price, and mark price for
// one symbol, kept fresh by the companion WS Feed. It is concurrency-safe
// (RWMutex protected).
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"reduceclose/pkg/types"
)

// State maintains the latest market snapshot for one symbol.
type State struct {
	mu      sync.RWMutex
	symbol  string
	bestBid decimal.Decimal
	bestAsk decimal.Decimal
	last    decimal.Decimal
	prev    decimal.Decimal
	mark    decimal.Decimal
	updated time.Time

	haveBook  bool
	haveTrade bool
}

// NewState creates an empty market-state mirror for a symbol.
func NewState(symbol string) *State {
	return &State{symbol: symbol}
}

// ApplyBookTicker updates best bid/ask from a book-ticker stream event.
// Quotes with bid>ask violate the book invariant and are dropped (bid==ask
// is allowed).
func (s *State) ApplyBookTicker(bestBid, bestAsk decimal.Decimal) {
	if bestBid.GreaterThan(bestAsk) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bestBid = bestBid
	s.bestAsk = bestAsk
	s.haveBook = true
	s.updated = time.Now()
}

// ApplyTrade updates the last traded price, keeping the prior value as
// PreviousTradePrice (the signal engine's acceleration tier needs both).
func (s *State) ApplyTrade(price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev = s.last
	s.last = price
	s.haveTrade = true
	s.updated = time.Now()
}

// ApplyMarkPrice updates the mark price from the mark-price stream. It does
// not touch the staleness clock: mark-price updates arrive every second
// regardless of book/trade activity and would otherwise mask a genuinely
// stale book.
func (s *State) ApplyMarkPrice(mark decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark = mark
}

// Snapshot returns the current market state as an immutable value, with
// IsReady set once at least one book-ticker and one trade have been seen.
func (s *State) Snapshot() types.MarketState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ready := s.haveBook && s.haveTrade
	return types.MarketState{
		Symbol:             s.symbol,
		BestBid:            s.bestBid,
		BestAsk:            s.bestAsk,
		LastTradePrice:     s.last,
		PreviousTradePrice: s.prev,
		MarkPrice:          s.mark,
		LastUpdateMs:       s.updated.UnixMilli(),
		IsReady:            ready,
	}
}

// IsStale reports whether the mirror hasn't been updated within maxAge.
func (s *State) IsStale(maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.updated.IsZero() {
		return true
	}
	return time.Since(s.updated) > maxAge
}
