// Package panicclose implements the tiered forced-liquidation slicer: once a
// position's distance to its liquidation price crosses the configured
// threshold, it takes over from the ordinary signal/execution path and drives
// progressively larger reduce-only slices, with a shortened order TTL and a
// lower escalate-to-aggressive bar, the closer the position gets to
// liquidation.
package panicclose

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"reduceclose/internal/config"
	"reduceclose/pkg/types"
)

// sortedTier is a parsed, pre-sorted PanicCloseTier.
type sortedTier struct {
	distToLiq               decimal.Decimal
	sliceRatio              decimal.Decimal
	makerTimeoutsToEscalate int
}

// Controller evaluates live positions against the configured liquidation
// distance threshold and, when in panic range, returns the tier that applies.
type Controller struct {
	cfg    config.PanicCloseConfig
	tiers  []sortedTier // ascending by distToLiq: tightest (closest to liquidation) first
	ttlPct decimal.Decimal
	logger *slog.Logger

	mu         sync.Mutex
	activeTier map[key]int // symbol+side -> index into tiers, for transition logging
}

type key struct {
	symbol string
	side   types.PositionSide
}

// NewController parses and sorts the configured tiers once at startup.
func NewController(cfg config.PanicCloseConfig, logger *slog.Logger) (*Controller, error) {
	c := &Controller{
		cfg:        cfg,
		logger:     logger.With("component", "panic_close"),
		activeTier: make(map[key]int),
	}

	ttlPct, err := decimal.NewFromString(cfg.TTLPercent)
	if err != nil {
		ttlPct = decimal.NewFromInt(50)
	}
	c.ttlPct = ttlPct

	for _, t := range cfg.Tiers {
		dist, err := decimal.NewFromString(t.DistToLiq)
		if err != nil {
			continue
		}
		ratio, err := decimal.NewFromString(t.SliceRatio)
		if err != nil {
			continue
		}
		c.tiers = append(c.tiers, sortedTier{
			distToLiq:               dist,
			sliceRatio:              ratio,
			makerTimeoutsToEscalate: t.MakerTimeoutsToEscalate,
		})
	}
	sort.Slice(c.tiers, func(i, j int) bool {
		return c.tiers[i].distToLiq.LessThan(c.tiers[j].distToLiq)
	})

	return c, nil
}

// DistanceRatio computes |mark - liquidation| / mark. Returns zero if either
// input is non-positive (no position, or liquidation price not yet known).
func DistanceRatio(markPrice, liqPrice decimal.Decimal) decimal.Decimal {
	if markPrice.Sign() <= 0 || liqPrice.Sign() <= 0 {
		return decimal.Zero
	}
	diff := markPrice.Sub(liqPrice)
	if diff.Sign() < 0 {
		diff = diff.Neg()
	}
	return diff.Div(markPrice)
}

// Evaluate checks whether the given position is inside panic range and, if
// so, returns the tier that applies: the tightest configured tier whose
// distToLiq threshold is still >= the live distance ratio. Tiers are
// evaluated tightest-first, so a position well inside the liquidation zone
// matches the most aggressive applicable tier.
//
// orderTTLMs is the execution engine's configured base TTL; the returned
// ttlOverrideMs scales it by the controller-wide ttl_percent, shared by all
// tiers and read as a percentage (50 halves the TTL).
func (c *Controller) Evaluate(symbol string, side types.PositionSide, markPrice, liqPrice decimal.Decimal, orderTTLMs int64) (sliceRatio decimal.Decimal, ttlOverrideMs int64, escalateOverride int, tierIdx int, ok bool) {
	if !c.cfg.Enabled || len(c.tiers) == 0 {
		return decimal.Zero, 0, 0, -1, false
	}

	ratio := DistanceRatio(markPrice, liqPrice)
	k := key{symbol, side}

	for i, t := range c.tiers {
		if ratio.LessThanOrEqual(t.distToLiq) {
			c.logTransition(k, i)
			ttlOverride := decimal.NewFromInt(orderTTLMs).Mul(c.ttlPct).Div(decimal.NewFromInt(100))
			return t.sliceRatio, ttlOverride.IntPart(), t.makerTimeoutsToEscalate, i, true
		}
	}

	c.logTransition(k, -1)
	return decimal.Zero, 0, 0, -1, false
}

// logTransition logs only when a symbol+side crosses into, out of, or
// between panic tiers, rather than on every evaluation tick.
func (c *Controller) logTransition(k key, tierIdx int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, had := c.activeTier[k]
	if had && prev == tierIdx {
		return
	}
	if tierIdx < 0 {
		delete(c.activeTier, k)
		if had {
			c.logger.Warn("panic close tier cleared", "symbol", k.symbol, "side", k.side)
		}
		return
	}
	c.activeTier[k] = tierIdx
	c.logger.Error("panic close tier engaged",
		"symbol", k.symbol, "side", k.side, "tier", tierIdx,
		"slice_ratio", c.tiers[tierIdx].sliceRatio.String(),
		"dist_to_liq", c.tiers[tierIdx].distToLiq.String(),
	)
}
