// Package clientid builds the client_order_id values every placed order
// carries, namespaced so the shutdown-cleanup and ownership-classification
// logic can recognize which open orders belong to this run versus another
// run or a human using the same account.
package clientid

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"

	"reduceclose/pkg/types"
)

const maxLen = 36

// New builds a client_order_id for an ordinary (non-protective-stop) order:
// {brand}-{runID}-{random}, truncated to the exchange's 36-character limit.
func New(brand, runID string) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	id := fmt.Sprintf("%s-%s-%s", brand, runID, random)
	if len(id) > maxLen {
		id = id[:maxLen]
	}
	return id
}

// HasRunPrefix reports whether id was generated by New for this brand/runID,
// used by the shutdown protocol to single out this run's resting orders
// from everything else open on the account.
func HasRunPrefix(id, brand, runID string) bool {
	return strings.HasPrefix(id, fmt.Sprintf("%s-%s-", brand, runID))
}

// wsSymbol lowercases a symbol the way the exchange's combined-stream
// channel names do (BTCUSDT -> btcusdt).
func wsSymbol(symbol string) string {
	return strings.ToLower(symbol)
}

func sideCode(side types.PositionSide) string {
	if side == types.Long {
		return "L"
	}
	return "S"
}

// ProtectiveStopPrefix builds the stable (no timestamp) prefix a protective
// stop's client_order_id always starts with for a given symbol+side, so
// prefix matching survives the order being replaced across restarts. Falls
// back to a short hash of the symbol for the rare case where the full
// prefix would overflow the exchange's ID length limit.
func ProtectiveStopPrefix(brand, symbol string, side types.PositionSide) string {
	prefix := fmt.Sprintf("%s-ps-%s-%s", brand, wsSymbol(symbol), sideCode(side))
	if len(prefix) >= 30 {
		h := fnv.New32a()
		h.Write([]byte(wsSymbol(symbol)))
		prefix = fmt.Sprintf("%s-ps-%07x-%s", brand, h.Sum32()&0xfffffff, sideCode(side))
	}
	return prefix
}

// ProtectiveStopID builds a fresh client_order_id for a protective stop,
// stamped with the last five digits of nowMs so successive placements for
// the same symbol+side get distinct IDs; the stamp repeats every 100 seconds.
func ProtectiveStopID(brand, symbol string, side types.PositionSide, nowMs int64) string {
	prefix := ProtectiveStopPrefix(brand, symbol, side)
	id := fmt.Sprintf("%s-%05d", prefix, nowMs%100000)
	if len(id) > maxLen {
		id = id[:maxLen]
	}
	return id
}
