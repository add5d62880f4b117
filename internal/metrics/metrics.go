// Package metrics exposes Prometheus counters and gauges for the closing
// executor: orders placed/filled by mode and side, rate-limiter throttling,
// protective-stop sync outcomes, and panic-close engagements. Served over
// HTTP at /metrics by Serve.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceclose_orders_placed_total",
			Help: "Closing orders placed, by symbol, side, and mode (maker|aggressive|panic).",
		},
		[]string{"symbol", "side", "mode"},
	)

	OrdersFilled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceclose_orders_filled_total",
			Help: "Closing order fills, by symbol, side, and role (maker|taker).",
		},
		[]string{"symbol", "side", "role"},
	)

	OrderTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceclose_order_timeouts_total",
			Help: "Resting orders that hit their TTL and were rotated, by symbol and side.",
		},
		[]string{"symbol", "side"},
	)

	RateLimitThrottled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceclose_rate_limit_throttled_total",
			Help: "Requests rejected by the sliding-window rate limiter, by kind (order|cancel).",
		},
		[]string{"kind"},
	)

	ProtectiveStopSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reduceclose_protective_stop_syncs_total",
			Help: "Per-side external-stop verdicts of protective-stop REST verify sweeps, by symbol and outcome (yielded|owned).",
		},
		[]string{"symbol", "outcome"},
	)

	PanicCloseEngaged = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reduceclose_panic_close_tier",
			Help: "Active panic-close tier index per symbol+side, -1 when not engaged.",
		},
		[]string{"symbol", "side"},
	)

	OpenPositions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reduceclose_open_position_amt",
			Help: "Signed open position quantity per symbol+side.",
		},
		[]string{"symbol", "side"},
	)
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced, OrdersFilled, OrderTimeouts,
		RateLimitThrottled, ProtectiveStopSyncs,
		PanicCloseEngaged, OpenPositions,
	)
}

// Serve starts the /metrics HTTP endpoint and blocks until ctx is canceled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
