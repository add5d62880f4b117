// reduceclose — a reduce-only closing executor for a hedge-mode perpetual
// futures account on a single exchange.
//
// Architecture:
//
//	main.go                        — entry point: loads config, starts the orchestrator, waits for SIGINT/SIGTERM
//	orchestrator/orchestrator.go   — wires feeds, signal engine, execution engines, and the protective-stop manager
//	exchange/client.go             — REST + WS adapter over the exchange's futures API
//	market/feed.go, book.go        — combined book-ticker/agg-trade/mark-price WS ingest, one State per symbol
//	userdata/feed.go               — listenKey-based order/position WS ingest
//	signal/engine.go               — ROI/acceleration tiered closing-signal evaluation
//	execution/engine.go            — per-(symbol, side) maker/aggressive order rotation state machine
//	protectivestop/manager.go      — exchange-resident STOP_MARKET safety net, liquidation-price derived
//	ratelimit/ratelimit.go         — account-level sliding-window gate for placement/cancellation
//
// It closes existing positions only: it never opens new exposure.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"reduceclose/internal/config"
	"reduceclose/internal/metrics"
	"reduceclose/internal/orchestrator"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXEC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	orch, err := orchestrator.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		go func() {
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			if err := metrics.Serve(ctx, addr); err != nil {
				logger.Warn("metrics server exited", "error", err)
			}
		}()
	}

	orch.Start(ctx)

	logger.Info("reduceclose started",
		"run_id", cfg.RunID,
		"brand", cfg.Brand,
		"symbols", cfg.Symbols,
		"dry_run", cfg.DryRun,
	)

	<-ctx.Done()
	logger.Info("received shutdown signal")
	orch.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
