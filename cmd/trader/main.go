// KATS Trader — an automated day-trading system for the Korean stock
// market (KRX) built on the Korea Investment & Securities OpenAPI.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires feeds → market hub → risk → orders, runs the daily session cycle
//	exchange/client.go   — KIS REST client (quotes, balance, order place/modify/cancel) with rate limiting
//	exchange/token.go    — OAuth access-token issue, disk cache, and background refresh
//	exchange/ws.go       — KIS realtime WebSocket (ticks, orderbooks, VI, order notices) with auto-reconnect
//	market/hub.go        — realtime cache + daily candles + indicators per watched stock
//	market/vi.go         — volatility-interruption state machine with post-release cooldown
//	order/manager.go     — order facade: risk-gated placement, fills, position state, pyramid staging
//	order/tracker.go     — unfilled-order TTLs: amend toward market, then cancel
//	order/paper.go       — orderbook-based fill simulation and the simulated account
//	risk/manager.go      — nine-step pre-trade validation pipeline
//	risk/killswitch.go   — daily loss limit with emergency cancel-all
//	risk/drawdown.go     — graduated drawdown protocol (GREEN → BLACK)
//	journal/journal.go   — SQLite trade journal (orders, fills, daily PnL)
//	store/store.go       — JSON file persistence for positions (survives restarts)
//	api/server.go        — read-only status HTTP/WebSocket endpoints
//
// Modes:
//
//	PAPER — orders fill against the live orderbook in a simulated account.
//	LIVE  — orders go to the broker. The same risk pipeline gates both.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"kats-trader/internal/config"
	"kats-trader/internal/engine"
)

func main() {
	// Optional .env for local credentials (KATS_APP_KEY etc.)
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KATS_CONFIG"); p != "" {
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

	eng, err := engine.New(cfg, cfg.Watchlist, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("kats trader started",
		"mode", cfg.TradeMode,
		"watchlist", len(cfg.Watchlist),
		"dashboard", cfg.Dashboard.Enabled,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	eng.Stop()
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
