// Package api serves the read-only status HTTP endpoints and the event
// stream consumed by the monitoring dashboard. It never places or
// cancels orders.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"kats-trader/internal/config"
)

// Server runs the HTTP/WebSocket status API.
type Server struct {
	cfg      config.DashboardConfig
	provider StatusProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new status server.
func NewServer(cfg config.DashboardConfig, provider StatusProvider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/positions", handlers.HandlePositions)
	mux.HandleFunc("/api/orders", handlers.HandleOrders)
	mux.HandleFunc("/api/risk", handlers.HandleRisk)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start starts the API server and hub. Blocks until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()

	s.logger.Info("status server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Publish broadcasts one event to every connected stream client.
func (s *Server) Publish(evt StreamEvent) {
	s.hub.BroadcastEvent(evt)
}
