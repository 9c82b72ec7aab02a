package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The server binds to localhost only
		return true
	},
}

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider StatusProvider
	hub      *Hub
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(provider StatusProvider, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// HandleHealth returns a simple health check response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus returns the full status snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, BuildSnapshot(h.provider))
}

// HandlePositions returns open positions only.
func (h *Handlers) HandlePositions(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, BuildSnapshot(h.provider).Positions)
}

// HandleOrders returns pending orders only.
func (h *Handlers) HandleOrders(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, BuildSnapshot(h.provider).PendingOrders)
}

// HandleRisk returns the aggregate risk state.
func (h *Handlers) HandleRisk(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.provider.RiskStatus())
}

// HandleWebSocket upgrades the connection and streams events, starting
// with a full snapshot.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	evt := NewStreamEvent("snapshot", "", BuildSnapshot(h.provider))
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}
