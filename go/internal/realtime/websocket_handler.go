package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/auth"
)

// Authenticator resolves the caller behind an upgrade request.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (*auth.Identity, error)
}

// WebSocketHandler handles WebSocket upgrade requests for timer connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	authenticator     Authenticator
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, authn Authenticator) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		authenticator:     authn,
	}
}

// HandleTimerConnection authenticates, upgrades, registers, then pushes a
// state snapshot. Unauthenticated requests never reach the registry.
func (h *WebSocketHandler) HandleTimerConnection(w http.ResponseWriter, r *http.Request) {
	id, err := h.authenticator.AuthenticateRequest(r)
	if err != nil {
		log.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("rejected unauthenticated WebSocket connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.connectionManager.UpgradeConnection(w, r, id.UserID)
	if err != nil {
		// The upgrader has already written the HTTP error.
		log.Error().Err(err).Str("user_id", id.UserID).Msg("failed to upgrade WebSocket connection")
		return
	}

	h.connectionManager.RequestSnapshot(conn)
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/timer", h.HandleTimerConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
