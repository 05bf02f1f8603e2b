package realtime

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Service is the realtime gateway: WebSocket connections plus fan-out of
// timer changes.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
}

// Config holds configuration for the realtime service
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the realtime service
func DefaultConfig() Config {
	return Config{ConnectionConfig: DefaultConnectionConfig()}
}

// NewHub creates the connection manager. It is built before the timer app
// because the app publishes its changes to it.
func NewHub(config Config) *ConnectionManager {
	return NewConnectionManager(config.ConnectionConfig, nil)
}

// NewService wires inbound commands from hub connections to app. Call it
// before the hub starts accepting connections.
func NewService(connectionManager *ConnectionManager, app TimerApp, authn Authenticator, clock clockwork.Clock) *Service {
	commands := NewCommandHandler(app, clock)
	commands.Bind(connectionManager)
	connectionManager.handler = commands
	connectionManager.snapshots = commands

	return &Service{
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, authn),
	}
}

// Start runs the broadcast loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	log.Info().Msg("starting realtime service")
	s.connectionManager.Start(ctx)
	log.Info().Msg("realtime service stopped")
}

// RegisterRoutes registers the WebSocket HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("realtime routes registered")
}
