package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/metrics"
	"github.com/tempohq/tempo/go/internal/models"
)

// ConnectionManager manages WebSocket connections keyed by user
type ConnectionManager struct {
	// Connection pools organized by user ID
	userConnections map[string]map[*Connection]struct{}
	connections     map[string]*Connection
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage

	// handler processes inbound client commands; nil ignores them.
	handler MessageHandler
	// snapshots builds state snapshots; nil drops snapshot requests.
	snapshots SnapshotSource
}

// MessageHandler processes one inbound message from a connection.
type MessageHandler interface {
	HandleMessage(ctx context.Context, c *Connection, message []byte)
}

// SnapshotSource builds the state snapshot for a connection. It is called
// from the broadcast loop.
type SnapshotSource interface {
	Snapshot(ctx context.Context, c *Connection) []*Event
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID      string
	UserID  string
	Conn    *websocket.Conn
	Manager *ConnectionManager

	ConnectedAt time.Time

	send   chan []byte
	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// BroadcastMessage is a batch of events for one user. When ConnectionID is
// set only that connection receives it. A Snapshot message carries no
// events; the loop reads them from the SnapshotSource when it gets there.
type BroadcastMessage struct {
	UserID       string
	ConnectionID string
	Events       []*Event
	Snapshot     bool
}

// ConnectionStats is served on /ws/stats.
type ConnectionStats struct {
	TotalConnections int `json:"total_connections"`
	ActiveUsers      int `json:"active_users"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  64,
		CheckOrigin: func(r *http.Request) bool {
			// The widget is embedded in third-party pages.
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, handler MessageHandler) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 64
	}
	return &ConnectionManager{
		userConnections: make(map[string]map[*Connection]struct{}),
		connections:     make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, 1000),
		handler:     handler,
	}
}

// Start begins processing broadcast messages
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// UpgradeConnection upgrades an authenticated HTTP request to WebSocket and
// registers it under userID.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID string) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        conn,
		Manager:     cm,
		ConnectedAt: time.Now(),
		send:        make(chan []byte, cm.config.SendBufferSize),
		ctx:         ctx,
		cancel:      cancel,
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID).
		Msg("WebSocket connection established")

	return connection, nil
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.userConnections[conn.UserID] == nil {
		cm.userConnections[conn.UserID] = make(map[*Connection]struct{})
	}
	cm.userConnections[conn.UserID][conn] = struct{}{}
	cm.connections[conn.ID] = conn

	metrics.RealtimeConnections.Inc()
	metrics.RealtimeUsers.Set(float64(len(cm.userConnections)))

	log.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Int("user_connections", len(cm.userConnections[conn.UserID])).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager. It is safe to
// call more than once. Persisted timer state is never touched.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.connections[conn.ID]; !exists {
		return
	}
	delete(cm.connections, conn.ID)

	if connections, exists := cm.userConnections[conn.UserID]; exists {
		delete(connections, conn)
		// Clean up empty user connection pools
		if len(connections) == 0 {
			delete(cm.userConnections, conn.UserID)
		}
	}
	conn.closeSend()

	metrics.RealtimeConnections.Dec()
	metrics.RealtimeUsers.Set(float64(len(cm.userConnections)))

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID).
		Msg("connection unregistered")
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for _, c := range cm.connections {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()

	for _, c := range conns {
		cm.unregisterConnection(c)
	}
}

// BroadcastToUser queues events for every connection of userID.
func (cm *ConnectionManager) BroadcastToUser(userID string, events ...*Event) {
	cm.enqueue(BroadcastMessage{UserID: userID, Events: events})
}

// SendToConnection queues events for one connection only.
func (cm *ConnectionManager) SendToConnection(conn *Connection, events ...*Event) {
	cm.enqueue(BroadcastMessage{UserID: conn.UserID, ConnectionID: conn.ID, Events: events})
}

// RequestSnapshot queues a timer:state snapshot for conn. The state is read
// in order with the changes already queued, so a snapshot never lands after
// a newer change.
func (cm *ConnectionManager) RequestSnapshot(conn *Connection) {
	cm.enqueue(BroadcastMessage{UserID: conn.UserID, ConnectionID: conn.ID, Snapshot: true})
}

func (cm *ConnectionManager) enqueue(message BroadcastMessage) {
	select {
	case cm.broadcastCh <- message:
	default:
		log.Warn().Str("user_id", message.UserID).Msg("broadcast channel full, dropping message")
	}
}

// PublishTimerChange fans a committed timer change out to the user's
// connections.
func (cm *ConnectionManager) PublishTimerChange(change models.TimerChange) {
	events, err := eventsForChange(change)
	if err != nil {
		log.Error().Err(err).Str("user_id", change.UserID).Msg("failed to build timer events")
		return
	}
	cm.BroadcastToUser(change.UserID, events...)
}

// handleBroadcast processes a broadcast message
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	var targets []*Connection
	if message.ConnectionID != "" {
		if conn, ok := cm.connections[message.ConnectionID]; ok {
			targets = append(targets, conn)
		}
	} else {
		for conn := range cm.userConnections[message.UserID] {
			targets = append(targets, conn)
		}
	}
	cm.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	if message.Snapshot {
		if cm.snapshots == nil {
			return
		}
		message.Events = cm.snapshots.Snapshot(targets[0].ctx, targets[0])
	}

	payloads := make([][]byte, 0, len(message.Events))
	for _, event := range message.Events {
		data, err := json.Marshal(event)
		if err != nil {
			log.Error().Err(err).Msg("failed to marshal event for broadcast")
			return
		}
		payloads = append(payloads, data)
		metrics.RealtimeMessagesTotal.WithLabelValues("out", string(event.Type)).Add(float64(len(targets)))
	}

	for _, conn := range targets {
		for _, data := range payloads {
			if !conn.enqueue(data) {
				// Connection is slow/dead, close it
				log.Warn().
					Str("connection_id", conn.ID).
					Str("user_id", conn.UserID).
					Msg("connection send buffer full, closing connection")
				metrics.RealtimeSlowConsumersDropped.Inc()
				cm.unregisterConnection(conn)
				conn.Conn.Close()
				break
			}
		}
	}

	log.Debug().
		Str("user_id", message.UserID).
		Int("events", len(message.Events)).
		Int("connections", len(targets)).
		Msg("events broadcasted")
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	return ConnectionStats{
		TotalConnections: len(cm.connections),
		ActiveUsers:      len(cm.userConnections),
	}
}

// UserConnectionCount returns how many connections userID has open.
func (cm *ConnectionManager) UserConnectionCount(userID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.userConnections[userID])
}

// enqueue queues data for the write pump, reporting false when the
// connection is closed or its buffer is full.
func (c *Connection) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Connection) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
		c.cancel()
	}
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.Manager.handler != nil {
			c.Manager.handler.HandleMessage(c.ctx, c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
