package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/metrics"
	"github.com/tempohq/tempo/go/internal/models"
	"github.com/tempohq/tempo/go/internal/timer"
)

const commandTimeout = 10 * time.Second

// TimerApp defines what the realtime layer needs from the timer application
type TimerApp interface {
	StartTimer(ctx context.Context, userID string, req timer.StartTimerRequest) (*models.TimeEntry, error)
	StopTimer(ctx context.Context, userID string, endTime *time.Time) (*models.TimeEntry, error)
	PauseTimer(ctx context.Context, userID string) (*models.TimeEntry, error)
	GetTimerState(ctx context.Context, userID string) (*models.TimerState, error)
}

// CommandHandler turns inbound client events into timer operations.
// Successful operations reach every device through the timer app's
// broadcaster; failures are reported to the requesting connection only.
type CommandHandler struct {
	app   TimerApp
	cm    *ConnectionManager
	clock clockwork.Clock
}

// NewCommandHandler creates a handler; call Bind before serving.
func NewCommandHandler(app TimerApp, clock clockwork.Clock) *CommandHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CommandHandler{app: app, clock: clock}
}

// Bind attaches the connection manager replies are sent through.
func (h *CommandHandler) Bind(cm *ConnectionManager) {
	h.cm = cm
}

// HandleMessage implements MessageHandler.
func (h *CommandHandler) HandleMessage(ctx context.Context, c *Connection, message []byte) {
	var event Event
	if err := json.Unmarshal(message, &event); err != nil {
		h.sendError(c, fmt.Errorf("%w: malformed message", timer.ErrInvalidRequest))
		return
	}
	metrics.RealtimeMessagesTotal.WithLabelValues("in", string(event.Type)).Inc()

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	log.Debug().
		Str("connection_id", c.ID).
		Str("user_id", c.UserID).
		Str("type", string(event.Type)).
		Msg("received client message")

	var err error
	switch event.Type {
	case EventTimerStart:
		var req timer.StartTimerRequest
		if err = decodeData(event.Data, &req); err == nil {
			_, err = h.app.StartTimer(ctx, c.UserID, req)
		}
	case EventTimerStop:
		var req StopPayload
		if err = decodeData(event.Data, &req); err == nil {
			_, err = h.app.StopTimer(ctx, c.UserID, req.EndTime)
		}
	case EventTimerPause:
		_, err = h.app.PauseTimer(ctx, c.UserID)
	case EventTimerSync:
		h.cm.RequestSnapshot(c)
	case EventVisibility:
		var req VisibilityPayload
		if err = decodeData(event.Data, &req); err == nil && req.Visible {
			h.cm.RequestSnapshot(c)
		}
	default:
		err = fmt.Errorf("%w: unknown event type %q", timer.ErrInvalidRequest, event.Type)
	}

	if err != nil {
		h.sendError(c, err)
	}
}

// Snapshot implements SnapshotSource. It runs on the hub goroutine, so
// the state it reads is never older than a change already queued for c.
func (h *CommandHandler) Snapshot(ctx context.Context, c *Connection) []*Event {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	now := h.clock.Now().UTC()
	state, err := h.app.GetTimerState(ctx, c.UserID)
	if err != nil {
		return h.errorEvents(c, err)
	}
	event, err := NewEvent(EventTimerState, statePayload(state), now)
	if err != nil {
		return h.errorEvents(c, err)
	}
	return []*Event{event}
}

func (h *CommandHandler) sendError(c *Connection, err error) {
	if events := h.errorEvents(c, err); len(events) > 0 {
		h.cm.SendToConnection(c, events...)
	}
}

func (h *CommandHandler) errorEvents(c *Connection, err error) []*Event {
	payload := errorPayload(err)
	if payload.Code == timer.CodeInternal {
		log.Error().Err(err).Str("connection_id", c.ID).Str("user_id", c.UserID).Msg("realtime command failed")
	}
	event, mErr := NewEvent(EventTimerError, payload, h.clock.Now().UTC())
	if mErr != nil {
		log.Error().Err(mErr).Msg("failed to build error event")
		return nil
	}
	return []*Event{event}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed data: %v", timer.ErrInvalidRequest, err)
	}
	return nil
}
