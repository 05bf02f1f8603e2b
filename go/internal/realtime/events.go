package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tempohq/tempo/go/internal/models"
	"github.com/tempohq/tempo/go/internal/timer"
)

// Event is the envelope for every message in either direction.
type Event struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventType represents the type of realtime event
type EventType string

const (
	// client -> server
	EventTimerStart EventType = "timer:start"
	EventTimerStop  EventType = "timer:stop"
	EventTimerPause EventType = "timer:pause"
	EventTimerSync  EventType = "timer:sync"
	EventVisibility EventType = "visibility"

	// server -> client
	EventTimerState   EventType = "timer:state"
	EventTimerStarted EventType = "timer:started"
	EventTimerStopped EventType = "timer:stopped"
	EventTimerPaused  EventType = "timer:paused"
	EventTimerUpdate  EventType = "timer:update"
	EventTimerError   EventType = "timer:error"
)

// StatePayload is the full snapshot sent on connect and on resync.
type StatePayload struct {
	IsRunning   bool              `json:"isRunning"`
	Timer       *models.TimeEntry `json:"timer"`
	ElapsedTime int64             `json:"elapsedTime"`
	LastSync    time.Time         `json:"lastSync"`
}

// UpdatePayload is the compact view fanned out after every change.
type UpdatePayload struct {
	TimerID     string    `json:"timerId"`
	ProjectID   string    `json:"projectId"`
	Description string    `json:"description"`
	StartTime   time.Time `json:"startTime"`
	ElapsedTime int64     `json:"elapsedTime"`
	IsRunning   bool      `json:"isRunning"`
}

// ErrorPayload is sent to the requesting connection only.
type ErrorPayload struct {
	Code             string            `json:"code"`
	Message          string            `json:"message"`
	ConflictingEntry *models.TimeEntry `json:"conflictingEntry,omitempty"`
}

// StopPayload is the body of timer:stop.
type StopPayload struct {
	EndTime *time.Time `json:"endTime"`
}

// VisibilityPayload is the body of visibility.
type VisibilityPayload struct {
	Visible bool `json:"visible"`
}

// NewEvent wraps payload in an envelope.
func NewEvent(t EventType, payload any, now time.Time) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Data: data, Timestamp: now}, nil
}

func statePayload(state *models.TimerState) StatePayload {
	return StatePayload{
		IsRunning:   state.IsRunning,
		Timer:       state.CurrentEntry,
		ElapsedTime: state.ElapsedSeconds,
		LastSync:    state.LastSync,
	}
}

func updatePayload(entry *models.TimeEntry, now time.Time) UpdatePayload {
	return UpdatePayload{
		TimerID:     entry.ID,
		ProjectID:   entry.ProjectID,
		Description: entry.Description,
		StartTime:   entry.StartTime,
		ElapsedTime: entry.ElapsedSeconds(now),
		IsRunning:   entry.IsRunning,
	}
}

func errorPayload(err error) ErrorPayload {
	p := ErrorPayload{Code: timer.ErrorCode(err), Message: timer.PublicMessage(err)}
	var conflict *timer.ConflictError
	if errors.As(err, &conflict) {
		p.ConflictingEntry = conflict.Entry
	}
	return p
}

// changeEventType maps a committed change onto its success event.
func changeEventType(kind models.TimerChangeKind) (EventType, bool) {
	switch kind {
	case models.TimerChangeStarted:
		return EventTimerStarted, true
	case models.TimerChangeStopped, models.TimerChangeForceStopped:
		return EventTimerStopped, true
	case models.TimerChangePaused:
		return EventTimerPaused, true
	default:
		return "", false
	}
}

// eventsForChange builds the success event and the generic update for change.
func eventsForChange(change models.TimerChange) ([]*Event, error) {
	t, ok := changeEventType(change.Kind)
	if !ok || change.Entry == nil {
		return nil, fmt.Errorf("unsupported timer change %q", change.Kind)
	}
	success, err := NewEvent(t, change.Entry, change.OccurredAt)
	if err != nil {
		return nil, err
	}
	update, err := NewEvent(EventTimerUpdate, updatePayload(change.Entry, change.OccurredAt), change.OccurredAt)
	if err != nil {
		return nil, err
	}
	return []*Event{success, update}, nil
}
