package models

import "time"

// TimerChangeKind identifies what happened to a user's timer.
type TimerChangeKind string

const (
	TimerChangeStarted      TimerChangeKind = "started"
	TimerChangeStopped      TimerChangeKind = "stopped"
	TimerChangePaused       TimerChangeKind = "paused"
	TimerChangeForceStopped TimerChangeKind = "force_stopped"
)

// TimerChange is emitted after a committed timer mutation.
type TimerChange struct {
	Kind       TimerChangeKind `json:"kind"`
	UserID     string          `json:"userId"`
	Entry      *TimeEntry      `json:"entry"`
	OccurredAt time.Time       `json:"occurredAt"`
}
