package models

import (
	"time"
)

// TimeEntry is a single span of tracked work.
type TimeEntry struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	ProjectID   string     `json:"projectId"`
	Description string     `json:"description"`
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Duration    int64      `json:"duration"` // whole seconds
	IsRunning   bool       `json:"isRunning"`
	Tags        []string   `json:"tags"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ElapsedSeconds returns how long the entry has been running at now.
// Stopped entries report their stored duration.
func (e *TimeEntry) ElapsedSeconds(now time.Time) int64 {
	if !e.IsRunning {
		return e.Duration
	}
	return DurationSeconds(e.StartTime, now)
}

// DurationSeconds is floor((end - start) / 1s), clamped at zero.
func DurationSeconds(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// TimerState is the derived per-user view served to polling clients.
type TimerState struct {
	IsRunning      bool       `json:"isRunning"`
	CurrentEntry   *TimeEntry `json:"currentEntry,omitempty"`
	ElapsedSeconds int64      `json:"elapsedTime"`
	LastSync       time.Time  `json:"lastSync"`
}
