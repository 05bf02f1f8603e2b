package timer

import (
	"errors"
	"fmt"

	"github.com/tempohq/tempo/go/internal/models"
)

var (
	// ErrTimerConflict matches any *ConflictError via errors.Is.
	ErrTimerConflict        = errors.New("timer already running")
	ErrNoActiveTimer        = errors.New("no active timer")
	ErrProjectNotAccessible = errors.New("project not found or not accessible")
	ErrInvalidTimeRange     = errors.New("end time is before start time")
	ErrInvalidResolution    = errors.New("invalid conflict resolution action")
	ErrInvalidRequest       = errors.New("invalid request")
)

// ConflictError is returned when a start is attempted while another entry is
// running. Entry is the running entry at the time of detection; it is nil
// only if that entry was stopped again before it could be read back.
type ConflictError struct {
	Entry *models.TimeEntry
}

func (e *ConflictError) Error() string {
	if e.Entry == nil {
		return ErrTimerConflict.Error()
	}
	return fmt.Sprintf("%s: entry %s on project %s", ErrTimerConflict, e.Entry.ID, e.Entry.ProjectID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrTimerConflict
}

// Error codes shared by the REST and realtime surfaces.
const (
	CodeTimerConflict        = "TIMER_CONFLICT"
	CodeNoActiveTimer        = "NO_ACTIVE_TIMER"
	CodeProjectNotAccessible = "PROJECT_NOT_ACCESSIBLE"
	CodeInvalidTimeRange     = "INVALID_TIME_RANGE"
	CodeInvalidResolution    = "INVALID_RESOLUTION"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrorCode maps a timer error onto its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTimerConflict):
		return CodeTimerConflict
	case errors.Is(err, ErrNoActiveTimer):
		return CodeNoActiveTimer
	case errors.Is(err, ErrProjectNotAccessible):
		return CodeProjectNotAccessible
	case errors.Is(err, ErrInvalidTimeRange):
		return CodeInvalidTimeRange
	case errors.Is(err, ErrInvalidResolution):
		return CodeInvalidResolution
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	default:
		return CodeInternal
	}
}

// PublicMessage returns a caller-safe message; internal failures are not leaked.
func PublicMessage(err error) string {
	if ErrorCode(err) == CodeInternal {
		return "internal server error"
	}
	return err.Error()
}
