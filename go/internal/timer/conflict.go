package timer

import (
	"context"
	"fmt"
)

// ResolutionAction is the caller's answer to a timer conflict.
type ResolutionAction string

const (
	// ResolveStopExisting stops the running entry so the start can be retried.
	ResolveStopExisting ResolutionAction = "stop_existing"
	// ResolveCancelNew abandons the new request; the running entry is untouched.
	ResolveCancelNew ResolutionAction = "cancel_new"
)

// ResolveTimerConflict applies the chosen resolution and returns a message
// describing what happened.
func (a *App) ResolveTimerConflict(ctx context.Context, userID string, action ResolutionAction) (string, error) {
	switch action {
	case ResolveStopExisting:
		if _, err := a.StopTimer(ctx, userID, nil); err != nil {
			return "", err
		}
		return "Existing timer stopped. You can now start a new timer.", nil
	case ResolveCancelNew:
		return "New timer request cancelled. Existing timer continues.", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidResolution, action)
	}
}
