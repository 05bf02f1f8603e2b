package timer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tempohq/tempo/go/internal/metrics"
	"github.com/tempohq/tempo/go/internal/models"
	"github.com/tempohq/tempo/go/internal/timer/repository"
)

// Broadcaster receives every committed timer change.
type Broadcaster interface {
	PublishTimerChange(change models.TimerChange)
}

// Broadcasters fans a change out to several broadcasters in order.
type Broadcasters []Broadcaster

func (bs Broadcasters) PublishTimerChange(change models.TimerChange) {
	for _, b := range bs {
		if b != nil {
			b.PublishTimerChange(change)
		}
	}
}

type noopBroadcaster struct{}

func (noopBroadcaster) PublishTimerChange(models.TimerChange) {}

// StartTimerRequest carries the caller-supplied fields of a new entry.
type StartTimerRequest struct {
	ProjectID   string   `json:"projectId"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// ValidationResult is the outcome of ValidateTimerState.
type ValidationResult struct {
	IsValid bool     `json:"isValid"`
	Issues  []string `json:"issues"`
}

// App handles timer business logic
type App struct {
	repo        repository.Repository
	clock       clockwork.Clock
	broadcaster Broadcaster
}

// NewApp creates a new timer App. A nil clock means the real clock and a
// nil broadcaster discards changes.
func NewApp(repo repository.Repository, clock clockwork.Clock, broadcaster Broadcaster) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if broadcaster == nil {
		broadcaster = noopBroadcaster{}
	}
	return &App{
		repo:        repo,
		clock:       clock,
		broadcaster: broadcaster,
	}
}

func (a *App) now() time.Time {
	return a.clock.Now().UTC()
}

// StartTimer starts a new running entry for userID. The running check, the
// project check and the insert share one transaction.
func (a *App) StartTimer(ctx context.Context, userID string, req StartTimerRequest) (entry *models.TimeEntry, err error) {
	defer func(start time.Time) { metrics.ObserveTimerOperation("start", start, err) }(time.Now())

	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidRequest)
	}

	now := a.now()
	err = a.repo.WithinTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.LockUser(ctx, userID); err != nil {
			return err
		}

		running, err := q.GetRunningEntry(ctx, userID)
		switch {
		case err == nil:
			metrics.TimerConflictsTotal.WithLabelValues("check").Inc()
			return &ConflictError{Entry: running}
		case !errors.Is(err, repository.ErrNotFound):
			return fmt.Errorf("failed to read running entry: %w", err)
		}

		ok, err := q.ProjectAccessible(ctx, userID, req.ProjectID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrProjectNotAccessible
		}

		tags := req.Tags
		if tags == nil {
			tags = []string{}
		}
		entry, err = q.InsertEntry(ctx, models.TimeEntry{
			ID:          uuid.NewString(),
			UserID:      userID,
			ProjectID:   req.ProjectID,
			Description: req.Description,
			StartTime:   now,
			Duration:    0,
			IsRunning:   true,
			Tags:        tags,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		return err
	})
	if errors.Is(err, repository.ErrRunningEntryExists) {
		metrics.TimerConflictsTotal.WithLabelValues("constraint").Inc()
		log.Warn().Str("user_id", userID).Msg("concurrent start rejected by running-entry index")
		return nil, a.conflictFromStore(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID).
		Str("entry_id", entry.ID).
		Str("project_id", entry.ProjectID).
		Msg("timer started")
	a.publish(models.TimerChangeStarted, userID, entry)
	return entry, nil
}

// conflictFromStore builds the conflict for a start that lost the race at
// the storage layer by reading back the entry that won.
func (a *App) conflictFromStore(ctx context.Context, userID string) error {
	running, err := a.repo.GetRunningEntry(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to read back conflicting entry")
	}
	return &ConflictError{Entry: running}
}

// StopTimer stops the running entry. A nil endTime means now.
func (a *App) StopTimer(ctx context.Context, userID string, endTime *time.Time) (entry *models.TimeEntry, err error) {
	defer func(start time.Time) { metrics.ObserveTimerOperation("stop", start, err) }(time.Now())

	entry, err = a.stop(ctx, userID, endTime)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("user_id", userID).
		Str("entry_id", entry.ID).
		Int64("duration", entry.Duration).
		Msg("timer stopped")
	a.publish(models.TimerChangeStopped, userID, entry)
	return entry, nil
}

// PauseTimer is StopTimer at the current time. Resuming starts a new entry.
func (a *App) PauseTimer(ctx context.Context, userID string) (entry *models.TimeEntry, err error) {
	defer func(start time.Time) { metrics.ObserveTimerOperation("pause", start, err) }(time.Now())

	entry, err = a.stop(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("user_id", userID).
		Str("entry_id", entry.ID).
		Int64("duration", entry.Duration).
		Msg("timer paused")
	a.publish(models.TimerChangePaused, userID, entry)
	return entry, nil
}

func (a *App) stop(ctx context.Context, userID string, endTime *time.Time) (*models.TimeEntry, error) {
	var stopped *models.TimeEntry
	err := a.repo.WithinTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.LockUser(ctx, userID); err != nil {
			return err
		}

		running, err := q.GetRunningEntry(ctx, userID)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoActiveTimer
		}
		if err != nil {
			return fmt.Errorf("failed to read running entry: %w", err)
		}

		now := a.now()
		end := now
		if endTime != nil {
			end = endTime.UTC()
		}
		if end.Before(running.StartTime) {
			return ErrInvalidTimeRange
		}

		stopped, err = q.StopEntry(ctx, repository.StopEntryRequest{
			ID:        running.ID,
			EndTime:   end,
			Duration:  models.DurationSeconds(running.StartTime, end),
			UpdatedAt: now,
		})
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNoActiveTimer
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return stopped, nil
}

// GetActiveTimer returns the running entry, or nil when the user is idle.
func (a *App) GetActiveTimer(ctx context.Context, userID string) (*models.TimeEntry, error) {
	entry, err := a.repo.GetRunningEntry(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active timer: %w", err)
	}
	return entry, nil
}

// GetTimerState returns the derived view polled by clients. LastSync is
// always fresh so clients can correct for drift.
func (a *App) GetTimerState(ctx context.Context, userID string) (*models.TimerState, error) {
	entry, err := a.GetActiveTimer(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := a.now()
	state := &models.TimerState{LastSync: now}
	if entry != nil {
		state.IsRunning = true
		state.CurrentEntry = entry
		state.ElapsedSeconds = entry.ElapsedSeconds(now)
	}
	return state, nil
}

// ForceStopAllTimers stops every running entry for the user, using the
// store's clock for the end time.
func (a *App) ForceStopAllTimers(ctx context.Context, userID string) (stopped []models.TimeEntry, err error) {
	defer func(start time.Time) { metrics.ObserveTimerOperation("force_stop_all", start, err) }(time.Now())

	err = a.repo.WithinTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.LockUser(ctx, userID); err != nil {
			return err
		}
		stopped, err = q.StopAllRunning(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to force stop timers: %w", err)
	}

	if len(stopped) > 1 {
		log.Warn().Str("user_id", userID).Int("count", len(stopped)).Msg("force stop found more than one running entry")
	}
	log.Info().Str("user_id", userID).Int("count", len(stopped)).Msg("timers force stopped")
	for i := range stopped {
		a.publish(models.TimerChangeForceStopped, userID, &stopped[i])
	}
	return stopped, nil
}

// ValidateTimerState reports inconsistencies in the user's entries. It never
// repairs anything.
func (a *App) ValidateTimerState(ctx context.Context, userID string) (*ValidationResult, error) {
	running, err := a.repo.ListRunningEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list running entries: %w", err)
	}
	stopped, err := a.repo.ListStoppedEntries(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stopped entries: %w", err)
	}

	issues := []string{}
	if len(running) > 1 {
		issues = append(issues, fmt.Sprintf("multiple running timers found: %d", len(running)))
	}
	for _, e := range running {
		if e.EndTime != nil {
			issues = append(issues, fmt.Sprintf("running entry %s has an end time", e.ID))
		}
	}
	for _, e := range stopped {
		if e.Duration < 0 {
			issues = append(issues, fmt.Sprintf("entry %s has negative duration %d", e.ID, e.Duration))
		}
		if e.EndTime == nil {
			issues = append(issues, fmt.Sprintf("stopped entry %s has no end time", e.ID))
			continue
		}
		if e.EndTime.Before(e.StartTime) {
			issues = append(issues, fmt.Sprintf("entry %s ends before it starts", e.ID))
			continue
		}
		if want := models.DurationSeconds(e.StartTime, *e.EndTime); e.Duration != want {
			issues = append(issues, fmt.Sprintf("entry %s duration %d does not match time range (%d)", e.ID, e.Duration, want))
		}
	}

	return &ValidationResult{IsValid: len(issues) == 0, Issues: issues}, nil
}

func (a *App) publish(kind models.TimerChangeKind, userID string, entry *models.TimeEntry) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("user_id", userID).Msg("timer broadcaster panicked")
		}
	}()
	a.broadcaster.PublishTimerChange(models.TimerChange{
		Kind:       kind,
		UserID:     userID,
		Entry:      entry,
		OccurredAt: a.now(),
	})
}
