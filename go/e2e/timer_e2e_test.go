//go:build e2e

package e2e

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/tempohq/tempo/go/internal/models"
	"github.com/tempohq/tempo/go/internal/timer"
	"github.com/tempohq/tempo/go/internal/timer/repository"
)

func startPostgres(t *testing.T) *repository.PostgresRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "tempo",
			"POSTGRES_USER":     "tempo",
			"POSTGRES_PASSWORD": "secret",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://tempo:secret@%s:%s/tempo?sslmode=disable", host, port.Port())

	repo, err := repository.NewPostgresRepository(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// Applying the schema twice must be harmless.
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate again: %v", err)
	}

	for _, p := range []models.Project{
		{ID: "p1", UserID: "u1", Name: "Website", IsActive: true},
		{ID: "p2", UserID: "u1", Name: "Mobile", IsActive: true},
		{ID: "p3", UserID: "u2", Name: "Other", IsActive: true},
	} {
		if err := repo.UpsertProject(ctx, p); err != nil {
			t.Fatalf("seed project %s: %v", p.ID, err)
		}
	}
	return repo
}

// staleRepo hides the running entry from the in-transaction check so the
// insert reaches the partial unique index.
type staleRepo struct {
	*repository.PostgresRepository
}

func (r staleRepo) WithinTx(ctx context.Context, fn func(ctx context.Context, q repository.Queries) error) error {
	return r.PostgresRepository.WithinTx(ctx, func(ctx context.Context, q repository.Queries) error {
		return fn(ctx, staleQueries{q})
	})
}

type staleQueries struct {
	repository.Queries
}

func (staleQueries) GetRunningEntry(context.Context, string) (*models.TimeEntry, error) {
	return nil, repository.ErrNotFound
}

func TestPostgresTimerLifecycle(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	app := timer.NewApp(repo, clockwork.NewRealClock(), nil)

	started, err := app.StartTimer(ctx, "u1", timer.StartTimerRequest{ProjectID: "p1", Description: "api", Tags: []string{"dev"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err = app.StartTimer(ctx, "u1", timer.StartTimerRequest{ProjectID: "p2"})
	var conflict *timer.ConflictError
	if !errors.As(err, &conflict) || conflict.Entry.ID != started.ID {
		t.Fatalf("expected conflict on %s, got %v", started.ID, err)
	}

	if _, err := app.StartTimer(ctx, "u1", timer.StartTimerRequest{ProjectID: "p3"}); err == nil {
		t.Fatal("expected error for another user's project")
	}

	end := started.StartTime.Add(time.Hour + time.Minute + time.Second + 900*time.Millisecond)
	stopped, err := app.StopTimer(ctx, "u1", &end)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stopped.Duration != 3661 || stopped.IsRunning {
		t.Fatalf("unexpected stopped entry %+v", stopped)
	}
	if len(stopped.Tags) != 1 || stopped.Tags[0] != "dev" {
		t.Fatalf("tags = %v", stopped.Tags)
	}

	if _, err := app.StopTimer(ctx, "u1", nil); !errors.Is(err, timer.ErrNoActiveTimer) {
		t.Fatalf("expected ErrNoActiveTimer, got %v", err)
	}

	result, err := app.ValidateTimerState(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsValid {
		t.Fatalf("unexpected issues: %v", result.Issues)
	}
}

func TestPostgresPartialIndexRejectsSecondRunningEntry(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	entry := models.TimeEntry{
		ID: "e1", UserID: "u1", ProjectID: "p1", StartTime: now,
		IsRunning: true, Tags: []string{}, CreatedAt: now, UpdatedAt: now,
	}
	if _, err := repo.InsertEntry(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	entry.ID = "e2"
	if _, err := repo.InsertEntry(ctx, entry); !errors.Is(err, repository.ErrRunningEntryExists) {
		t.Fatalf("expected ErrRunningEntryExists, got %v", err)
	}

	// Another user is unaffected.
	entry.ID, entry.UserID, entry.ProjectID = "e3", "u2", "p3"
	if _, err := repo.InsertEntry(ctx, entry); err != nil {
		t.Fatalf("insert for other user: %v", err)
	}
}

func TestPostgresConstraintViolationBecomesConflict(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	clock := clockwork.NewRealClock()

	winner, err := timer.NewApp(repo, clock, nil).StartTimer(ctx, "u1", timer.StartTimerRequest{ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}

	_, err = timer.NewApp(staleRepo{repo}, clock, nil).StartTimer(ctx, "u1", timer.StartTimerRequest{ProjectID: "p2"})
	var conflict *timer.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected *ConflictError, got %v", err)
	}
	if conflict.Entry == nil || conflict.Entry.ID != winner.ID {
		t.Fatalf("conflict entry %+v, want %s", conflict.Entry, winner.ID)
	}
}

func TestPostgresConcurrentStarts(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	app := timer.NewApp(repo, clockwork.NewRealClock(), nil)

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			project := "p1"
			if i%2 == 1 {
				project = "p2"
			}
			_, err := app.StartTimer(ctx, "u1", timer.StartTimerRequest{ProjectID: project})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, timer.ErrTimerConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 || conflicts != attempts-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
	running, err := repo.ListRunningEntries(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 {
		t.Fatalf("expected 1 running entry, got %d", len(running))
	}
}

func TestPostgresForceStopAll(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	app := timer.NewApp(repo, clockwork.NewRealClock(), nil)

	if _, err := app.StartTimer(ctx, "u1", timer.StartTimerRequest{ProjectID: "p1"}); err != nil {
		t.Fatal(err)
	}

	stopped, err := app.ForceStopAllTimers(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stopped) != 1 || stopped[0].IsRunning || stopped[0].EndTime == nil || stopped[0].Duration < 0 {
		t.Fatalf("unexpected stopped entries %+v", stopped)
	}

	state, err := app.GetTimerState(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if state.IsRunning {
		t.Fatal("expected no running timer after force stop")
	}

	stopped, err = app.ForceStopAllTimers(ctx, "u1")
	if err != nil || len(stopped) != 0 {
		t.Fatalf("second force stop: %v, %d entries", err, len(stopped))
	}
}
