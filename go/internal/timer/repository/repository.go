package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tempohq/tempo/go/internal/dbconfig"
	"github.com/tempohq/tempo/go/internal/models"
)

var (
	// ErrNotFound is returned when a record is missing from the store.
	ErrNotFound = errors.New("repository: record not found")

	// ErrRunningEntryExists is returned when an insert would give a user a
	// second running entry. It is raised by the storage-level partial unique
	// index, not by an application read.
	ErrRunningEntryExists = errors.New("repository: user already has a running entry")
)

// RunningIndexName is the partial unique index guarding one running entry per user.
const RunningIndexName = "time_entries_one_running_per_user"

// Queries are the entry operations usable both on the store and inside a
// transaction.
type Queries interface {
	// LockUser serialises timer mutations for one user for the rest of the
	// transaction. Outside a transaction it is a no-op.
	LockUser(ctx context.Context, userID string) error
	GetRunningEntry(ctx context.Context, userID string) (*models.TimeEntry, error)
	ListRunningEntries(ctx context.Context, userID string) ([]models.TimeEntry, error)
	ListStoppedEntries(ctx context.Context, userID string) ([]models.TimeEntry, error)
	ProjectAccessible(ctx context.Context, userID, projectID string) (bool, error)
	InsertEntry(ctx context.Context, entry models.TimeEntry) (*models.TimeEntry, error)
	StopEntry(ctx context.Context, req StopEntryRequest) (*models.TimeEntry, error)
	// StopAllRunning stops every running entry for the user using the
	// store's own clock.
	StopAllRunning(ctx context.Context, userID string) ([]models.TimeEntry, error)
}

// Repository is the Entry Store.
type Repository interface {
	Queries
	WithinTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
	UpsertProject(ctx context.Context, project models.Project) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// StopEntryRequest describes the single running->stopped transition.
type StopEntryRequest struct {
	ID        string
	EndTime   time.Time
	Duration  int64
	UpdatedAt time.Time
}

// Open connects to the store selected by cfg.Driver.
func Open(ctx context.Context, cfg dbconfig.Config) (Repository, error) {
	switch cfg.Driver {
	case dbconfig.DriverPostgres, "":
		return NewPostgresRepository(ctx, cfg.DSN())
	case dbconfig.DriverSQLite:
		return NewSQLiteRepository(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
