package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tempohq/tempo/go/internal/models"
	"github.com/tempohq/tempo/go/internal/sqlutil"
)

const sqliteSchemaVersion = 1

// SQLiteRepository is the embedded Entry Store used for single-node
// deployments and tests. All access goes through one connection, so writes
// are serialised and LockUser has nothing to do.
type SQLiteRepository struct {
	sqliteQueries
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path and migrates it.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	r := &SQLiteRepository{sqliteQueries: sqliteQueries{db: db}, db: db}
	if err := r.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

// NewSQLiteMemory creates an in-memory store for testing.
func NewSQLiteMemory() (*SQLiteRepository, error) {
	return NewSQLiteRepository(":memory:")
}

func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	var version int
	if err := r.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion))
	return err
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error {
	return sqlutil.InTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(ctx, sqliteQueries{db: tx})
	})
}

func (r *SQLiteRepository) UpsertProject(ctx context.Context, p models.Project) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, name, is_active) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET user_id = excluded.user_id, name = excluded.name, is_active = excluded.is_active`,
		p.ID, p.UserID, p.Name, sqlutil.ToSqlBool(p.IsActive))
	if err != nil {
		return fmt.Errorf("upsert project: %w", err)
	}
	return nil
}

type sqliteQueries struct {
	db sqlutil.Querier
}

func (q sqliteQueries) LockUser(context.Context, string) error {
	return nil
}

func (q sqliteQueries) GetRunningEntry(ctx context.Context, userID string) (*models.TimeEntry, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE user_id = ? AND is_running = 1 ORDER BY start_time DESC LIMIT 1`,
		userID)
	entry, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get running entry: %w", err)
	}
	return entry, nil
}

func (q sqliteQueries) ListRunningEntries(ctx context.Context, userID string) ([]models.TimeEntry, error) {
	return q.list(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE user_id = ? AND is_running = 1 ORDER BY start_time`,
		userID)
}

func (q sqliteQueries) ListStoppedEntries(ctx context.Context, userID string) ([]models.TimeEntry, error) {
	return q.list(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE user_id = ? AND is_running = 0 ORDER BY start_time`,
		userID)
}

func (q sqliteQueries) ProjectAccessible(ctx context.Context, userID, projectID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE id = ? AND user_id = ? AND is_active = 1`,
		projectID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check project: %w", err)
	}
	return n > 0, nil
}

func (q sqliteQueries) InsertEntry(ctx context.Context, e models.TimeEntry) (*models.TimeEntry, error) {
	row, err := sqliteRowFromModel(e)
	if err != nil {
		return nil, err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO time_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.UserID, row.ProjectID, row.Description, row.StartTime, row.EndTime,
		row.Duration, row.IsRunning, row.Tags, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		if isSQLiteRunningViolation(err) {
			return nil, ErrRunningEntryExists
		}
		return nil, fmt.Errorf("insert entry: %w", err)
	}
	return q.get(ctx, e.ID)
}

func (q sqliteQueries) StopEntry(ctx context.Context, req StopEntryRequest) (*models.TimeEntry, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE time_entries SET end_time = ?, duration = ?, is_running = 0, updated_at = ?
		WHERE id = ? AND is_running = 1`,
		sqlutil.FormatTime(req.EndTime), req.Duration, sqlutil.FormatTime(req.UpdatedAt), req.ID)
	if err != nil {
		return nil, fmt.Errorf("stop entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("stop entry: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return q.get(ctx, req.ID)
}

// StopAllRunning has no database clock to lean on, so the store's wall
// clock stands in for it.
func (q sqliteQueries) StopAllRunning(ctx context.Context, userID string) ([]models.TimeEntry, error) {
	running, err := q.ListRunningEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	stopped := make([]models.TimeEntry, 0, len(running))
	for _, e := range running {
		end := now
		if end.Before(e.StartTime) {
			end = e.StartTime
		}
		entry, err := q.StopEntry(ctx, StopEntryRequest{
			ID:        e.ID,
			EndTime:   end,
			Duration:  models.DurationSeconds(e.StartTime, end),
			UpdatedAt: now,
		})
		if err != nil {
			return nil, err
		}
		stopped = append(stopped, *entry)
	}
	return stopped, nil
}

func (q sqliteQueries) get(ctx context.Context, id string) (*models.TimeEntry, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM time_entries WHERE id = ?`, id)
	entry, err := scanSQLiteEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry %s: %w", id, err)
	}
	return entry, nil
}

func (q sqliteQueries) list(ctx context.Context, query string, args ...any) ([]models.TimeEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []models.TimeEntry{}
	for rows.Next() {
		entry, err := scanSQLiteEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEntry(row rowScanner) (*models.TimeEntry, error) {
	var r sqliteEntryRow
	err := row.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.Description, &r.StartTime, &r.EndTime,
		&r.Duration, &r.IsRunning, &r.Tags, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r.toModel()
}

func isSQLiteRunningViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT &&
		strings.Contains(sqliteErr.Error(), "time_entries.user_id")
}
