package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tempohq/tempo/go/internal/models"
)

const pgUniqueViolation = "23505"

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository is the production Entry Store.
type PostgresRepository struct {
	pgQueries
	pool *pgxpool.Pool
}

// NewPostgresRepository opens a pool against dsn and verifies connectivity.
func NewPostgresRepository(ctx context.Context, dsn string) (*PostgresRepository, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresRepositoryFromPool(pool), nil
}

// NewPostgresRepositoryFromPool wraps an existing pool.
func NewPostgresRepositoryFromPool(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pgQueries: pgQueries{db: pool, inTx: false}, pool: pool}
}

func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) (err error) {
	txn, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = txn.Rollback(ctx)
		}
	}()

	if err = fn(ctx, pgQueries{db: txn, inTx: true}); err != nil {
		return err
	}

	if err = txn.Commit(ctx); err != nil {
		if isRunningIndexViolation(err) {
			return ErrRunningEntryExists
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpsertProject(ctx context.Context, p models.Project) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO projects (id, user_id, name, is_active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, name = EXCLUDED.name, is_active = EXCLUDED.is_active`,
		p.ID, p.UserID, p.Name, p.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert project: %w", err)
	}
	return nil
}

type pgQueries struct {
	db   pgQuerier
	inTx bool
}

// LockUser takes a transaction-scoped advisory lock keyed on the user id so
// concurrent starts for one user queue behind each other.
func (q pgQueries) LockUser(ctx context.Context, userID string) error {
	if !q.inTx {
		return nil
	}
	if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("failed to lock user: %w", err)
	}
	return nil
}

func (q pgQueries) GetRunningEntry(ctx context.Context, userID string) (*models.TimeEntry, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE user_id = $1 AND is_running ORDER BY start_time DESC LIMIT 1`,
		userID)
	entry, err := scanPgEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get running entry: %w", err)
	}
	return entry, nil
}

func (q pgQueries) ListRunningEntries(ctx context.Context, userID string) ([]models.TimeEntry, error) {
	return q.list(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE user_id = $1 AND is_running ORDER BY start_time`,
		userID)
}

func (q pgQueries) ListStoppedEntries(ctx context.Context, userID string) ([]models.TimeEntry, error) {
	return q.list(ctx,
		`SELECT `+entryColumns+` FROM time_entries WHERE user_id = $1 AND NOT is_running ORDER BY start_time`,
		userID)
}

func (q pgQueries) ProjectAccessible(ctx context.Context, userID, projectID string) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1 AND user_id = $2 AND is_active)`,
		projectID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check project: %w", err)
	}
	return ok, nil
}

func (q pgQueries) InsertEntry(ctx context.Context, e models.TimeEntry) (*models.TimeEntry, error) {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	row := q.db.QueryRow(ctx, `
		INSERT INTO time_entries (id, user_id, project_id, description, start_time, end_time, duration, is_running, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+entryColumns,
		e.ID, e.UserID, e.ProjectID, e.Description, e.StartTime, e.EndTime, e.Duration, e.IsRunning, tags, e.CreatedAt, e.UpdatedAt)
	entry, err := scanPgEntry(row)
	if err != nil {
		if isRunningIndexViolation(err) {
			return nil, ErrRunningEntryExists
		}
		return nil, fmt.Errorf("failed to insert entry: %w", err)
	}
	return entry, nil
}

func (q pgQueries) StopEntry(ctx context.Context, req StopEntryRequest) (*models.TimeEntry, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE time_entries
		SET end_time = $2, duration = $3, is_running = FALSE, updated_at = $4
		WHERE id = $1 AND is_running
		RETURNING `+entryColumns,
		req.ID, req.EndTime, req.Duration, req.UpdatedAt)
	entry, err := scanPgEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stop entry: %w", err)
	}
	return entry, nil
}

// StopAllRunning uses the database clock; inside a transaction now() is the
// transaction start time, so every stopped entry shares one end time.
func (q pgQueries) StopAllRunning(ctx context.Context, userID string) ([]models.TimeEntry, error) {
	return q.list(ctx, `
		UPDATE time_entries
		SET end_time = GREATEST(now(), start_time),
		    duration = GREATEST(0, floor(extract(epoch FROM (now() - start_time))))::bigint,
		    is_running = FALSE,
		    updated_at = now()
		WHERE user_id = $1 AND is_running
		RETURNING `+entryColumns,
		userID)
}

func (q pgQueries) list(ctx context.Context, query string, args ...any) ([]models.TimeEntry, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := []models.TimeEntry{}
	for rows.Next() {
		entry, err := scanPgEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}
	return entries, nil
}

func scanPgEntry(row pgx.Row) (*models.TimeEntry, error) {
	var r pgEntryRow
	err := row.Scan(&r.ID, &r.UserID, &r.ProjectID, &r.Description, &r.StartTime, &r.EndTime,
		&r.Duration, &r.IsRunning, &r.Tags, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r.toModel(), nil
}

func isRunningIndexViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == RunningIndexName
}
