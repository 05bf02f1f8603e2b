package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tempohq/tempo/go/internal/models"
	"github.com/tempohq/tempo/go/internal/sqlutil"
)

const entryColumns = `id, user_id, project_id, description, start_time, end_time, duration, is_running, tags, created_at, updated_at`

// pgEntryRow mirrors a time_entries row as pgx decodes it.
type pgEntryRow struct {
	ID          string
	UserID      string
	ProjectID   string
	Description string
	StartTime   time.Time
	EndTime     *time.Time
	Duration    int64
	IsRunning   bool
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (r pgEntryRow) toModel() *models.TimeEntry {
	var endTime *time.Time
	if r.EndTime != nil {
		t := r.EndTime.UTC()
		endTime = &t
	}
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	return &models.TimeEntry{
		ID:          r.ID,
		UserID:      r.UserID,
		ProjectID:   r.ProjectID,
		Description: r.Description,
		StartTime:   r.StartTime.UTC(),
		EndTime:     endTime,
		Duration:    r.Duration,
		IsRunning:   r.IsRunning,
		Tags:        tags,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

// sqliteEntryRow mirrors a time_entries row in its text-encoded SQLite form.
type sqliteEntryRow struct {
	ID          string
	UserID      string
	ProjectID   string
	Description string
	StartTime   string
	EndTime     sql.NullString
	Duration    int64
	IsRunning   int
	Tags        string
	CreatedAt   string
	UpdatedAt   string
}

func sqliteRowFromModel(e models.TimeEntry) (sqliteEntryRow, error) {
	tags, err := sqlutil.ToJSONStrings(e.Tags)
	if err != nil {
		return sqliteEntryRow{}, err
	}
	return sqliteEntryRow{
		ID:          e.ID,
		UserID:      e.UserID,
		ProjectID:   e.ProjectID,
		Description: e.Description,
		StartTime:   sqlutil.FormatTime(e.StartTime),
		EndTime:     sqlutil.ToSqlTime(e.EndTime),
		Duration:    e.Duration,
		IsRunning:   sqlutil.ToSqlBool(e.IsRunning),
		Tags:        tags,
		CreatedAt:   sqlutil.FormatTime(e.CreatedAt),
		UpdatedAt:   sqlutil.FormatTime(e.UpdatedAt),
	}, nil
}

func (r sqliteEntryRow) toModel() (*models.TimeEntry, error) {
	start, err := sqlutil.ParseTime(r.StartTime)
	if err != nil {
		return nil, err
	}
	end, err := sqlutil.FromSqlTime(r.EndTime)
	if err != nil {
		return nil, err
	}
	created, err := sqlutil.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	updated, err := sqlutil.ParseTime(r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tags, err := sqlutil.FromJSONStrings(r.Tags)
	if err != nil {
		return nil, fmt.Errorf("entry %s tags: %w", r.ID, err)
	}
	return &models.TimeEntry{
		ID:          r.ID,
		UserID:      r.UserID,
		ProjectID:   r.ProjectID,
		Description: r.Description,
		StartTime:   start,
		EndTime:     end,
		Duration:    r.Duration,
		IsRunning:   r.IsRunning != 0,
		Tags:        tags,
		CreatedAt:   created,
		UpdatedAt:   updated,
	}, nil
}
