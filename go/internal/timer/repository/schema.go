package repository

// The projects table belongs to the project CRUD component; only the
// columns the ownership check reads are declared here.

const postgresSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	is_active  BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS time_entries (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	start_time  TIMESTAMPTZ NOT NULL,
	end_time    TIMESTAMPTZ,
	duration    BIGINT NOT NULL DEFAULT 0,
	is_running  BOOLEAN NOT NULL DEFAULT FALSE,
	tags        TEXT[] NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT time_entries_duration_non_negative CHECK (duration >= 0),
	CONSTRAINT time_entries_time_range CHECK (end_time IS NULL OR end_time >= start_time)
);

CREATE UNIQUE INDEX IF NOT EXISTS time_entries_one_running_per_user
	ON time_entries (user_id) WHERE is_running;

CREATE INDEX IF NOT EXISTS time_entries_user_start
	ON time_entries (user_id, start_time DESC);
`

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	is_active  INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS time_entries (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	project_id  TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	start_time  TEXT NOT NULL,
	end_time    TEXT,
	duration    INTEGER NOT NULL DEFAULT 0 CHECK (duration >= 0),
	is_running  INTEGER NOT NULL DEFAULT 0,
	tags        TEXT NOT NULL DEFAULT '[]',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS time_entries_one_running_per_user
	ON time_entries (user_id) WHERE is_running = 1;

CREATE INDEX IF NOT EXISTS time_entries_user_start
	ON time_entries (user_id, start_time);
`
