package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:webwork.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/webwork?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// one writer at a time keeps student transactions from failing with SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  role TEXT NOT NULL,                        -- student | teacher | admin
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
  id TEXT PRIMARY KEY,
  username TEXT NOT NULL UNIQUE,
  password_hash TEXT NOT NULL,
  role TEXT NOT NULL,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS problems (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL,
  settings_json TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS course_settings (
  course_id TEXT PRIMARY KEY,
  settings_json TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS student_state (
  course_id TEXT NOT NULL,
  problem_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  state_json TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (course_id, problem_id, user_id)
);

CREATE TABLE IF NOT EXISTS student_psvn (
  course_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  psvn_key INTEGER NOT NULL,
  psvn INTEGER NOT NULL,
  PRIMARY KEY (course_id, user_id, psvn_key)
);

CREATE TABLE IF NOT EXISTS event_log (
  "offset" INTEGER PRIMARY KEY AUTOINCREMENT, -- BIGSERIAL in Postgres
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,                         -- e.g., SubmissionRecorded
  key TEXT NOT NULL,                         -- natural key: course/problem/user
  data TEXT NOT NULL,                        -- JSON payload
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS gradebook_lineitems (
  problem_id TEXT NOT NULL,
  context_id TEXT NOT NULL,
  line_item_url TEXT NOT NULL,
  label TEXT NOT NULL,
  score_max REAL NOT NULL,
  PRIMARY KEY (problem_id, context_id)
);

CREATE TABLE IF NOT EXISTS grade_sync_status (
  sync_key TEXT PRIMARY KEY,                 -- course/problem/user
  status TEXT NOT NULL,                      -- pending | ok | failed
  last_error TEXT NOT NULL DEFAULT '',
  retries INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS problems (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL,
  settings_json TEXT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS course_settings (
  course_id TEXT PRIMARY KEY,
  settings_json TEXT NOT NULL,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS student_state (
  course_id TEXT NOT NULL,
  problem_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  state_json TEXT NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (course_id, problem_id, user_id)
);

CREATE TABLE IF NOT EXISTS student_psvn (
  course_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  psvn_key INTEGER NOT NULL,
  psvn INTEGER NOT NULL,
  PRIMARY KEY (course_id, user_id, psvn_key)
);

CREATE TABLE IF NOT EXISTS event_log (
  "offset" BIGSERIAL PRIMARY KEY,
  site_id TEXT NOT NULL DEFAULT 'local',
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS gradebook_lineitems (
  problem_id TEXT NOT NULL,
  context_id TEXT NOT NULL,
  line_item_url TEXT NOT NULL,
  label TEXT NOT NULL,
  score_max DOUBLE PRECISION NOT NULL,
  PRIMARY KEY (problem_id, context_id)
);

CREATE TABLE IF NOT EXISTS grade_sync_status (
  sync_key TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  last_error TEXT NOT NULL DEFAULT '',
  retries INTEGER NOT NULL DEFAULT 0,
  updated_at BIGINT NOT NULL
);
`
