package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Schema creates the export tables.
const Schema = `
CREATE TABLE IF NOT EXISTS error_records (
	id                  TEXT PRIMARY KEY,
	occurred_at         TIMESTAMPTZ NOT NULL,
	error_type          TEXT NOT NULL,
	severity            TEXT NOT NULL,
	category            TEXT NOT NULL,
	operation           TEXT NOT NULL,
	session_id          TEXT,
	user_id             TEXT,
	message_type        TEXT,
	message             TEXT NOT NULL,
	recovery_attempted  BOOLEAN NOT NULL,
	recovery_successful BOOLEAN NOT NULL,
	recovery_ms         DOUBLE PRECISION NOT NULL,
	stack_trace         TEXT
);

CREATE INDEX IF NOT EXISTS error_records_occurred_at_idx ON error_records (occurred_at);
CREATE INDEX IF NOT EXISTS error_records_severity_idx ON error_records (severity, occurred_at);

CREATE TABLE IF NOT EXISTS health_snapshots (
	instance TEXT NOT NULL,
	taken_at TIMESTAMPTZ NOT NULL,
	status   TEXT NOT NULL,
	healthy  BOOLEAN NOT NULL,
	detail   JSONB NOT NULL,
	PRIMARY KEY (instance, taken_at)
);
`

// Execer runs a statement. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migrate creates the export tables if they do not exist.
func Migrate(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create export schema: %w", err)
	}
	return nil
}
