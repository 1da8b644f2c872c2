package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/durahub/durahub/internal/db"
	"github.com/durahub/durahub/internal/db/dialect"
)

// Timestamps are stored as unix milliseconds so visibility and lock
// comparisons behave identically on SQLite and PostgreSQL. Event and
// message payloads are stored as JSON text.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		instance_id     TEXT PRIMARY KEY,
		execution_id    TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL,
		version         TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL,
		created_at      BIGINT NOT NULL,
		last_updated_at BIGINT NOT NULL,
		completed_at    BIGINT,
		input           TEXT NOT NULL DEFAULT '',
		output          TEXT NOT NULL DEFAULT '',
		custom_status   TEXT NOT NULL DEFAULT '',
		failure_json    TEXT,
		tags_json       TEXT,
		parent_instance TEXT NOT NULL DEFAULT '',
		lock_token      TEXT NOT NULL DEFAULT '',
		locked_until    BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS history (
		instance_id TEXT NOT NULL,
		sequence    BIGINT NOT NULL,
		event_json  TEXT NOT NULL,
		PRIMARY KEY (instance_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS inbox (
		id           %s,
		instance_id  TEXT NOT NULL,
		visible_at   BIGINT NOT NULL DEFAULT 0,
		message_json TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id           %s,
		instance_id  TEXT NOT NULL,
		execution_id TEXT NOT NULL DEFAULT '',
		event_json   TEXT NOT NULL,
		visible_at   BIGINT NOT NULL DEFAULT 0,
		lock_token   TEXT NOT NULL DEFAULT '',
		locked_until BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_inbox_instance ON inbox (instance_id, visible_at)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_ready ON activities (visible_at, locked_until)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances (status, created_at)`,
}

func migrate(ctx context.Context, pool *db.Pool) error {
	autoPK := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if dialect.IsPostgres(pool.Writer().DriverName()) {
		autoPK = "BIGSERIAL PRIMARY KEY"
	}
	for _, stmt := range schemaStatements {
		if strings.Contains(stmt, "%s") {
			stmt = fmt.Sprintf(stmt, autoPK)
		}
		if _, err := pool.Writer().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
