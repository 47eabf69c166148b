package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"

	"redress/core/utils"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// sqlite schema used by the go test runtime. Production postgres schema
// lives in migrations/*.sql and is applied through goose.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS incidents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_key TEXT UNIQUE NOT NULL,
		severity TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'OPEN',
		title TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		source_primary TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '[]',
		lawbook_version TEXT,
		first_seen_at TIMESTAMP NOT NULL,
		last_seen_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS incident_evidence (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		kind TEXT NOT NULL,
		ref_json TEXT NOT NULL DEFAULT '{}',
		sha256 TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_incident_evidence_hash
		ON incident_evidence(incident_id, kind, sha256) WHERE sha256 IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS incident_links (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		timeline_node_id TEXT NOT NULL,
		link_type TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(incident_id, timeline_node_id, link_type),
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS incident_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		incident_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS remediation_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_uid TEXT NOT NULL,
		run_key TEXT NOT NULL,
		incident_id INTEGER NOT NULL,
		playbook_id TEXT NOT NULL,
		playbook_version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PLANNED',
		skip_reason TEXT NOT NULL DEFAULT '',
		lawbook_version TEXT,
		inputs_hash TEXT NOT NULL DEFAULT '',
		planned_json TEXT NOT NULL DEFAULT '{}',
		result_json TEXT NOT NULL DEFAULT '{}',
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY(incident_id) REFERENCES incidents(id)
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_remediation_runs_key_active
		ON remediation_runs(run_key) WHERE status != 'SKIPPED';`,
	`CREATE TABLE IF NOT EXISTS remediation_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		step_uid TEXT NOT NULL,
		run_id INTEGER NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		step_id TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		output_json TEXT NOT NULL DEFAULT '{}',
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		FOREIGN KEY(run_id) REFERENCES remediation_runs(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL,
		action TEXT NOT NULL,
		details TEXT,
		created_at TIMESTAMP NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_last_seen ON incidents(last_seen_at);`,
	`CREATE INDEX IF NOT EXISTS idx_incident_events_incident_created ON incident_events(incident_id, created_at);`,
	`CREATE INDEX IF NOT EXISTS idx_remediation_runs_incident ON remediation_runs(incident_id);`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
}

func ApplyMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	isPG, err := isPostgresDB(ctx, db)
	if err != nil {
		return err
	}
	if !isPG {
		if !isTestRuntime() {
			return fmt.Errorf("only postgres is supported outside go test runtime")
		}
		return applySQLiteTestMigrations(ctx, db, logger)
	}
	return applyGooseMigrations(ctx, db, logger)
}

func isPostgresDB(ctx context.Context, db *sql.DB) (bool, error) {
	var version string
	if err := db.QueryRowContext(ctx, `SELECT sqlite_version()`).Scan(&version); err == nil {
		return false, nil
	}
	return true, nil
}

func applySQLiteTestMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	if logger != nil {
		logger.Printf("applying sqlite test migrations")
	}
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("sqlite migration #%d failed: %w", i+1, err)
		}
	}
	return nil
}

func applyGooseMigrations(ctx context.Context, db *sql.DB, logger *utils.Logger) error {
	goose.SetBaseFS(embeddedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return err
	}
	if logger != nil {
		logger.Printf("postgres migrations applied")
	}
	return nil
}
