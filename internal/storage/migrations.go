package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Seen record ledger",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS seen_hashes (
					purpose TEXT NOT NULL,
					hash TEXT NOT NULL,
					added_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					PRIMARY KEY (purpose, hash)
				)`,
			)
		},
	},
	{
		Version:     2,
		Description: "Append-only feedback log",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS feedback (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					kind TEXT NOT NULL CHECK (kind IN ('category', 'anomaly')),
					vendor TEXT NOT NULL DEFAULT '',
					description TEXT NOT NULL DEFAULT '',
					amount REAL,
					date TEXT NOT NULL DEFAULT '',
					category TEXT NOT NULL DEFAULT '',
					is_anomaly INTEGER,
					model_score REAL,
					source TEXT NOT NULL,
					created_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_feedback_kind ON feedback(kind)`,
				// Merges are recorded separately so feedback rows are never updated.
				`CREATE TABLE IF NOT EXISTS feedback_merges (
					feedback_id INTEGER NOT NULL,
					target TEXT NOT NULL,
					merged_at DATETIME NOT NULL,
					PRIMARY KEY (feedback_id, target),
					FOREIGN KEY (feedback_id) REFERENCES feedback(id)
				)`,
			)
		},
	},
	{
		Version:     3,
		Description: "Training run history",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS training_runs (
					id TEXT PRIMARY KEY,
					purpose TEXT NOT NULL,
					mode TEXT NOT NULL,
					started_at DATETIME NOT NULL,
					finished_at DATETIME NOT NULL,
					total_records INTEGER NOT NULL DEFAULT 0,
					new_records INTEGER NOT NULL DEFAULT 0,
					classes TEXT NOT NULL DEFAULT '[]',
					accuracy REAL NOT NULL DEFAULT 0,
					eval_skipped INTEGER NOT NULL DEFAULT 0,
					artifact_id TEXT NOT NULL DEFAULT '',
					artifact_version INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE INDEX idx_training_runs_purpose ON training_runs(purpose, started_at)`,
			)
		},
	},
}

func execAll(tx *sql.Tx, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

// Migrate runs all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Debug("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
