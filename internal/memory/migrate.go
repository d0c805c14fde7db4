package memory

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: users, conversations, messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			id          TEXT PRIMARY KEY,
			phone       TEXT NOT NULL UNIQUE,
			name        TEXT DEFAULT '',
			whitelisted INTEGER NOT NULL DEFAULT 0,
			active      INTEGER NOT NULL DEFAULT 1,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			title       TEXT DEFAULT '',
			active      INTEGER NOT NULL DEFAULT 1,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, active, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id                  TEXT PRIMARY KEY,
			user_id             TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			conversation_id     TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			provider            TEXT NOT NULL,
			provider_message_id TEXT DEFAULT '',
			direction           TEXT NOT NULL,
			kind                TEXT NOT NULL DEFAULT 'text',
			content             TEXT DEFAULT '',
			media_url           TEXT DEFAULT '',
			ai_response         TEXT DEFAULT '',
			processed           INTEGER NOT NULL DEFAULT 0,
			processed_at        DATETIME,
			error               TEXT DEFAULT '',
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conversation_id, created_at);
		`,
	},
	{
		Version:     2,
		Description: "v2: ai usage and media type columns",
		SQL: `
		ALTER TABLE messages ADD COLUMN media_content_type TEXT DEFAULT '';
		ALTER TABLE messages ADD COLUMN ai_model TEXT DEFAULT '';
		ALTER TABLE messages ADD COLUMN tokens_in INTEGER DEFAULT 0;
		ALTER TABLE messages ADD COLUMN tokens_out INTEGER DEFAULT 0;
		`,
	},
	{
		Version:     3,
		Description: "v3: unique provider message ids",
		SQL: `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_provider_id
			ON messages(provider, provider_message_id)
			WHERE provider_message_id <> '';
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&current); err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		if err := applyMigration(db, m); err != nil {
			// ALTER TABLE ADD COLUMN fails when a column already exists;
			// fall back to statement-by-statement application.
			logger.Warn("migration failed as a unit, retrying per statement",
				"version", m.Version,
				"err", err,
			)
			if err := applyMigrationStatements(db, m, logger); err != nil {
				return err
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration v%d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return err
	}
	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return tx.Commit()
}

// applyMigrationStatements applies each SQL statement individually, skipping
// "duplicate column" and "already exists" errors.
func applyMigrationStatements(db *sql.DB, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		if _, err := db.Exec(stmt); err != nil {
			msg := strings.ToLower(err.Error())
			if strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists") {
				logger.Debug("migration statement skipped", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(
		"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func splitSQL(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version from the database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err != nil {
		return 0, nil
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}
