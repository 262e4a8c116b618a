package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "profile_features: atomic per-user facts with embeddings",
		SQL: `
CREATE TABLE profile_features (
    id          INTEGER PRIMARY KEY,
    user_id     TEXT NOT NULL,
    feature     TEXT NOT NULL,
    tag         TEXT NOT NULL,
    value       TEXT NOT NULL,
    embedding   BLOB,
    metadata    TEXT NOT NULL DEFAULT '{}',
    isolations  TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL,
    deleted_at  INTEGER
);

CREATE INDEX idx_features_user    ON profile_features(user_id);
CREATE INDEX idx_features_section ON profile_features(user_id, feature, tag);
`,
	},
	{
		Version:     2,
		Description: "history_messages: raw conversational messages",
		SQL: `
CREATE TABLE history_messages (
    id          INTEGER PRIMARY KEY,
    user_id     TEXT NOT NULL,
    content     TEXT NOT NULL,
    metadata    TEXT NOT NULL DEFAULT '{}',
    isolations  TEXT NOT NULL DEFAULT '{}',
    created_at  INTEGER NOT NULL,
    is_ingested INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX idx_history_user_status ON history_messages(user_id, is_ingested);
CREATE INDEX idx_history_created     ON history_messages(created_at);
`,
	},
	{
		Version:     3,
		Description: "profile_feature_citations: entry -> message provenance",
		SQL: `
CREATE TABLE profile_feature_citations (
    feature_id INTEGER NOT NULL,
    history_id INTEGER NOT NULL,
    PRIMARY KEY (feature_id, history_id),
    FOREIGN KEY (feature_id) REFERENCES profile_features(id) ON DELETE CASCADE
);

CREATE INDEX idx_citations_history ON profile_feature_citations(history_id);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
