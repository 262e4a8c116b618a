package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// connPragmas rides on the DSN so every connection in the pool gets the
// same settings. PRAGMA statements run through Exec only configure the one
// connection that happened to execute them.
const connPragmas = "_pragma=journal_mode(WAL)" +
	"&_pragma=synchronous(NORMAL)" +
	"&_pragma=foreign_keys(1)" +
	"&_pragma=busy_timeout(5000)"

// DB is the SQLite-backed ProfileStore.
type DB struct {
	*sql.DB
	Path string
}

var _ ProfileStore = (*DB)(nil)

// DefaultDBPath returns the default database path: ~/.memmachine/profile.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".memmachine", "profile.db"), nil
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", "file:"+path+"?"+connPragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db := &DB{DB: sqlDB, Path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// memSeq distinguishes in-memory databases so two OpenMemory handles never
// alias the same shared-cache name.
var memSeq atomic.Int64

// OpenMemory opens an in-memory SQLite database for testing. A plain
// ":memory:" DSN gives every pooled connection its own empty database, so
// the name is shared across the pool and the pool is pinned to a single
// connection that lives as long as the handle.
func OpenMemory() (*DB, error) {
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&%s",
		memSeq.Add(1), connPragmas)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	db := &DB{DB: sqlDB, Path: ":memory:"}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Startup verifies the connection. Open already establishes it, so this is
// a ping; safe to call more than once.
func (db *DB) Startup(ctx context.Context) error {
	return db.PingContext(ctx)
}

// Cleanup closes the database.
func (db *DB) Cleanup() error {
	return db.Close()
}

// ResetSchema drops every table so migrations can re-apply a clean schema.
func (db *DB) ResetSchema() error {
	tables := []string{
		"profile_feature_citations",
		"profile_features",
		"history_messages",
		"schema_versions",
	}
	for _, table := range tables {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return db.migrate()
}
