package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name:        "sqlite",
	placeholder: sq.Question,
	// Transactions are opened with _txlock=immediate, so the write lock is
	// taken at BEGIN and no row lock clause is needed.
	forUpdate: "",
	upsertAttribute: "ON CONFLICT (session_id, attribute_name) DO UPDATE SET " +
		"attribute_type = excluded.attribute_type, attribute_bytes = excluded.attribute_bytes",
	schema: sqliteSchema,
}

// NewSQLite creates a new SQLite session store.
// It uses the pure Go modernc.org/sqlite driver.
// The database file is created if it doesn't exist.
func NewSQLite(ctx context.Context, dbPath string, opts SQLOptions) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	s, err := newSQLStore(ctx, db, sqliteDialect, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteSchema(t tables) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t.sessions + ` (
		session_id            TEXT PRIMARY KEY,
		creation_time         INTEGER NOT NULL,
		last_access_time      INTEGER NOT NULL,
		max_inactive_interval INTEGER NOT NULL,
		expiry_time           INTEGER NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS ` + t.sessions + `_expiry_idx ON ` + t.sessions + ` (expiry_time)`,
		`CREATE TABLE IF NOT EXISTS ` + t.attributes + ` (
		session_id      TEXT NOT NULL,
		attribute_name  TEXT NOT NULL,
		attribute_type  TEXT NOT NULL,
		attribute_bytes BLOB,
		PRIMARY KEY (session_id, attribute_name)
	)`,
		`CREATE TABLE IF NOT EXISTS ` + t.indexes + ` (
		session_id  TEXT NOT NULL,
		index_name  TEXT NOT NULL,
		index_value TEXT NOT NULL,
		PRIMARY KEY (session_id, index_name)
	)`,
		`CREATE INDEX IF NOT EXISTS ` + t.indexes + `_lookup_idx ON ` + t.indexes + ` (index_name, index_value)`,
	}
}
