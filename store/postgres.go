package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:        "postgres",
	placeholder: sq.Dollar,
	forUpdate:   "FOR UPDATE",
	upsertAttribute: "ON CONFLICT (session_id, attribute_name) DO UPDATE SET " +
		"attribute_type = EXCLUDED.attribute_type, attribute_bytes = EXCLUDED.attribute_bytes",
	schema: postgresSchema,
}

// NewPostgres creates a new PostgreSQL session store on an open database handle.
func NewPostgres(ctx context.Context, db *sql.DB, opts SQLOptions) (*SQLStore, error) {
	return newSQLStore(ctx, db, postgresDialect, opts)
}

// NewPostgresFromDSN creates a new PostgreSQL session store using the pgx driver.
func NewPostgresFromDSN(ctx context.Context, dsn string, opts SQLOptions) (*SQLStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	s, err := NewPostgres(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func postgresSchema(t tables) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t.sessions + ` (
		session_id            VARCHAR(64) PRIMARY KEY,
		creation_time         BIGINT NOT NULL,
		last_access_time      BIGINT NOT NULL,
		max_inactive_interval BIGINT NOT NULL,
		expiry_time           BIGINT NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS ` + t.sessions + `_expiry_idx ON ` + t.sessions + ` (expiry_time)`,
		`CREATE TABLE IF NOT EXISTS ` + t.attributes + ` (
		session_id      VARCHAR(64) NOT NULL,
		attribute_name  VARCHAR(200) NOT NULL,
		attribute_type  VARCHAR(100) NOT NULL,
		attribute_bytes BYTEA,
		PRIMARY KEY (session_id, attribute_name)
	)`,
		`CREATE TABLE IF NOT EXISTS ` + t.indexes + ` (
		session_id  VARCHAR(64) NOT NULL,
		index_name  VARCHAR(100) NOT NULL,
		index_value VARCHAR(255) NOT NULL,
		PRIMARY KEY (session_id, index_name)
	)`,
		`CREATE INDEX IF NOT EXISTS ` + t.indexes + `_lookup_idx ON ` + t.indexes + ` (index_name, index_value)`,
	}
}
