package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name:        "mysql",
	placeholder: sq.Question,
	forUpdate:   "FOR UPDATE",
	upsertAttribute: "ON DUPLICATE KEY UPDATE " +
		"attribute_type = VALUES(attribute_type), attribute_bytes = VALUES(attribute_bytes)",
	schema: mysqlSchema,
}

// NewMySQL creates a new MySQL session store on an open database handle.
func NewMySQL(ctx context.Context, db *sql.DB, opts SQLOptions) (*SQLStore, error) {
	return newSQLStore(ctx, db, mysqlDialect, opts)
}

// NewMySQLFromDSN creates a new MySQL session store from a DSN.
// The DSN format is: user:password@tcp(host:port)/database
func NewMySQLFromDSN(ctx context.Context, dsn string, opts SQLOptions) (*SQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: failed to connect: %w", err)
	}

	s, err := NewMySQL(ctx, db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func mysqlSchema(t tables) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + t.sessions + ` (
		session_id            VARCHAR(64) PRIMARY KEY,
		creation_time         BIGINT NOT NULL,
		last_access_time      BIGINT NOT NULL,
		max_inactive_interval BIGINT NOT NULL,
		expiry_time           BIGINT NOT NULL,

		INDEX ` + t.sessions + `_expiry_idx (expiry_time)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS ` + t.attributes + ` (
		session_id      VARCHAR(64) NOT NULL,
		attribute_name  VARCHAR(200) NOT NULL,
		attribute_type  VARCHAR(100) NOT NULL,
		attribute_bytes LONGBLOB,

		PRIMARY KEY (session_id, attribute_name)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		`CREATE TABLE IF NOT EXISTS ` + t.indexes + ` (
		session_id  VARCHAR(64) NOT NULL,
		index_name  VARCHAR(100) NOT NULL,
		index_value VARCHAR(255) NOT NULL,

		PRIMARY KEY (session_id, index_name),
		INDEX ` + t.indexes + `_lookup_idx (index_name, index_value)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	}
}
