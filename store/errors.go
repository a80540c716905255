package store

import "errors"

var (
	// ErrConflict is returned when an optimistic update kept losing to
	// concurrent writers and gave up.
	ErrConflict = errors.New("store: too many concurrent updates")

	// ErrInvalidTableName is returned when a SQL table name is not a plain identifier.
	ErrInvalidTableName = errors.New("store: invalid table name")

	// ErrUnknownKind is returned by Open for an unsupported backend kind.
	ErrUnknownKind = errors.New("store: unknown backend kind")
)
