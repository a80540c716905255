package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// DefaultTableName is the session table used when SQLOptions.TableName is empty.
const DefaultTableName = "warden_sessions"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,50}$`)

// SQLOptions configures the relational session stores.
type SQLOptions struct {
	// TableName is the session table. Attributes and index entries live in
	// "<TableName>_attributes" and "<TableName>_indexes".
	// Default: "warden_sessions".
	TableName string

	// SkipSchema disables CREATE TABLE IF NOT EXISTS on construction,
	// for deployments where the schema is managed elsewhere.
	SkipSchema bool
}

// dialect captures what differs between the supported SQL databases.
type dialect struct {
	name            string
	placeholder     sq.PlaceholderFormat
	forUpdate       string
	upsertAttribute string
	schema          func(t tables) []string
}

type tables struct {
	sessions   string
	attributes string
	indexes    string
}

func newTables(name string) (tables, error) {
	if name == "" {
		name = DefaultTableName
	}
	if !tableNamePattern.MatchString(name) {
		return tables{}, fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	return tables{
		sessions:   name,
		attributes: name + "_attributes",
		indexes:    name + "_indexes",
	}, nil
}

// SQLStore implements Backend on a relational database.
// The session row, its attribute rows and its index rows are written in one
// transaction. Attribute rows are upserted and deleted individually so a
// save only touches the attributes that changed.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	t       tables
	psq     sq.StatementBuilderType
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, opts SQLOptions) (*SQLStore, error) {
	t, err := newTables(opts.TableName)
	if err != nil {
		return nil, err
	}

	s := &SQLStore{
		db:      db,
		dialect: d,
		t:       t,
		psq:     sq.StatementBuilder.PlaceholderFormat(d.placeholder),
	}

	if !opts.SkipSchema {
		if err := s.createSchema(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SQLStore) createSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema(s.t) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: failed to create schema: %w", s.dialect.name, err)
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Get loads a session with its attributes and index entries.
func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	query, args, err := s.psq.
		Select("creation_time", "last_access_time", "max_inactive_interval").
		From(s.t.sessions).
		Where(sq.Eq{"session_id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var created, accessed, interval int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&created, &accessed, &interval)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: failed to load session: %w", s.dialect.name, err)
	}

	rec := &Record{
		ID:                  id,
		CreationTime:        fromMillis(created),
		LastAccessedTime:    fromMillis(accessed),
		MaxInactiveInterval: fromIntervalMillis(interval),
	}

	if rec.Attributes, err = s.loadAttributes(ctx, s.db, id, nil); err != nil {
		return nil, err
	}
	if rec.Indexes, err = s.loadIndexes(ctx, s.db, id); err != nil {
		return nil, err
	}
	return rec, nil
}

// Put replaces the session row and all of its attribute rows.
func (s *SQLStore) Put(ctx context.Context, rec *Record) error {
	return s.inTx(ctx, "save session", func(tx *sql.Tx) error {
		old, err := s.loadIndexes(ctx, tx, rec.ID)
		if err != nil {
			return err
		}

		if err := s.exec(ctx, tx, s.psq.Delete(s.t.attributes).Where(sq.Eq{"session_id": rec.ID})); err != nil {
			return err
		}
		if err := s.exec(ctx, tx, s.psq.Delete(s.t.sessions).Where(sq.Eq{"session_id": rec.ID})); err != nil {
			return err
		}

		insert := s.psq.Insert(s.t.sessions).
			Columns("session_id", "creation_time", "last_access_time", "max_inactive_interval", "expiry_time").
			Values(rec.ID, toMillis(rec.CreationTime), toMillis(rec.LastAccessedTime),
				intervalMillis(rec.MaxInactiveInterval),
				toMillis(storedExpiry(rec.LastAccessedTime, rec.MaxInactiveInterval)))
		if err := s.exec(ctx, tx, insert); err != nil {
			return err
		}

		for _, name := range sortedKeys(rec.Attributes) {
			env := rec.Attributes[name]
			attr := s.psq.Insert(s.t.attributes).
				Columns("session_id", "attribute_name", "attribute_type", "attribute_bytes").
				Values(rec.ID, name, env.Type, env.Data)
			if err := s.exec(ctx, tx, attr); err != nil {
				return err
			}
		}

		return s.writeIndexes(ctx, tx, rec.ID, old, rec.Indexes)
	})
}

// Apply writes only the columns and attribute rows named by delta, inside
// a transaction that holds the session row lock.
func (s *SQLStore) Apply(ctx context.Context, id string, delta *Delta, ix Indexer) (bool, error) {
	found := false
	err := s.inTx(ctx, "update session", func(tx *sql.Tx) error {
		lock := s.psq.
			Select("last_access_time", "max_inactive_interval").
			From(s.t.sessions).
			Where(sq.Eq{"session_id": id})
		if s.dialect.forUpdate != "" {
			lock = lock.Suffix(s.dialect.forUpdate)
		}
		query, args, err := lock.ToSql()
		if err != nil {
			return err
		}

		var accessed, interval int64
		err = tx.QueryRowContext(ctx, query, args...).Scan(&accessed, &interval)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: failed to lock session: %w", s.dialect.name, err)
		}
		found = true

		// Index inputs must be read before the attribute rows change.
		var oldIndexes, nextIndexes map[string]string
		touches := TouchesIndex(ix, delta)
		if touches {
			stored, err := s.loadAttributes(ctx, tx, id, ix.Keys())
			if err != nil {
				return err
			}
			if oldIndexes, err = s.loadIndexes(ctx, tx, id); err != nil {
				return err
			}
			nextIndexes = ResolveNext(ix, stored, delta)
		}

		if delta.LastAccessedTime != nil || delta.MaxInactiveInterval != nil {
			rec := Record{
				LastAccessedTime:    fromMillis(accessed),
				MaxInactiveInterval: fromIntervalMillis(interval),
			}
			delta.ApplyTo(&rec)

			update := s.psq.Update(s.t.sessions).Where(sq.Eq{"session_id": id})
			if delta.LastAccessedTime != nil {
				update = update.Set("last_access_time", toMillis(rec.LastAccessedTime))
			}
			if delta.MaxInactiveInterval != nil {
				update = update.Set("max_inactive_interval", intervalMillis(rec.MaxInactiveInterval))
			}
			update = update.Set("expiry_time", toMillis(storedExpiry(rec.LastAccessedTime, rec.MaxInactiveInterval)))
			if err := s.exec(ctx, tx, update); err != nil {
				return err
			}
		}

		if len(delta.Removed) > 0 {
			del := s.psq.Delete(s.t.attributes).
				Where(sq.Eq{"session_id": id, "attribute_name": delta.Removed})
			if err := s.exec(ctx, tx, del); err != nil {
				return err
			}
		}

		for _, name := range sortedKeys(delta.Set) {
			env := delta.Set[name]
			upsert := s.psq.Insert(s.t.attributes).
				Columns("session_id", "attribute_name", "attribute_type", "attribute_bytes").
				Values(id, name, env.Type, env.Data).
				Suffix(s.dialect.upsertAttribute)
			if err := s.exec(ctx, tx, upsert); err != nil {
				return err
			}
		}

		if touches {
			return s.writeIndexes(ctx, tx, id, oldIndexes, nextIndexes)
		}
		return nil
	})
	return found, err
}

// Rename moves the session row, its attributes and its index entries to newID.
func (s *SQLStore) Rename(ctx context.Context, oldID, newID string) (bool, error) {
	found := false
	err := s.inTx(ctx, "rename session", func(tx *sql.Tx) error {
		update := s.psq.Update(s.t.sessions).Set("session_id", newID).Where(sq.Eq{"session_id": oldID})
		query, args, err := update.ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: failed to rename session: %w", s.dialect.name, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		found = true

		for _, table := range []string{s.t.attributes, s.t.indexes} {
			if err := s.exec(ctx, tx, s.psq.Update(table).Set("session_id", newID).Where(sq.Eq{"session_id": oldID})); err != nil {
				return err
			}
		}
		return nil
	})
	return found, err
}

// Delete removes the session row, its attributes and its index entries.
func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	deleted := false
	err := s.inTx(ctx, "delete session", func(tx *sql.Tx) error {
		if err := s.exec(ctx, tx, s.psq.Delete(s.t.indexes).Where(sq.Eq{"session_id": id})); err != nil {
			return err
		}
		if err := s.exec(ctx, tx, s.psq.Delete(s.t.attributes).Where(sq.Eq{"session_id": id})); err != nil {
			return err
		}

		query, args, err := s.psq.Delete(s.t.sessions).Where(sq.Eq{"session_id": id}).ToSql()
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: failed to delete session: %w", s.dialect.name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n > 0
		return nil
	})
	return deleted, err
}

// FindByIndex returns the sessions with an index row name=value.
func (s *SQLStore) FindByIndex(ctx context.Context, name, value string) ([]*Record, error) {
	query, args, err := s.psq.
		Select("session_id").
		From(s.t.indexes).
		Where(sq.Eq{"index_name": name, "index_value": value}).
		OrderBy("session_id").
		ToSql()
	if err != nil {
		return nil, err
	}

	ids, err := s.queryIDs(ctx, query, args)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	return records, nil
}

// ExpiredIDs returns up to limit ids whose expiry time is before now.
func (s *SQLStore) ExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	sel := s.psq.
		Select("session_id").
		From(s.t.sessions).
		Where(sq.Gt{"expiry_time": 0}).
		Where(sq.Lt{"expiry_time": toMillis(now)}).
		OrderBy("expiry_time")
	if limit > 0 {
		sel = sel.Limit(uint64(limit))
	}

	query, args, err := sel.ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryIDs(ctx, query, args)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) loadAttributes(ctx context.Context, q queryer, id string, only []string) (map[string]Envelope, error) {
	where := sq.Eq{"session_id": id}
	if only != nil {
		where["attribute_name"] = only
	}
	query, args, err := s.psq.
		Select("attribute_name", "attribute_type", "attribute_bytes").
		From(s.t.attributes).
		Where(where).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query attributes: %w", s.dialect.name, err)
	}
	defer rows.Close()

	attrs := make(map[string]Envelope)
	for rows.Next() {
		var name string
		var env Envelope
		if err := rows.Scan(&name, &env.Type, &env.Data); err != nil {
			return nil, fmt.Errorf("%s: failed to scan attribute: %w", s.dialect.name, err)
		}
		attrs[name] = env
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: error iterating attributes: %w", s.dialect.name, err)
	}
	return attrs, nil
}

func (s *SQLStore) loadIndexes(ctx context.Context, q queryer, id string) (map[string]string, error) {
	query, args, err := s.psq.
		Select("index_name", "index_value").
		From(s.t.indexes).
		Where(sq.Eq{"session_id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query indexes: %w", s.dialect.name, err)
	}
	defer rows.Close()

	indexes := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("%s: failed to scan index: %w", s.dialect.name, err)
		}
		indexes[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: error iterating indexes: %w", s.dialect.name, err)
	}
	return indexes, nil
}

func (s *SQLStore) writeIndexes(ctx context.Context, tx *sql.Tx, id string, old, next map[string]string) error {
	removed, added := DiffIndexes(old, next)
	for _, e := range removed {
		del := s.psq.Delete(s.t.indexes).Where(sq.Eq{"session_id": id, "index_name": e.Name})
		if err := s.exec(ctx, tx, del); err != nil {
			return err
		}
	}
	for _, e := range added {
		ins := s.psq.Insert(s.t.indexes).
			Columns("session_id", "index_name", "index_value").
			Values(id, e.Name, e.Value)
		if err := s.exec(ctx, tx, ins); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) queryIDs(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to query sessions: %w", s.dialect.name, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: failed to scan session id: %w", s.dialect.name, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: error iterating sessions: %w", s.dialect.name, err)
	}
	return ids, nil
}

func (s *SQLStore) exec(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%s: failed to execute %q: %w", s.dialect.name, query, err)
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: failed to begin %s: %w", s.dialect.name, op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: failed to commit %s: %w", s.dialect.name, op, err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// intervalMillis is the stored form of an inactivity interval. Positive
// intervals round up so a short one never reads back as "never expires".
func intervalMillis(d time.Duration) int64 {
	ms := int64(d / time.Millisecond)
	if d > 0 && d%time.Millisecond != 0 {
		ms++
	}
	return ms
}

func fromIntervalMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// storedExpiry is the expiry a record has once its times are stored at
// millisecond precision. Expiry columns and scores must agree with it.
func storedExpiry(lastAccessed time.Time, interval time.Duration) time.Time {
	rec := Record{
		LastAccessedTime:    fromMillis(toMillis(lastAccessed)),
		MaxInactiveInterval: fromIntervalMillis(intervalMillis(interval)),
	}
	return rec.ExpiryTime()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Backend = (*SQLStore)(nil)
