package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldCreationTime        = "creationTime"
	fieldLastAccessedTime    = "lastAccessedTime"
	fieldMaxInactiveInterval = "maxInactiveInterval"
	attrFieldPrefix          = "attr:"
	indexFieldPrefix         = "idx:"

	// redisMaxRetries bounds WATCH/MULTI retries on contended keys.
	redisMaxRetries = 16
)

// RedisStore implements Backend using Redis.
//
// Each session is a hash at "<prefix>sessions:<id>" holding its times and
// one field per attribute, so updates only rewrite the fields that changed.
// Index entries are sets at "<prefix>index:<name>:<value>" and expiry times
// live in the sorted set "<prefix>expirations". Keys are not given a native
// TTL: a key vanishing on its own would strand its index entries, so expired
// sessions are removed by the reaper instead.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis session store from a Redis client and a key prefix.
// prefix typically ends with a colon.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "warden:"
	}
	return &RedisStore{
		client: client,
		prefix: keyPrefix,
	}
}

// RedisConfig contains configuration options for Redis.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. When set it takes precedence over
	// Addr, Password and DB.
	URL string

	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string

	// Password is the Redis password (empty for no auth)
	Password string

	// DB is the Redis database number (0-15)
	DB int

	// KeyPrefix is prepended to all keys (default: "warden:")
	// typically ends with a colon.
	KeyPrefix string
}

// NewRedisFromConfig connects to Redis and creates a session store.
func NewRedisFromConfig(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid url: %w", err)
		}
		opts = parsed
	}
	client := redis.NewClient(opts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to connect: %w", err)
	}

	return NewRedisStore(client, cfg.KeyPrefix), nil
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "sessions:" + id
}

func (s *RedisStore) indexKey(name, value string) string {
	return s.prefix + "index:" + name + ":" + value
}

func (s *RedisStore) expirationsKey() string {
	return s.prefix + "expirations"
}

// Get loads a session hash.
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeRedisRecord(id, fields)
}

// Put replaces the session hash and reconciles its index entries.
func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	key := s.sessionKey(rec.ID)
	return s.watch(ctx, "save session", func(tx *redis.Tx) error {
		existing, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		removed, added := DiffIndexes(indexesFromFields(existing), rec.Indexes)

		fields, err := encodeRedisRecord(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			s.queueIndexChanges(ctx, pipe, rec.ID, removed, added)
			s.queueExpiry(ctx, pipe, rec.ID, storedExpiry(rec.LastAccessedTime, rec.MaxInactiveInterval))
			return nil
		})
		return err
	}, key)
}

// Apply writes the changed hash fields inside a WATCH/MULTI transaction.
func (s *RedisStore) Apply(ctx context.Context, id string, delta *Delta, ix Indexer) (bool, error) {
	key := s.sessionKey(id)
	found := false
	err := s.watch(ctx, "update session", func(tx *redis.Tx) error {
		fields := []string{fieldLastAccessedTime, fieldMaxInactiveInterval}
		touches := TouchesIndex(ix, delta)
		if touches {
			for _, k := range ix.Keys() {
				fields = append(fields, attrFieldPrefix+k)
			}
			for _, n := range ix.Names() {
				fields = append(fields, indexFieldPrefix+n)
			}
		}

		values, err := tx.HMGet(ctx, key, fields...).Result()
		if err != nil {
			return err
		}
		if values[0] == nil {
			found = false
			return nil
		}
		found = true

		current := make(map[string]string, len(fields))
		for i, f := range fields {
			if v, ok := values[i].(string); ok {
				current[f] = v
			}
		}

		var removed, added []IndexEntry
		var nextIndexes map[string]string
		if touches {
			stored, err := attributesFromFields(current)
			if err != nil {
				return err
			}
			nextIndexes = ResolveNext(ix, stored, delta)
			removed, added = DiffIndexes(indexesFromFields(current), nextIndexes)
		}

		set := make(map[string]any)
		var del []string
		for name, env := range delta.Set {
			b, err := env.MarshalBinary()
			if err != nil {
				return err
			}
			set[attrFieldPrefix+name] = b
		}
		for _, name := range delta.Removed {
			del = append(del, attrFieldPrefix+name)
		}
		for _, e := range removed {
			if _, ok := nextIndexes[e.Name]; !ok {
				del = append(del, indexFieldPrefix+e.Name)
			}
		}
		for _, e := range added {
			set[indexFieldPrefix+e.Name] = e.Value
		}

		timesChanged := delta.LastAccessedTime != nil || delta.MaxInactiveInterval != nil
		var expiry time.Time
		if timesChanged {
			rec := Record{}
			if rec.LastAccessedTime, err = parseMillis(current[fieldLastAccessedTime]); err != nil {
				return err
			}
			if rec.MaxInactiveInterval, err = parseInterval(current[fieldMaxInactiveInterval]); err != nil {
				return err
			}
			delta.ApplyTo(&rec)
			set[fieldLastAccessedTime] = toMillis(rec.LastAccessedTime)
			set[fieldMaxInactiveInterval] = intervalMillis(rec.MaxInactiveInterval)
			expiry = storedExpiry(rec.LastAccessedTime, rec.MaxInactiveInterval)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(del) > 0 {
				pipe.HDel(ctx, key, del...)
			}
			if len(set) > 0 {
				pipe.HSet(ctx, key, set)
			}
			s.queueIndexChanges(ctx, pipe, id, removed, added)
			if timesChanged {
				s.queueExpiry(ctx, pipe, id, expiry)
			}
			return nil
		})
		return err
	}, key)
	return found, err
}

// Rename moves the session hash, its index entries and its expiry to newID.
func (s *RedisStore) Rename(ctx context.Context, oldID, newID string) (bool, error) {
	oldKey, newKey := s.sessionKey(oldID), s.sessionKey(newID)
	found := false
	err := s.watch(ctx, "rename session", func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, oldKey).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			found = false
			return nil
		}
		found = true

		rec, err := decodeRedisRecord(oldID, fields)
		if err != nil {
			return err
		}
		entries := indexEntries(rec.Indexes)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Rename(ctx, oldKey, newKey)
			s.queueIndexChanges(ctx, pipe, oldID, entries, nil)
			s.queueIndexChanges(ctx, pipe, newID, nil, entries)
			pipe.ZRem(ctx, s.expirationsKey(), oldID)
			s.queueExpiry(ctx, pipe, newID, rec.ExpiryTime())
			return nil
		})
		return err
	}, oldKey, newKey)
	return found, err
}

// Delete removes the session hash, its index entries and its expiry.
func (s *RedisStore) Delete(ctx context.Context, id string) (bool, error) {
	key := s.sessionKey(id)
	deleted := false
	err := s.watch(ctx, "delete session", func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		deleted = len(fields) > 0

		removed := indexEntries(indexesFromFields(fields))
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			s.queueIndexChanges(ctx, pipe, id, removed, nil)
			pipe.ZRem(ctx, s.expirationsKey(), id)
			return nil
		})
		return err
	}, key)
	return deleted, err
}

// FindByIndex returns the sessions in the index set name=value.
func (s *RedisStore) FindByIndex(ctx context.Context, name, value string) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey(name, value)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to query index: %w", err)
	}
	sort.Strings(ids)

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

// ExpiredIDs returns up to limit ids from the expirations set scored before now.
func (s *RedisStore) ExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expirationsKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to query expirations: %w", err)
	}
	return ids, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) watch(ctx context.Context, op string, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < redisMaxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis: failed to %s: %w", op, err)
		}
		return nil
	}
	return fmt.Errorf("redis: failed to %s: %w", op, ErrConflict)
}

func (s *RedisStore) queueIndexChanges(ctx context.Context, pipe redis.Pipeliner, id string, removed, added []IndexEntry) {
	for _, e := range removed {
		pipe.SRem(ctx, s.indexKey(e.Name, e.Value), id)
	}
	for _, e := range added {
		pipe.SAdd(ctx, s.indexKey(e.Name, e.Value), id)
	}
}

func (s *RedisStore) queueExpiry(ctx context.Context, pipe redis.Pipeliner, id string, expiry time.Time) {
	if expiry.IsZero() {
		pipe.ZRem(ctx, s.expirationsKey(), id)
		return
	}
	pipe.ZAdd(ctx, s.expirationsKey(), redis.Z{Score: float64(expiry.UnixMilli()), Member: id})
}

func encodeRedisRecord(rec *Record) (map[string]any, error) {
	fields := map[string]any{
		fieldCreationTime:        toMillis(rec.CreationTime),
		fieldLastAccessedTime:    toMillis(rec.LastAccessedTime),
		fieldMaxInactiveInterval: intervalMillis(rec.MaxInactiveInterval),
	}
	for name, env := range rec.Attributes {
		b, err := env.MarshalBinary()
		if err != nil {
			return nil, err
		}
		fields[attrFieldPrefix+name] = b
	}
	for name, value := range rec.Indexes {
		fields[indexFieldPrefix+name] = value
	}
	return fields, nil
}

func decodeRedisRecord(id string, fields map[string]string) (*Record, error) {
	rec := &Record{ID: id}
	var err error
	if rec.CreationTime, err = parseMillis(fields[fieldCreationTime]); err != nil {
		return nil, err
	}
	if rec.LastAccessedTime, err = parseMillis(fields[fieldLastAccessedTime]); err != nil {
		return nil, err
	}
	if rec.MaxInactiveInterval, err = parseInterval(fields[fieldMaxInactiveInterval]); err != nil {
		return nil, err
	}
	if rec.Attributes, err = attributesFromFields(fields); err != nil {
		return nil, err
	}
	rec.Indexes = indexesFromFields(fields)
	return rec, nil
}

func attributesFromFields(fields map[string]string) (map[string]Envelope, error) {
	attrs := make(map[string]Envelope)
	for f, v := range fields {
		name, ok := strings.CutPrefix(f, attrFieldPrefix)
		if !ok {
			continue
		}
		var env Envelope
		if err := env.UnmarshalBinary([]byte(v)); err != nil {
			return nil, fmt.Errorf("redis: attribute %q: %w", name, err)
		}
		attrs[name] = env
	}
	return attrs, nil
}

func indexesFromFields(fields map[string]string) map[string]string {
	indexes := make(map[string]string)
	for f, v := range fields {
		if name, ok := strings.CutPrefix(f, indexFieldPrefix); ok {
			indexes[name] = v
		}
	}
	return indexes
}

func indexEntries(indexes map[string]string) []IndexEntry {
	entries := make([]IndexEntry, 0, len(indexes))
	for name, value := range indexes {
		entries = append(entries, IndexEntry{Name: name, Value: value})
	}
	sortEntries(entries)
	return entries
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: invalid timestamp %q: %w", v, err)
	}
	return fromMillis(ms), nil
}

func parseInterval(v string) (time.Duration, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: invalid interval %q: %w", v, err)
	}
	return fromIntervalMillis(ms), nil
}

var _ Backend = (*RedisStore)(nil)
