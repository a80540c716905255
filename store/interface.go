package store

import (
	"context"
	"time"
)

// Envelope is the serialized form of a single session attribute value.
// Type names the codec that produced Data.
type Envelope struct {
	Type string
	Data []byte
}

// Record is the persisted form of a session.
type Record struct {
	ID                  string
	CreationTime        time.Time
	LastAccessedTime    time.Time
	MaxInactiveInterval time.Duration
	Attributes          map[string]Envelope

	// Indexes holds the index values last written for this record,
	// keyed by index name.
	Indexes map[string]string
}

// ExpiryTime returns when the record expires. The zero time means never.
func (r *Record) ExpiryTime() time.Time {
	if r.MaxInactiveInterval <= 0 {
		return time.Time{}
	}
	return r.LastAccessedTime.Add(r.MaxInactiveInterval)
}

// IsExpired reports whether the record is expired at now.
func (r *Record) IsExpired(now time.Time) bool {
	exp := r.ExpiryTime()
	return !exp.IsZero() && now.After(exp)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	c := *r
	c.Attributes = make(map[string]Envelope, len(r.Attributes))
	for k, v := range r.Attributes {
		c.Attributes[k] = Envelope{Type: v.Type, Data: append([]byte(nil), v.Data...)}
	}
	c.Indexes = make(map[string]string, len(r.Indexes))
	for k, v := range r.Indexes {
		c.Indexes[k] = v
	}
	return &c
}

// Delta is the set of field-level changes made to a session since it was
// last persisted.
type Delta struct {
	// Set holds added or updated attributes.
	Set map[string]Envelope
	// Removed lists attributes to delete.
	Removed []string

	LastAccessedTime    *time.Time
	MaxInactiveInterval *time.Duration
}

// IsEmpty reports whether the delta carries no change.
func (d *Delta) IsEmpty() bool {
	return d == nil || (len(d.Set) == 0 && len(d.Removed) == 0 &&
		d.LastAccessedTime == nil && d.MaxInactiveInterval == nil)
}

// ApplyTo applies the delta to rec in place.
func (d *Delta) ApplyTo(rec *Record) {
	if d.LastAccessedTime != nil {
		rec.LastAccessedTime = *d.LastAccessedTime
	}
	if d.MaxInactiveInterval != nil {
		rec.MaxInactiveInterval = *d.MaxInactiveInterval
	}
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]Envelope)
	}
	for _, name := range d.Removed {
		delete(rec.Attributes, name)
	}
	for name, env := range d.Set {
		rec.Attributes[name] = env
	}
}

// Indexer resolves secondary index values from session attributes.
// Implementations must be safe for concurrent use.
type Indexer interface {
	// Names returns the index names this indexer can produce.
	Names() []string

	// Keys returns the attribute names index values are derived from.
	Keys() []string

	// Resolve returns index name -> value for the given attributes.
	// Indexes without a value are omitted.
	Resolve(attrs map[string]Envelope) map[string]string
}

// Backend is the contract every session storage backend satisfies.
// Implementations must be safe for concurrent use. A missing session is
// never an error: Get returns nil, nil and Delete is a no-op.
type Backend interface {
	// Get returns the stored record, or nil if it does not exist.
	Get(ctx context.Context, id string) (*Record, error)

	// Put writes the full record, replacing any existing one, and
	// reconciles index entries against rec.Indexes.
	Put(ctx context.Context, rec *Record) error

	// Apply atomically applies delta to the stored record and updates
	// index entries derived by ix. The previous index values are read
	// from the store, not assumed. It reports false if the record does
	// not exist, in which case nothing is written.
	Apply(ctx context.Context, id string, delta *Delta, ix Indexer) (bool, error)

	// Rename moves a record and its index entries to a new id.
	// It reports false if oldID does not exist.
	Rename(ctx context.Context, oldID, newID string) (bool, error)

	// Delete removes the record and every index entry referencing it.
	// It reports whether a record was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// FindByIndex returns the records currently indexed under name=value.
	FindByIndex(ctx context.Context, name, value string) ([]*Record, error)

	// ExpiredIDs returns up to limit ids of records that expired before now.
	ExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}
