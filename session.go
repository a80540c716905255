package warden

import (
	"fmt"
	"sort"
	"time"

	"github.com/aadithya-v/warden/store"
)

// Session is a server-held bag of attributes identified by an opaque id,
// with its own inactivity expiry.
//
// A Session is a working copy owned by the caller. It records every change
// made since it was loaded or last saved, so the repository can persist
// only what changed. It is not safe for concurrent mutation.
type Session struct {
	id                  string
	persistedID         string
	creationTime        time.Time
	lastAccessedTime    time.Time
	maxInactiveInterval time.Duration
	attributes          map[string]any

	clock Clock
	newID func() string

	isNew               bool
	changed             map[string]struct{}
	removed             map[string]struct{}
	lastAccessedChanged bool
	intervalChanged     bool

	// flush writes pending changes through in immediate flush mode.
	flush func(*Session) error
}

func newSession(id string, now time.Time, interval time.Duration, clock Clock, newID func() string) *Session {
	return &Session{
		id:                  id,
		creationTime:        now,
		lastAccessedTime:    now,
		maxInactiveInterval: interval,
		attributes:          make(map[string]any),
		clock:               clock,
		newID:               newID,
		isNew:               true,
		changed:             make(map[string]struct{}),
		removed:             make(map[string]struct{}),
	}
}

func sessionFromRecord(rec *store.Record, codec *Codec, clock Clock, newID func() string) (*Session, error) {
	s := &Session{
		id:                  rec.ID,
		persistedID:         rec.ID,
		creationTime:        rec.CreationTime,
		lastAccessedTime:    rec.LastAccessedTime,
		maxInactiveInterval: rec.MaxInactiveInterval,
		attributes:          make(map[string]any, len(rec.Attributes)),
		clock:               clock,
		newID:               newID,
		changed:             make(map[string]struct{}),
		removed:             make(map[string]struct{}),
	}
	for name, env := range rec.Attributes {
		v, err := codec.Decode(env)
		if err != nil {
			return nil, fmt.Errorf("warden: session %s attribute %q: %w", rec.ID, name, err)
		}
		s.attributes[name] = v
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreationTime returns when the session was created.
func (s *Session) CreationTime() time.Time { return s.creationTime }

// LastAccessedTime returns when the session was last accessed.
func (s *Session) LastAccessedTime() time.Time { return s.lastAccessedTime }

// MaxInactiveInterval returns how long the session may go unaccessed.
// Zero or negative means it never expires.
func (s *Session) MaxInactiveInterval() time.Duration { return s.maxInactiveInterval }

// ExpiryTime returns when the session expires, or the zero time if it never does.
func (s *Session) ExpiryTime() time.Time {
	if s.maxInactiveInterval <= 0 {
		return time.Time{}
	}
	return s.lastAccessedTime.Add(s.maxInactiveInterval)
}

// IsExpired reports whether the session is past its expiry at the clock's now.
func (s *Session) IsExpired() bool {
	exp := s.ExpiryTime()
	return !exp.IsZero() && s.clock.Now().After(exp)
}

// IsNew reports whether the session has never been saved.
func (s *Session) IsNew() bool { return s.isNew }

// Attribute returns the named attribute.
func (s *Session) Attribute(name string) (any, bool) {
	v, ok := s.attributes[name]
	return v, ok
}

// AttributeNames returns the attribute names in sorted order.
func (s *Session) AttributeNames() []string {
	names := make([]string, 0, len(s.attributes))
	for name := range s.attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetAttribute sets an attribute. A nil value removes it. Setting a value
// equal to the current one still marks the attribute changed.
func (s *Session) SetAttribute(name string, value any) error {
	if value == nil {
		return s.RemoveAttribute(name)
	}
	s.attributes[name] = value
	s.changed[name] = struct{}{}
	delete(s.removed, name)
	return s.flushChanges()
}

// RemoveAttribute removes an attribute. The removal is recorded even if the
// attribute was not present.
func (s *Session) RemoveAttribute(name string) error {
	delete(s.attributes, name)
	delete(s.changed, name)
	s.removed[name] = struct{}{}
	return s.flushChanges()
}

// SetLastAccessedTime moves the last accessed time, which rolls the expiry.
func (s *Session) SetLastAccessedTime(t time.Time) error {
	if t.Before(s.creationTime) {
		return fmt.Errorf("%w: %s < %s", ErrInvalidAccessTime, t, s.creationTime)
	}
	s.lastAccessedTime = t
	s.lastAccessedChanged = true
	return s.flushChanges()
}

// Touch sets the last accessed time to now.
func (s *Session) Touch() error {
	return s.SetLastAccessedTime(s.clock.Now())
}

// SetMaxInactiveInterval changes the inactivity timeout.
func (s *Session) SetMaxInactiveInterval(d time.Duration) error {
	s.maxInactiveInterval = d
	s.intervalChanged = true
	return s.flushChanges()
}

// ChangeID assigns a fresh id and returns it. The stored session is moved
// to the new id on the next save.
func (s *Session) ChangeID() (string, error) {
	s.id = s.newID()
	return s.id, s.flushChanges()
}

// HasChanges reports whether anything is pending since the last save.
func (s *Session) HasChanges() bool {
	return s.isNew || s.idChanged() || len(s.changed) > 0 || len(s.removed) > 0 ||
		s.lastAccessedChanged || s.intervalChanged
}

func (s *Session) idChanged() bool {
	return !s.isNew && s.id != s.persistedID
}

// Delta returns the attribute and time changes pending since the last save.
func (s *Session) Delta(codec *Codec) (*store.Delta, error) {
	d := &store.Delta{}

	if len(s.changed) > 0 {
		d.Set = make(map[string]store.Envelope, len(s.changed))
		for name := range s.changed {
			env, err := codec.Encode(s.attributes[name])
			if err != nil {
				return nil, fmt.Errorf("warden: attribute %q: %w", name, err)
			}
			d.Set[name] = env
		}
	}
	if len(s.removed) > 0 {
		d.Removed = make([]string, 0, len(s.removed))
		for name := range s.removed {
			d.Removed = append(d.Removed, name)
		}
		sort.Strings(d.Removed)
	}
	if s.lastAccessedChanged {
		t := s.lastAccessedTime
		d.LastAccessedTime = &t
	}
	if s.intervalChanged {
		iv := s.maxInactiveInterval
		d.MaxInactiveInterval = &iv
	}
	return d, nil
}

// ClearDelta marks the session as fully persisted.
func (s *Session) ClearDelta() {
	s.isNew = false
	s.persistedID = s.id
	clear(s.changed)
	clear(s.removed)
	s.lastAccessedChanged = false
	s.intervalChanged = false
}

// record builds the full persisted form of the session.
func (s *Session) record(codec *Codec) (*store.Record, error) {
	rec := &store.Record{
		ID:                  s.id,
		CreationTime:        s.creationTime,
		LastAccessedTime:    s.lastAccessedTime,
		MaxInactiveInterval: s.maxInactiveInterval,
		Attributes:          make(map[string]store.Envelope, len(s.attributes)),
	}
	for name, v := range s.attributes {
		env, err := codec.Encode(v)
		if err != nil {
			return nil, fmt.Errorf("warden: attribute %q: %w", name, err)
		}
		rec.Attributes[name] = env
	}
	return rec, nil
}

func (s *Session) flushChanges() error {
	if s.flush == nil {
		return nil
	}
	return s.flush(s)
}
