package warden

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aadithya-v/warden/store"
)

// Repository creates, loads, saves and deletes sessions on a backend and
// keeps their secondary index entries in step.
//
// Basic usage:
//
//	backend, _ := store.NewSQLite(ctx, "warden.db", store.SQLOptions{})
//	repo, _ := warden.NewRepository(backend, warden.DefaultConfig())
//	defer repo.Close()
//
//	s, _ := repo.Create(ctx)
//	s.SetAttribute(warden.PrincipalNameAttribute, "alice")
//	repo.Save(ctx, s)
//
//	sessions, _ := repo.FindByPrincipalName(ctx, "alice")
type Repository struct {
	backend store.Backend
	config  Config
	logger  *slog.Logger
}

// NewRepository creates a repository on backend. Zero-value Config fields
// take their defaults.
func NewRepository(backend store.Backend, cfg Config) (*Repository, error) {
	if backend == nil {
		return nil, ErrNoBackend
	}
	cfg.applyDefaults()

	return &Repository{
		backend: backend,
		config:  cfg,
		logger:  cfg.Logger,
	}, nil
}

// Create returns a new session with a fresh id. In FlushImmediate mode the
// session is written at once; otherwise nothing is stored until Save.
//
// In FlushImmediate mode the returned session's mutators write through
// with ctx, so cancelling ctx fails later writes. The same holds for
// sessions returned by GetSession and the Find methods.
func (r *Repository) Create(ctx context.Context) (*Session, error) {
	now := r.config.Clock.Now()
	s := newSession(r.config.NewID(), now, r.config.DefaultMaxInactiveInterval, r.config.Clock, r.config.NewID)

	if r.config.FlushMode == FlushImmediate {
		if err := r.save(ctx, s); err != nil {
			return nil, err
		}
		r.attach(ctx, s)
	}
	return s, nil
}

// Save persists the changes made to s since it was loaded or last saved.
// A session without changes causes no backend call. If the stored session
// was deleted in the meantime, it is not recreated.
func (r *Repository) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	return r.save(ctx, s)
}

func (r *Repository) save(ctx context.Context, s *Session) error {
	if !s.HasChanges() {
		return nil
	}

	if s.isNew {
		rec, err := s.record(r.config.Codec)
		if err != nil {
			return err
		}
		rec.Indexes = r.config.Indexer.Resolve(rec.Attributes)

		if err := r.backend.Put(ctx, rec); err != nil {
			return fmt.Errorf("warden: failed to save session: %w", err)
		}
		s.ClearDelta()
		r.publish(ctx, EventCreated, s.id)
		return nil
	}

	if s.idChanged() {
		found, err := r.backend.Rename(ctx, s.persistedID, s.id)
		if err != nil {
			return fmt.Errorf("warden: failed to change session id: %w", err)
		}
		if !found {
			r.logger.DebugContext(ctx, "session no longer stored, not saving", sessionAttr(s.persistedID))
			s.ClearDelta()
			return nil
		}
		s.persistedID = s.id
	}

	delta, err := s.Delta(r.config.Codec)
	if err != nil {
		return err
	}
	if !delta.IsEmpty() {
		found, err := r.backend.Apply(ctx, s.id, delta, r.config.Indexer)
		if err != nil {
			return fmt.Errorf("warden: failed to save session: %w", err)
		}
		if !found {
			r.logger.DebugContext(ctx, "session no longer stored, not saving", sessionAttr(s.id))
		}
	}
	s.ClearDelta()
	return nil
}

// GetSession loads a session. It returns nil if the session does not exist.
// An expired session is deleted and reported as absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	rec, err := r.backend.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("warden: failed to load session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}

	if now := r.config.Clock.Now(); rec.IsExpired(now) {
		if _, err := r.removeExpired(ctx, id, now); err != nil {
			return nil, err
		}
		// Refreshed by another writer since it was read.
		if rec, err = r.backend.Get(ctx, id); err != nil {
			return nil, fmt.Errorf("warden: failed to load session: %w", err)
		}
		if rec == nil || rec.IsExpired(now) {
			return nil, nil
		}
	}

	return r.load(ctx, rec)
}

// Delete removes a session and its index entries. Deleting a missing
// session is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	_, err := r.remove(ctx, id, EventDeleted)
	return err
}

// FindByIndexNameAndIndexValue returns the live sessions indexed under
// name=value, keyed by id. An index name the indexer does not produce
// yields an empty result. Expired matches are deleted and left out, as are
// records whose stored index value no longer equals value.
func (r *Repository) FindByIndexNameAndIndexValue(ctx context.Context, name, value string) (map[string]*Session, error) {
	result := make(map[string]*Session)
	if !store.HasIndex(r.config.Indexer, name) {
		return result, nil
	}

	recs, err := r.backend.FindByIndex(ctx, name, value)
	if err != nil {
		return nil, fmt.Errorf("warden: failed to query index %s: %w", name, err)
	}

	now := r.config.Clock.Now()
	for _, rec := range recs {
		if rec.Indexes[name] != value {
			continue
		}
		if rec.IsExpired(now) {
			if _, err := r.removeExpired(ctx, rec.ID, now); err != nil {
				r.logger.WarnContext(ctx, "failed to delete expired session", sessionAttr(rec.ID), errorAttr(err))
			}
			continue
		}
		s, err := r.load(ctx, rec)
		if err != nil {
			return nil, err
		}
		result[s.id] = s
	}
	return result, nil
}

// FindByPrincipalName returns the live sessions of a principal.
func (r *Repository) FindByPrincipalName(ctx context.Context, principal string) (map[string]*Session, error) {
	return r.FindByIndexNameAndIndexValue(ctx, PrincipalNameIndex, principal)
}

// Close closes the backend.
func (r *Repository) Close() error {
	return r.backend.Close()
}

func (r *Repository) load(ctx context.Context, rec *store.Record) (*Session, error) {
	s, err := sessionFromRecord(rec, r.config.Codec, r.config.Clock, r.config.NewID)
	if err != nil {
		return nil, err
	}
	r.attach(ctx, s)
	return s, nil
}

// attach wires write-through for immediate flush mode. Writes use ctx, the
// context the session was created or loaded with.
func (r *Repository) attach(ctx context.Context, s *Session) {
	if r.config.FlushMode != FlushImmediate {
		return
	}
	s.flush = func(s *Session) error {
		return r.save(ctx, s)
	}
}

func (r *Repository) remove(ctx context.Context, id string, reason EventType) (bool, error) {
	deleted, err := r.backend.Delete(ctx, id)
	if err != nil {
		return false, fmt.Errorf("warden: failed to delete session: %w", err)
	}
	if deleted {
		r.publish(ctx, reason, id)
	}
	return deleted, nil
}

// removeExpired deletes id only if it is still expired at now. A session
// refreshed since it was listed is kept.
func (r *Repository) removeExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	rec, err := r.backend.Get(ctx, id)
	if err != nil {
		return false, fmt.Errorf("warden: failed to load session: %w", err)
	}
	if rec == nil || !rec.IsExpired(now) {
		return false, nil
	}
	return r.remove(ctx, id, EventExpired)
}

func (r *Repository) publish(ctx context.Context, t EventType, id string) {
	r.config.Events.Publish(ctx, Event{Type: t, SessionID: id, Time: r.config.Clock.Now()})
}
