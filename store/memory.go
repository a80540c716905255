package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Backend using an in-memory map.
// Every operation runs under a single lock, which makes Apply the
// equivalent of an entry processor. Records are copied on the way in and
// out so callers never share state with the store.
//
// This is useful for tests and single-process deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Record                        // sessionID -> Record
	indexes  map[string]map[string]map[string]struct{} // index name -> value -> set of sessionIDs
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Record),
		indexes:  make(map[string]map[string]map[string]struct{}),
	}
}

// Get returns a copy of the stored record, or nil if it does not exist.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

// Put stores a copy of rec, replacing any existing record.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var old map[string]string
	if existing, ok := s.sessions[rec.ID]; ok {
		old = existing.Indexes
	}

	stored := rec.Clone()
	s.sessions[rec.ID] = stored
	s.reindex(rec.ID, old, stored.Indexes)
	return nil
}

// Apply applies delta to the stored record under the store lock.
func (s *MemoryStore) Apply(_ context.Context, id string, delta *Delta, ix Indexer) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return false, nil
	}

	if TouchesIndex(ix, delta) {
		next := ResolveNext(ix, rec.Attributes, delta)
		s.reindex(id, rec.Indexes, next)
		rec.Indexes = next
	}

	// Apply a copy so the caller's delta never aliases stored envelopes.
	delta.ApplyTo(rec)
	for name, env := range delta.Set {
		rec.Attributes[name] = Envelope{Type: env.Type, Data: append([]byte(nil), env.Data...)}
	}
	return true, nil
}

// Rename moves a record and its index entries to newID.
func (s *MemoryStore) Rename(_ context.Context, oldID, newID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[oldID]
	if !ok {
		return false, nil
	}

	s.reindex(oldID, rec.Indexes, nil)
	delete(s.sessions, oldID)

	rec.ID = newID
	s.sessions[newID] = rec
	s.reindex(newID, nil, rec.Indexes)
	return true, nil
}

// Delete removes a session and its index entries.
func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[id]
	if !ok {
		return false, nil
	}

	s.reindex(id, rec.Indexes, nil)
	delete(s.sessions, id)
	return true, nil
}

// FindByIndex returns copies of the records indexed under name=value.
func (s *MemoryStore) FindByIndex(_ context.Context, name, value string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.indexes[name][value]
	if len(ids) == 0 {
		return nil, nil
	}

	records := make([]*Record, 0, len(ids))
	for id := range ids {
		if rec, ok := s.sessions[id]; ok {
			records = append(records, rec.Clone())
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// ExpiredIDs returns up to limit ids of records expired at now.
func (s *MemoryStore) ExpiredIDs(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, rec := range s.sessions {
		if rec.IsExpired(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// reindex moves id from the old index entries to the next ones.
// Callers must hold s.mu.
func (s *MemoryStore) reindex(id string, old, next map[string]string) {
	removed, added := DiffIndexes(old, next)

	for _, e := range removed {
		values := s.indexes[e.Name]
		if ids, ok := values[e.Value]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(values, e.Value)
			}
		}
		if len(values) == 0 {
			delete(s.indexes, e.Name)
		}
	}

	for _, e := range added {
		if s.indexes[e.Name] == nil {
			s.indexes[e.Name] = make(map[string]map[string]struct{})
		}
		if s.indexes[e.Name][e.Value] == nil {
			s.indexes[e.Name][e.Value] = make(map[string]struct{})
		}
		s.indexes[e.Name][e.Value][id] = struct{}{}
	}
}

var _ Backend = (*MemoryStore)(nil)
