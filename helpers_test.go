package warden

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aadithya-v/warden/store"
)

// fakeClock is a settable Clock. Times are whole milliseconds, the
// precision every backend keeps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingBackend records how often each backend method is called.
type countingBackend struct {
	store.Backend

	mu    sync.Mutex
	calls map[string]int
}

func newCountingBackend(b store.Backend) *countingBackend {
	return &countingBackend{Backend: b, calls: make(map[string]int)}
}

func (c *countingBackend) count(method string) {
	c.mu.Lock()
	c.calls[method]++
	c.mu.Unlock()
}

func (c *countingBackend) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *countingBackend) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func (c *countingBackend) Reset() {
	c.mu.Lock()
	clear(c.calls)
	c.mu.Unlock()
}

func (c *countingBackend) Get(ctx context.Context, id string) (*store.Record, error) {
	c.count("Get")
	return c.Backend.Get(ctx, id)
}

func (c *countingBackend) Put(ctx context.Context, rec *store.Record) error {
	c.count("Put")
	return c.Backend.Put(ctx, rec)
}

func (c *countingBackend) Apply(ctx context.Context, id string, d *store.Delta, ix store.Indexer) (bool, error) {
	c.count("Apply")
	return c.Backend.Apply(ctx, id, d, ix)
}

func (c *countingBackend) Rename(ctx context.Context, oldID, newID string) (bool, error) {
	c.count("Rename")
	return c.Backend.Rename(ctx, oldID, newID)
}

func (c *countingBackend) Delete(ctx context.Context, id string) (bool, error) {
	c.count("Delete")
	return c.Backend.Delete(ctx, id)
}

func (c *countingBackend) FindByIndex(ctx context.Context, name, value string) ([]*store.Record, error) {
	c.count("FindByIndex")
	return c.Backend.FindByIndex(ctx, name, value)
}

func (c *countingBackend) ExpiredIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	c.count("ExpiredIDs")
	return c.Backend.ExpiredIDs(ctx, now, limit)
}

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, e Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *recordingSink) Of(t EventType) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, e := range s.events {
		if e.Type == t {
			ids = append(ids, e.SessionID)
		}
	}
	return ids
}

type testEnv struct {
	repo    *Repository
	backend *countingBackend
	clock   *fakeClock
	events  *recordingSink
}

// backendFactories are the backends repository behavior is checked against.
var backendFactories = map[string]func(t *testing.T) store.Backend{
	"memory": func(t *testing.T) store.Backend {
		return store.NewMemoryStore()
	},
	"sqlite": func(t *testing.T) store.Backend {
		s, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "warden.db"), store.SQLOptions{})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
}

func newTestEnv(t *testing.T, backend store.Backend, mutate ...func(*Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		backend: newCountingBackend(backend),
		clock:   newFakeClock(),
		events:  &recordingSink{},
	}

	cfg := DefaultConfig()
	cfg.Clock = env.clock
	cfg.Events = env.events
	for _, m := range mutate {
		m(&cfg)
	}

	repo, err := NewRepository(env.backend, cfg)
	require.NoError(t, err)
	env.repo = repo
	return env
}

// forEachBackend runs fn against every backend in backendFactories.
func forEachBackend(t *testing.T, fn func(t *testing.T, newBackend func(t *testing.T) store.Backend)) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			fn(t, factory)
		})
	}
}

// hookBackend runs a callback after selected backend reads, the way a
// concurrent writer would interleave with the repository.
type hookBackend struct {
	store.Backend

	afterGet         func(id string)
	afterFindByIndex func(recs []*store.Record) []*store.Record
}

func (b *hookBackend) Get(ctx context.Context, id string) (*store.Record, error) {
	rec, err := b.Backend.Get(ctx, id)
	if hook := b.afterGet; hook != nil && err == nil {
		b.afterGet = nil
		hook(id)
	}
	return rec, err
}

func (b *hookBackend) FindByIndex(ctx context.Context, name, value string) ([]*store.Record, error) {
	recs, err := b.Backend.FindByIndex(ctx, name, value)
	if hook := b.afterFindByIndex; hook != nil && err == nil {
		b.afterFindByIndex = nil
		recs = hook(recs)
	}
	return recs, err
}

// ctxBackend fails writes whose context is done.
type ctxBackend struct {
	store.Backend
}

func (b *ctxBackend) Apply(ctx context.Context, id string, d *store.Delta, ix store.Indexer) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return b.Backend.Apply(ctx, id, d, ix)
}

func (b *ctxBackend) Put(ctx context.Context, rec *store.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.Backend.Put(ctx, rec)
}
