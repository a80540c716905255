package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIndex         = "PRINCIPAL_NAME"
	testPrincipalAttr = "principal"
)

// testIndexer indexes the raw bytes of the "principal" attribute.
type testIndexer struct{}

func (testIndexer) Names() []string { return []string{testIndex} }
func (testIndexer) Keys() []string  { return []string{testPrincipalAttr} }

func (testIndexer) Resolve(attrs map[string]Envelope) map[string]string {
	env, ok := attrs[testPrincipalAttr]
	if !ok || len(env.Data) == 0 {
		return nil
	}
	return map[string]string{testIndex: string(env.Data)}
}

func str(v string) Envelope {
	return Envelope{Type: "string", Data: []byte(v)}
}

// testNow is truncated to milliseconds, the precision every backend keeps.
func testNow() time.Time {
	return time.UnixMilli(time.Now().UnixMilli())
}

func testRecord(id, principal string, now time.Time) *Record {
	rec := &Record{
		ID:                  id,
		CreationTime:        now,
		LastAccessedTime:    now,
		MaxInactiveInterval: 30 * time.Minute,
		Attributes:          map[string]Envelope{"theme": str("dark")},
	}
	if principal != "" {
		rec.Attributes[testPrincipalAttr] = str(principal)
		rec.Indexes = map[string]string{testIndex: principal}
	}
	return rec
}

func findIDs(t *testing.T, b Backend, value string) []string {
	t.Helper()
	recs, err := b.FindByIndex(context.Background(), testIndex, value)
	require.NoError(t, err)
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	return ids
}

// runBackendSuite exercises the Backend contract. newBackend must return
// an empty backend.
func runBackendSuite(t *testing.T, newBackend func(t *testing.T) Backend) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		b := newBackend(t)
		rec, err := b.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("PutGet", func(t *testing.T) {
		b := newBackend(t)
		now := testNow()
		require.NoError(t, b.Put(ctx, testRecord("s1", "alice", now)))

		rec, err := b.Get(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "s1", rec.ID)
		assert.True(t, rec.CreationTime.Equal(now))
		assert.True(t, rec.LastAccessedTime.Equal(now))
		assert.Equal(t, 30*time.Minute, rec.MaxInactiveInterval)
		assert.Equal(t, []byte("dark"), rec.Attributes["theme"].Data)
		assert.Equal(t, "string", rec.Attributes["theme"].Type)
		assert.Equal(t, "alice", rec.Indexes[testIndex])
		assert.Equal(t, []string{"s1"}, findIDs(t, b, "alice"))
	})

	t.Run("PutReplacesIndex", func(t *testing.T) {
		b := newBackend(t)
		now := testNow()
		require.NoError(t, b.Put(ctx, testRecord("s1", "alice", now)))
		require.NoError(t, b.Put(ctx, testRecord("s1", "bob", now)))

		assert.Empty(t, findIDs(t, b, "alice"))
		assert.Equal(t, []string{"s1"}, findIDs(t, b, "bob"))
	})

	t.Run("ApplyMissing", func(t *testing.T) {
		b := newBackend(t)
		found, err := b.Apply(ctx, "missing", &Delta{Set: map[string]Envelope{"a": str("1")}}, testIndexer{})
		require.NoError(t, err)
		assert.False(t, found)

		rec, err := b.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, rec, "apply must not create a record")
	})

	t.Run("ApplyAttributes", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, testRecord("s1", "", testNow())))

		found, err := b.Apply(ctx, "s1", &Delta{
			Set:     map[string]Envelope{"lang": str("en")},
			Removed: []string{"theme"},
		}, testIndexer{})
		require.NoError(t, err)
		assert.True(t, found)

		rec, err := b.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, map[string]Envelope{"lang": str("en")}, rec.Attributes)
	})

	t.Run("ApplyIndexChange", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, testRecord("s1", "alice", testNow())))

		_, err := b.Apply(ctx, "s1", &Delta{Set: map[string]Envelope{testPrincipalAttr: str("bob")}}, testIndexer{})
		require.NoError(t, err)
		assert.Empty(t, findIDs(t, b, "alice"))
		assert.Equal(t, []string{"s1"}, findIDs(t, b, "bob"))

		_, err = b.Apply(ctx, "s1", &Delta{Removed: []string{testPrincipalAttr}}, testIndexer{})
		require.NoError(t, err)
		assert.Empty(t, findIDs(t, b, "bob"))

		rec, err := b.Get(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, rec.Indexes)
	})

	t.Run("ApplyUnrelatedKeepsIndex", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, testRecord("s1", "alice", testNow())))

		_, err := b.Apply(ctx, "s1", &Delta{Set: map[string]Envelope{"theme": str("light")}}, testIndexer{})
		require.NoError(t, err)
		assert.Equal(t, []string{"s1"}, findIDs(t, b, "alice"))
	})

	t.Run("ApplyTimes", func(t *testing.T) {
		b := newBackend(t)
		now := testNow()
		require.NoError(t, b.Put(ctx, testRecord("s1", "", now)))

		later := now.Add(time.Minute)
		interval := 5 * time.Minute
		_, err := b.Apply(ctx, "s1", &Delta{LastAccessedTime: &later, MaxInactiveInterval: &interval}, testIndexer{})
		require.NoError(t, err)

		rec, err := b.Get(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, rec.LastAccessedTime.Equal(later))
		assert.Equal(t, interval, rec.MaxInactiveInterval)
		assert.True(t, rec.CreationTime.Equal(now))

		ids, err := b.ExpiredIDs(ctx, later.Add(4*time.Minute), 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		ids, err = b.ExpiredIDs(ctx, later.Add(6*time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"s1"}, ids)
	})

	t.Run("SubSecondInterval", func(t *testing.T) {
		b := newBackend(t)
		now := testNow()
		rec := testRecord("short", "", now)
		rec.MaxInactiveInterval = 500 * time.Millisecond
		require.NoError(t, b.Put(ctx, rec))

		got, err := b.Get(ctx, "short")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, 500*time.Millisecond, got.MaxInactiveInterval)
		assert.False(t, got.IsExpired(now.Add(500*time.Millisecond)))
		assert.True(t, got.IsExpired(now.Add(time.Second)))

		ids, err := b.ExpiredIDs(ctx, now.Add(400*time.Millisecond), 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		ids, err = b.ExpiredIDs(ctx, now.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"short"}, ids)

		interval := 750 * time.Millisecond
		_, err = b.Apply(ctx, "short", &Delta{MaxInactiveInterval: &interval}, testIndexer{})
		require.NoError(t, err)

		got, err = b.Get(ctx, "short")
		require.NoError(t, err)
		assert.Equal(t, interval, got.MaxInactiveInterval)

		ids, err = b.ExpiredIDs(ctx, now.Add(700*time.Millisecond), 10)
		require.NoError(t, err)
		assert.Empty(t, ids)

		ids, err = b.ExpiredIDs(ctx, now.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"short"}, ids)
	})

	t.Run("ConcurrentDisjointUpdates", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, testRecord("s1", "alice", testNow())))

		const writers = 8
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				name := fmt.Sprintf("attr%d", i)
				_, err := b.Apply(ctx, "s1", &Delta{Set: map[string]Envelope{name: str(name)}}, testIndexer{})
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		rec, err := b.Get(ctx, "s1")
		require.NoError(t, err)
		for i := 0; i < writers; i++ {
			name := fmt.Sprintf("attr%d", i)
			assert.Equal(t, []byte(name), rec.Attributes[name].Data, name)
		}
		assert.Equal(t, []byte("dark"), rec.Attributes["theme"].Data)
		assert.Equal(t, []string{"s1"}, findIDs(t, b, "alice"))
	})

	t.Run("Rename", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, testRecord("old", "alice", testNow())))

		found, err := b.Rename(ctx, "old", "new")
		require.NoError(t, err)
		assert.True(t, found)

		rec, err := b.Get(ctx, "old")
		require.NoError(t, err)
		assert.Nil(t, rec)

		rec, err = b.Get(ctx, "new")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, []byte("dark"), rec.Attributes["theme"].Data)
		assert.Equal(t, []string{"new"}, findIDs(t, b, "alice"))

		found, err = b.Rename(ctx, "old", "other")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Delete", func(t *testing.T) {
		b := newBackend(t)
		require.NoError(t, b.Put(ctx, testRecord("s1", "alice", testNow())))

		deleted, err := b.Delete(ctx, "s1")
		require.NoError(t, err)
		assert.True(t, deleted)
		assert.Empty(t, findIDs(t, b, "alice"))

		deleted, err = b.Delete(ctx, "s1")
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("ExpiredIDs", func(t *testing.T) {
		b := newBackend(t)
		now := testNow()

		for i := 0; i < 3; i++ {
			rec := testRecord(fmt.Sprintf("old%d", i), "", now.Add(-time.Hour))
			require.NoError(t, b.Put(ctx, rec))
		}
		require.NoError(t, b.Put(ctx, testRecord("fresh", "", now)))

		forever := testRecord("forever", "", now.Add(-24*time.Hour))
		forever.MaxInactiveInterval = 0
		require.NoError(t, b.Put(ctx, forever))

		ids, err := b.ExpiredIDs(ctx, now, 10)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"old0", "old1", "old2"}, ids)

		ids, err = b.ExpiredIDs(ctx, now, 2)
		require.NoError(t, err)
		assert.Len(t, ids, 2)
	})
}
