package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDiffIndexes(t *testing.T) {
	tests := []struct {
		name        string
		old, next   map[string]string
		wantRemoved []IndexEntry
		wantAdded   []IndexEntry
	}{
		{
			name: "unchanged",
			old:  map[string]string{"A": "x"},
			next: map[string]string{"A": "x"},
		},
		{
			name:      "new value",
			next:      map[string]string{"A": "x"},
			wantAdded: []IndexEntry{{"A", "x"}},
		},
		{
			name:        "changed value",
			old:         map[string]string{"A": "alice"},
			next:        map[string]string{"A": "bob"},
			wantRemoved: []IndexEntry{{"A", "alice"}},
			wantAdded:   []IndexEntry{{"A", "bob"}},
		},
		{
			name:        "value gone",
			old:         map[string]string{"A": "x", "B": "y"},
			next:        map[string]string{"B": "y"},
			wantRemoved: []IndexEntry{{"A", "x"}},
		},
		{
			name:        "sorted",
			old:         map[string]string{"C": "1", "A": "1"},
			next:        map[string]string{"B": "2"},
			wantRemoved: []IndexEntry{{"A", "1"}, {"C", "1"}},
			wantAdded:   []IndexEntry{{"B", "2"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			removed, added := DiffIndexes(tt.old, tt.next)
			assert.Equal(t, tt.wantRemoved, removed)
			assert.Equal(t, tt.wantAdded, added)
		})
	}
}

func TestTouchesIndex(t *testing.T) {
	ix := testIndexer{}

	assert.False(t, TouchesIndex(ix, &Delta{Set: map[string]Envelope{"theme": str("x")}}))
	assert.True(t, TouchesIndex(ix, &Delta{Set: map[string]Envelope{testPrincipalAttr: str("x")}}))
	assert.True(t, TouchesIndex(ix, &Delta{Removed: []string{testPrincipalAttr}}))
	assert.False(t, TouchesIndex(nil, &Delta{Removed: []string{testPrincipalAttr}}))
}

func TestResolveNext(t *testing.T) {
	ix := testIndexer{}
	stored := map[string]Envelope{testPrincipalAttr: str("alice"), "theme": str("dark")}

	next := ResolveNext(ix, stored, &Delta{Set: map[string]Envelope{testPrincipalAttr: str("bob")}})
	assert.Equal(t, map[string]string{testIndex: "bob"}, next)

	next = ResolveNext(ix, stored, &Delta{Removed: []string{testPrincipalAttr}})
	assert.Empty(t, next)

	// Stored values are not modified.
	assert.Equal(t, []byte("alice"), stored[testPrincipalAttr].Data)
}

func TestHasIndex(t *testing.T) {
	assert.True(t, HasIndex(testIndexer{}, testIndex))
	assert.False(t, HasIndex(testIndexer{}, "OTHER"))
	assert.False(t, HasIndex(nil, testIndex))
}

func TestEnvelopeBinary(t *testing.T) {
	env := Envelope{Type: "json:warden.SecurityContext", Data: []byte(`{"a":1}`)}
	b, err := env.MarshalBinary()
	assert.NoError(t, err)

	var got Envelope
	assert.NoError(t, got.UnmarshalBinary(b))
	assert.Equal(t, env, got)

	assert.ErrorIs(t, got.UnmarshalBinary([]byte{0x20, 'a'}), errShortEnvelope)
	assert.ErrorIs(t, got.UnmarshalBinary(nil), errShortEnvelope)
}
