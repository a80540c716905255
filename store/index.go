package store

import "sort"

// IndexEntry identifies one (index name, index value) pair.
type IndexEntry struct {
	Name  string
	Value string
}

// DiffIndexes compares the stored index values of a session with the
// values it should now have. An entry is removed when its value changed or
// disappeared, and added when it is new or changed. Equal values produce
// nothing. Results are sorted by index name.
func DiffIndexes(old, next map[string]string) (removed, added []IndexEntry) {
	for name, oldValue := range old {
		if newValue, ok := next[name]; !ok || newValue != oldValue {
			removed = append(removed, IndexEntry{Name: name, Value: oldValue})
		}
	}
	for name, newValue := range next {
		if oldValue, ok := old[name]; !ok || oldValue != newValue {
			added = append(added, IndexEntry{Name: name, Value: newValue})
		}
	}
	sortEntries(removed)
	sortEntries(added)
	return removed, added
}

// TouchesIndex reports whether the delta changes any attribute ix derives
// index values from.
func TouchesIndex(ix Indexer, d *Delta) bool {
	if ix == nil || d == nil {
		return false
	}
	for _, key := range ix.Keys() {
		if _, ok := d.Set[key]; ok {
			return true
		}
		for _, name := range d.Removed {
			if name == key {
				return true
			}
		}
	}
	return false
}

// ResolveNext returns the index values a session has after d is applied.
// stored must hold the currently persisted values of ix.Keys(); other
// attributes are ignored.
func ResolveNext(ix Indexer, stored map[string]Envelope, d *Delta) map[string]string {
	merged := make(map[string]Envelope, len(ix.Keys()))
	for _, key := range ix.Keys() {
		if env, ok := stored[key]; ok {
			merged[key] = env
		}
	}
	for _, name := range d.Removed {
		delete(merged, name)
	}
	for _, key := range ix.Keys() {
		if env, ok := d.Set[key]; ok {
			merged[key] = env
		}
	}
	return ix.Resolve(merged)
}

// HasIndex reports whether name is one of the names ix produces.
func HasIndex(ix Indexer, name string) bool {
	if ix == nil {
		return false
	}
	for _, n := range ix.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func sortEntries(entries []IndexEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Value < entries[j].Value
	})
}
