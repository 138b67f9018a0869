package tdb

import (
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"
)

func newTestSearchIndex(t *testing.T) *SearchIndex {
	t.Helper()
	bdb, err := bbolt.Open(filepath.Join(t.TempDir(), "idx.bolt"), 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	t.Cleanup(func() { bdb.Close() })
	idx, err := OpenSearchIndex(bdb, "Person", "Age")
	if err != nil {
		t.Fatalf("OpenSearchIndex: %v", err)
	}
	return idx
}

func TestSearchIndexAddLookupRemove(t *testing.T) {
	idx := newTestSearchIndex(t)
	key := []byte("30")
	for _, k := range []ObjKey{5, 1, 3} {
		if err := idx.Add(key, k); err != nil {
			t.Fatalf("Add(%v): %v", k, err)
		}
	}
	// re-adding an existing key must not duplicate it.
	if err := idx.Add(key, ObjKey(3)); err != nil {
		t.Fatalf("Add dup: %v", err)
	}

	got, err := idx.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []ObjKey{1, 3, 5}
	if len(got) != len(want) {
		t.Fatalf("Lookup = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Lookup[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	if err := idx.Remove(key, ObjKey(3)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err = idx.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup after remove: %v", err)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 5 {
		t.Fatalf("Lookup after remove = %v, want [1 5]", got)
	}
}

func TestSearchIndexRemoveLastDeletesKey(t *testing.T) {
	idx := newTestSearchIndex(t)
	key := []byte("42")
	if err := idx.Add(key, ObjKey(1)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := idx.Remove(key, ObjKey(1)); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	got, err := idx.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Lookup after removing last entry = %v, want empty", got)
	}
}
