package tdb

import "testing"

func testColumns(n int) []valueColumnKind {
	cols := make([]valueColumnKind, n)
	return cols
}

func TestClusterTreeCreateAndFind(t *testing.T) {
	a := newTestAllocator(t)
	var tree *ClusterTree
	withWriteTxn(t, a, func() {
		tree = NewClusterTree(a, testColumns(2), nil, 0)
		for i := 0; i < 5000; i++ {
			tree.Create(ObjKey(i), func(col int) uint64 { return uint64(i * (col + 1)) })
		}
	})
	if tree.Size() != 5000 {
		t.Fatalf("size = %d, want 5000", tree.Size())
	}
	cl, row, found := tree.Find(ObjKey(2500))
	if !found {
		t.Fatalf("expected to find key 2500")
	}
	if got := cl.ColumnLeaf(0).Get(row); got != 2500 {
		t.Fatalf("column 0 = %d, want 2500", got)
	}
	if got := cl.ColumnLeaf(1).Get(row); got != 5000 {
		t.Fatalf("column 1 = %d, want 5000", got)
	}
}

func TestClusterTreeEraseAndContains(t *testing.T) {
	a := newTestAllocator(t)
	var tree *ClusterTree
	withWriteTxn(t, a, func() {
		tree = NewClusterTree(a, testColumns(1), nil, 0)
		for i := 0; i < 3000; i++ {
			tree.Create(ObjKey(i), func(int) uint64 { return 0 })
		}
		tree.Erase(ObjKey(1500))
	})
	if tree.Contains(ObjKey(1500)) {
		t.Fatalf("expected key 1500 to be erased")
	}
	if !tree.Contains(ObjKey(1499)) || !tree.Contains(ObjKey(1501)) {
		t.Fatalf("expected neighboring keys to survive")
	}
	if tree.Size() != 2999 {
		t.Fatalf("size = %d, want 2999", tree.Size())
	}
}

func TestClusterTreeForEachClusterOrdering(t *testing.T) {
	a := newTestAllocator(t)
	var tree *ClusterTree
	withWriteTxn(t, a, func() {
		tree = NewClusterTree(a, testColumns(1), nil, 0)
		for i := 0; i < 4000; i++ {
			tree.Create(ObjKey(i), func(int) uint64 { return 0 })
		}
	})
	last := ObjKey(-1)
	count := 0
	tree.ForEachCluster(func(cl *Cluster) {
		for row := 0; row < cl.Size(); row++ {
			k := cl.KeyAt(row)
			if k.Value() <= last.Value() && count > 0 {
				t.Fatalf("keys out of order: %v after %v", k, last)
			}
			last = k
			count++
		}
	})
	if count != 4000 {
		t.Fatalf("visited %d rows, want 4000", count)
	}
}

func TestClusterTreeDuplicateKeyPanics(t *testing.T) {
	a := newTestAllocator(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate key")
		}
	}()
	withWriteTxn(t, a, func() {
		tree := NewClusterTree(a, testColumns(1), nil, 0)
		tree.Create(ObjKey(1), func(int) uint64 { return 0 })
		tree.Create(ObjKey(1), func(int) uint64 { return 0 })
	})
}
