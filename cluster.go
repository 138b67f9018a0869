package tdb

import "sort"

// Cluster is a row group: one container Array acting as parent, whose
// child 0 is the sorted ObjKey vector and children 1..N are the
// per-column leaf arrays, index-aligned with the key vector (§3 Cluster).
type Cluster struct {
	alloc     *Allocator
	container *Array
	columns   []valueColumnKind
}

// valueColumnKind is the minimal shape Cluster needs per column to build
// a fresh leaf: whether the column stores refs (variable-width payloads,
// links, collections) or inline fixed-width scalars.
type valueColumnKind struct {
	hasRefs bool
}

// NewCluster allocates an empty cluster for the given column shapes.
func NewCluster(alloc *Allocator, columns []valueColumnKind, parent ArrayParent, slot int) *Cluster {
	container := NewArray(alloc, true, false, false, parent, slot)
	keys := NewArray(alloc, false, false, false, container, 0)
	container.Push(uint64(keys.Ref()))
	for i, col := range columns {
		leaf := NewArray(alloc, col.hasRefs, false, false, container, i+1)
		container.Push(uint64(leaf.Ref()))
	}
	return &Cluster{alloc: alloc, container: container, columns: columns}
}

// OpenCluster wraps an already-opened container Array as a Cluster.
func OpenCluster(alloc *Allocator, container *Array, columns []valueColumnKind) *Cluster {
	return &Cluster{alloc: alloc, container: container, columns: columns}
}

func (c *Cluster) Ref() Ref { return c.container.Ref() }

func (c *Cluster) keys() *Array {
	return OpenArray(c.alloc, c.container.GetRef(0), c.container, 0)
}

// ColumnLeaf returns the leaf array for column i, index-aligned with keys().
func (c *Cluster) ColumnLeaf(i int) *Array {
	return OpenArray(c.alloc, c.container.GetRef(i+1), c.container, i+1)
}

func (c *Cluster) Size() int { return c.keys().Size() }

func (c *Cluster) MinKey() ObjKey {
	if c.Size() == 0 {
		return NilObjKey
	}
	return ObjKey(c.keys().Get(0))
}

func (c *Cluster) MaxKey() ObjKey {
	if c.Size() == 0 {
		return NilObjKey
	}
	return ObjKey(c.keys().Get(c.Size() - 1))
}

func (c *Cluster) KeyAt(row int) ObjKey { return ObjKey(c.keys().Get(row)) }

// Find returns the row holding key, and whether it was found, via binary
// search over the strictly-ascending key vector (§3 Cluster invariant).
func (c *Cluster) Find(key ObjKey) (row int, found bool) {
	keys := c.keys()
	n := keys.Size()
	row = sort.Search(n, func(i int) bool {
		return ObjKey(keys.Get(i)).Value() >= key.Value()
	})
	if row < n && ObjKey(keys.Get(row)).Value() == key.Value() {
		return row, true
	}
	return row, false
}

// CreateRow inserts key at its sorted position and appends defaultValue(i)
// into every column leaf i at that row, keeping every leaf index-aligned
// with the key vector (§4.3 "on create").
func (c *Cluster) CreateRow(key ObjKey, defaultValue func(colIdx int) uint64) int {
	row, found := c.Find(key)
	if found {
		panic(&StorageError{Kind: ErrSchemaMismatch, Msg: "duplicate ObjKey in cluster"})
	}
	c.keys().Insert(row, uint64(key))
	for i := range c.columns {
		c.ColumnLeaf(i).Insert(row, defaultValue(i))
	}
	c.checkAligned()
	return row
}

// EraseRow removes the row at index row from the key vector and every
// column leaf.
func (c *Cluster) EraseRow(row int) {
	c.keys().Erase(row)
	for i := range c.columns {
		c.ColumnLeaf(i).Erase(row)
	}
	c.checkAligned()
}

// checkAligned enforces the §4.3 invariant: every column leaf's size
// equals the key vector's size. A mismatch is a programming error, not a
// recoverable storage error.
func (c *Cluster) checkAligned() {
	n := c.Size()
	for i := range c.columns {
		if c.ColumnLeaf(i).Size() != n {
			panic(&StorageError{Kind: ErrFileCorrupt, Msg: "cluster column leaf misaligned with key vector"})
		}
	}
}

// Destroy frees the cluster's container, key vector, and every column
// leaf. Ref-typed column leaves (collections, strings) are not recursively
// freed here -- the caller must cascade those explicitly, same as Table
// erase does before calling Destroy.
func (c *Cluster) Destroy() {
	c.keys().Destroy()
	for i := range c.columns {
		c.ColumnLeaf(i).Destroy()
	}
	c.container.Destroy()
}
