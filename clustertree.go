package tdb

import "sort"

// ClusterTree is a B+-tree of Clusters keyed by ObjKey (§3/§4.3). Its
// structure mirrors BPlusTree's inner-node shape (a 2-slot header of
// children + a parallel per-child vector), but the parallel vector holds
// each child's minimum key rather than its element count, since lookup
// here is by key range, not by position.
type ClusterTree struct {
	alloc   *Allocator
	root    Ref
	columns []valueColumnKind

	parent ArrayParent
	slot   int

	maxRowsPerCluster int
	maxInner          int
}

const (
	clusterTreeDefaultMaxRows  = 1000
	clusterTreeDefaultMaxInner = 64
)

type clusterTreeRootParent struct{ tree *ClusterTree }

func (p clusterTreeRootParent) GetChildRef(int) Ref { return p.tree.root }

func (p clusterTreeRootParent) UpdateChildRef(_ int, newRef Ref) {
	p.tree.root = newRef
	if p.tree.parent != nil {
		p.tree.parent.UpdateChildRef(p.tree.slot, newRef)
	}
}

// NewClusterTree allocates a tree holding a single empty cluster.
func NewClusterTree(alloc *Allocator, columns []valueColumnKind, parent ArrayParent, slot int) *ClusterTree {
	t := &ClusterTree{
		alloc: alloc, columns: columns, parent: parent, slot: slot,
		maxRowsPerCluster: clusterTreeDefaultMaxRows, maxInner: clusterTreeDefaultMaxInner,
	}
	cl := NewCluster(alloc, columns, clusterTreeRootParent{t}, 0)
	t.root = cl.Ref()
	return t
}

// OpenClusterTree wraps an existing cluster tree rooted at ref.
func OpenClusterTree(alloc *Allocator, ref Ref, columns []valueColumnKind, parent ArrayParent, slot int) *ClusterTree {
	return &ClusterTree{
		alloc: alloc, root: ref, columns: columns, parent: parent, slot: slot,
		maxRowsPerCluster: clusterTreeDefaultMaxRows, maxInner: clusterTreeDefaultMaxInner,
	}
}

func (t *ClusterTree) Ref() Ref { return t.root }

func (t *ClusterTree) rootArray() *Array {
	return OpenArray(t.alloc, t.root, clusterTreeRootParent{t}, 0)
}

// Size returns the total row count across every cluster.
func (t *ClusterTree) Size() int { return clusterTreeNodeSize(t.alloc, t.root) }

func clusterTreeNodeSize(alloc *Allocator, ref Ref) int {
	node := OpenArray(alloc, ref, nil, 0)
	if !node.IsInnerNode() {
		keys := OpenArray(alloc, node.GetRef(0), node, 0)
		return keys.Size()
	}
	children, _ := childArrays(alloc, node)
	total := 0
	for i := 0; i < children.Size(); i++ {
		total += clusterTreeNodeSize(alloc, children.GetRef(i))
	}
	return total
}

// locateKeyIndex returns the last child slot whose min key is <= key, or
// 0 if key is smaller than every child's min key.
func locateKeyIndex(minKeys *Array, key ObjKey) int {
	n := minKeys.Size()
	idx := sort.Search(n, func(i int) bool {
		return ObjKey(minKeys.Get(i)).Value() > key.Value()
	}) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Find locates the cluster and row holding key.
func (t *ClusterTree) Find(key ObjKey) (cl *Cluster, row int, found bool) {
	node := t.rootArray()
	for node.IsInnerNode() {
		children, minKeys := childArrays(t.alloc, node)
		idx := locateKeyIndex(minKeys, key)
		node = OpenArray(t.alloc, children.GetRef(idx), children, idx)
	}
	cl = OpenCluster(t.alloc, node, t.columns)
	row, found = cl.Find(key)
	return cl, row, found
}

// Contains reports whether key currently identifies a live row.
func (t *ClusterTree) Contains(key ObjKey) bool {
	_, _, found := t.Find(key)
	return found
}

// Create inserts key into its owning cluster (splitting the cluster, and
// the tree, as needed) and returns the cluster and row holding the new
// default row.
func (t *ClusterTree) Create(key ObjKey, defaultValue func(colIdx int) uint64) (cl *Cluster, row int) {
	right, rightMinKey := t.createInto(t.rootArray(), key, defaultValue)
	if right != nil {
		t.growRoot(right, rightMinKey)
	}
	cl, row, _ = t.Find(key)
	return cl, row
}

func (t *ClusterTree) createInto(node *Array, key ObjKey, defaultValue func(colIdx int) uint64) (right *Array, rightMinKey ObjKey) {
	if !node.IsInnerNode() {
		cl := OpenCluster(t.alloc, node, t.columns)
		cl.CreateRow(key, defaultValue)
		if cl.Size() > t.maxRowsPerCluster {
			return t.splitCluster(cl)
		}
		return nil, NilObjKey
	}

	children, minKeys := childArrays(t.alloc, node)
	idx := locateKeyIndex(minKeys, key)
	child := OpenArray(t.alloc, children.GetRef(idx), children, idx)
	splitRight, splitKey := t.createInto(child, key, defaultValue)
	if splitRight == nil {
		return nil, NilObjKey
	}

	children.Insert(idx+1, uint64(splitRight.Ref()))
	minKeys.Insert(idx+1, uint64(splitKey))
	if children.Size() > t.maxInner {
		return t.splitInnerByKey(node, children, minKeys)
	}
	return nil, NilObjKey
}

func (t *ClusterTree) splitCluster(cl *Cluster) (right *Array, rightMinKey ObjKey) {
	mid := cl.Size() / 2
	newCols := make([]valueColumnKind, len(t.columns))
	copy(newCols, t.columns)
	rightCluster := NewCluster(t.alloc, newCols, nil, 0)

	rightMinKey = cl.KeyAt(mid)
	for row := mid; row < cl.Size(); {
		key := cl.KeyAt(row)
		rightCluster.CreateRow(key, func(i int) uint64 { return cl.ColumnLeaf(i).Get(row) })
		cl.EraseRow(row)
	}
	return rightCluster.container, rightMinKey
}

func (t *ClusterTree) splitInnerByKey(node, children, minKeys *Array) (right *Array, rightMinKey ObjKey) {
	mid := children.Size() / 2
	rightChildren := children.Slice(mid, children.Size())
	rightMins := minKeys.Slice(mid, minKeys.Size())
	for children.Size() > mid {
		children.Erase(children.Size() - 1)
		minKeys.Erase(minKeys.Size() - 1)
	}

	newChildren := NewArray(t.alloc, true, false, false, nil, 0)
	for _, r := range rightChildren {
		newChildren.Push(r)
	}
	newMinKeys := NewArray(t.alloc, false, false, false, nil, 0)
	for _, k := range rightMins {
		newMinKeys.Push(k)
	}
	newHeader := NewArray(t.alloc, true, true, node.Context(), nil, 0)
	newHeader.Push(uint64(newChildren.Ref()))
	newHeader.Push(uint64(newMinKeys.Ref()))
	return newHeader, ObjKey(rightMins[0])
}

func (t *ClusterTree) growRoot(right *Array, rightMinKey ObjKey) {
	leftRef := t.rootArray().Ref()
	leftMinKey := clusterTreeMinKey(t.alloc, leftRef)

	newChildren := NewArray(t.alloc, true, false, false, nil, 0)
	newChildren.Push(uint64(leftRef))
	newChildren.Push(uint64(right.Ref()))
	newMinKeys := NewArray(t.alloc, false, false, false, nil, 0)
	newMinKeys.Push(uint64(leftMinKey))
	newMinKeys.Push(uint64(rightMinKey))

	newHeader := NewArray(t.alloc, true, true, false, nil, 0)
	newHeader.Push(uint64(newChildren.Ref()))
	newHeader.Push(uint64(newMinKeys.Ref()))

	clusterTreeRootParent{t}.UpdateChildRef(0, newHeader.Ref())
}

func clusterTreeMinKey(alloc *Allocator, ref Ref) ObjKey {
	node := OpenArray(alloc, ref, nil, 0)
	if !node.IsInnerNode() {
		keys := OpenArray(alloc, node.GetRef(0), node, 0)
		return ObjKey(keys.Get(0))
	}
	children, _ := childArrays(alloc, node)
	return clusterTreeMinKey(alloc, children.GetRef(0))
}

// Erase removes key from its owning cluster. Clusters are not merged or
// freed when they empty out, matching the B+-tree's never-merge-on-erase
// policy (§4.2).
func (t *ClusterTree) Erase(key ObjKey) {
	cl, row, found := t.Find(key)
	if !found {
		panic(&StorageError{Kind: ErrKeyNotFound, Msg: key.String()})
	}
	cl.EraseRow(row)
}

// ForEachCluster visits every leaf cluster in ascending key order.
func (t *ClusterTree) ForEachCluster(fn func(cl *Cluster)) {
	t.walk(t.rootArray(), fn)
}

func (t *ClusterTree) walk(node *Array, fn func(cl *Cluster)) {
	if !node.IsInnerNode() {
		fn(OpenCluster(t.alloc, node, t.columns))
		return
	}
	children, _ := childArrays(t.alloc, node)
	for i := 0; i < children.Size(); i++ {
		t.walk(OpenArray(t.alloc, children.GetRef(i), children, i), fn)
	}
}
