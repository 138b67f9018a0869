package tdb

// BPlusTree is a generic order-by-position tree: elements are addressed by
// index, not by key, so "insert" and "erase" shift everything after them
// (§4.2). It backs every list and every cluster column.
//
// A node is represented by a plain Array. A leaf node (is_inner_node=false)
// holds element values directly, packed the same way any Array leaf packs
// scalars. An inner node (is_inner_node=true, has_refs=true) is a 2-slot
// Array: slot 0 holds the ref of a "children" Array (has_refs=true, one
// entry per child subtree) and slot 1 holds the ref of a parallel "sizes"
// Array holding each child's own subtree size (not a cumulative/prefix
// sum) -- index lookup sums sibling sizes while descending instead of
// maintaining a cumulative vector on every mutation.
type BPlusTree[T any] struct {
	alloc *Allocator

	root Ref
	size int

	hasRefs bool
	toU64   func(T) uint64
	fromU64 func(uint64) T

	parent ArrayParent
	slot   int

	maxLeaf  int
	maxInner int
}

const (
	bptreeDefaultMaxLeaf  = 256
	bptreeDefaultMaxInner = 64
)

// treeRootParent lets the root Array's own copy-on-write / growth logic
// update the tree's root ref (and propagate further up, if this tree is
// itself rooted in someone else's cell) without the Array needing to know
// it is a BPlusTree root.
type treeRootParent[T any] struct{ tree *BPlusTree[T] }

func (p treeRootParent[T]) GetChildRef(int) Ref { return p.tree.root }

func (p treeRootParent[T]) UpdateChildRef(_ int, newRef Ref) {
	p.tree.root = newRef
	if p.tree.parent != nil {
		p.tree.parent.UpdateChildRef(p.tree.slot, newRef)
	}
}

// NewBPlusTree allocates a fresh, empty tree.
func NewBPlusTree[T any](alloc *Allocator, hasRefs bool, toU64 func(T) uint64, fromU64 func(uint64) T, parent ArrayParent, slot int) *BPlusTree[T] {
	t := &BPlusTree[T]{
		alloc: alloc, hasRefs: hasRefs, toU64: toU64, fromU64: fromU64,
		parent: parent, slot: slot,
		maxLeaf: bptreeDefaultMaxLeaf, maxInner: bptreeDefaultMaxInner,
	}
	root := NewArray(alloc, hasRefs, false, false, treeRootParent[T]{t}, 0)
	t.root = root.Ref()
	return t
}

// OpenBPlusTree wraps an existing tree rooted at ref.
func OpenBPlusTree[T any](alloc *Allocator, ref Ref, hasRefs bool, toU64 func(T) uint64, fromU64 func(uint64) T, parent ArrayParent, slot int) *BPlusTree[T] {
	t := &BPlusTree[T]{
		alloc: alloc, root: ref, hasRefs: hasRefs, toU64: toU64, fromU64: fromU64,
		parent: parent, slot: slot,
		maxLeaf: bptreeDefaultMaxLeaf, maxInner: bptreeDefaultMaxInner,
	}
	t.size = treeNodeSize(alloc, ref)
	return t
}

func (t *BPlusTree[T]) Ref() Ref  { return t.root }
func (t *BPlusTree[T]) Size() int { return t.size }

func (t *BPlusTree[T]) rootArray() *Array {
	return OpenArray(t.alloc, t.root, treeRootParent[T]{t}, 0)
}

// Context reports the root's context flag, reserved for higher layers
// (link collections use it to signal "contains unresolved links").
func (t *BPlusTree[T]) Context() bool { return t.rootArray().Context() }

func (t *BPlusTree[T]) SetContext(v bool) { t.rootArray().SetContext(v) }

func (t *BPlusTree[T]) Get(i int) T {
	node := t.rootArray()
	for node.IsInnerNode() {
		refs, sizes := childArrays(t.alloc, node)
		idx, off := locateIndex(refs, sizes, i, false)
		node = OpenArray(t.alloc, refs.GetRef(idx), refs, idx)
		i = off
	}
	return t.fromU64(node.Get(i))
}

func (t *BPlusTree[T]) Set(i int, v T) {
	node := t.rootArray()
	for node.IsInnerNode() {
		refs, sizes := childArrays(t.alloc, node)
		idx, off := locateIndex(refs, sizes, i, false)
		node = OpenArray(t.alloc, refs.GetRef(idx), refs, idx)
		i = off
	}
	node.Set(i, t.toU64(v))
}

func (t *BPlusTree[T]) Insert(i int, v T) {
	root := t.rootArray()
	right := t.insertInto(root, i, v)
	t.size++
	if right == nil {
		return
	}
	leftRef := root.Ref()
	leftSize := treeNodeSize(t.alloc, leftRef)
	rightSize := treeNodeSize(t.alloc, right.Ref())

	newRefs := NewArray(t.alloc, true, false, false, nil, 0)
	newRefs.Push(uint64(leftRef))
	newRefs.Push(uint64(right.Ref()))
	newSizes := NewArray(t.alloc, false, false, false, nil, 0)
	newSizes.Push(uint64(leftSize))
	newSizes.Push(uint64(rightSize))

	newHeader := NewArray(t.alloc, true, true, root.Context(), nil, 0)
	newHeader.Push(uint64(newRefs.Ref()))
	newHeader.Push(uint64(newSizes.Ref()))

	treeRootParent[T]{t}.UpdateChildRef(0, newHeader.Ref())
}

func (t *BPlusTree[T]) Push(v T) { t.Insert(t.size, v) }

func (t *BPlusTree[T]) Erase(i int) {
	t.eraseFrom(t.rootArray(), i)
	t.size--
}

func (t *BPlusTree[T]) Clear() {
	t.destroySubtree(t.root)
	root := NewArray(t.alloc, t.hasRefs, false, false, treeRootParent[T]{t}, 0)
	t.root = root.Ref()
	t.size = 0
}

// Visit calls fn for every index in [lo,hi) in order.
func (t *BPlusTree[T]) Visit(lo, hi int, fn func(i int, v T)) {
	for i := lo; i < hi; i++ {
		fn(i, t.Get(i))
	}
}

// insertInto inserts v at position i within the subtree rooted at node,
// returning the new right sibling if node had to split.
func (t *BPlusTree[T]) insertInto(node *Array, i int, v T) *Array {
	if !node.IsInnerNode() {
		node.Insert(i, t.toU64(v))
		if node.Size() > t.maxLeaf {
			return t.splitLeaf(node)
		}
		return nil
	}

	refs, sizes := childArrays(t.alloc, node)
	idx, off := locateIndex(refs, sizes, i, true)
	child := OpenArray(t.alloc, refs.GetRef(idx), refs, idx)
	splitRight := t.insertInto(child, off, v)
	sizes.Set(idx, uint64(treeNodeSize(t.alloc, child.Ref())))

	if splitRight == nil {
		return nil
	}
	refs.Insert(idx+1, uint64(splitRight.Ref()))
	sizes.Insert(idx+1, uint64(treeNodeSize(t.alloc, splitRight.Ref())))
	if refs.Size() > t.maxInner {
		return t.splitInner(node, refs, sizes)
	}
	return nil
}

func (t *BPlusTree[T]) eraseFrom(node *Array, i int) {
	if !node.IsInnerNode() {
		node.Erase(i)
		return
	}
	refs, sizes := childArrays(t.alloc, node)
	idx, off := locateIndex(refs, sizes, i, false)
	child := OpenArray(t.alloc, refs.GetRef(idx), refs, idx)
	t.eraseFrom(child, off)
	sizes.Set(idx, uint64(treeNodeSize(t.alloc, child.Ref())))
}

// locateIndex finds which child of an inner node owns logical index i,
// returning the child slot and the index local to that child. When
// forInsert is true, an index landing exactly on a boundary is attributed
// to the earlier child, except that the last child always absorbs any
// remainder (so inserting at the tree's overall end works).
func locateIndex(refs, sizes *Array, i int, forInsert bool) (idx, off int) {
	n := refs.Size()
	remaining := i
	for idx = 0; idx < n-1; idx++ {
		sz := int(sizes.Get(idx))
		if forInsert {
			if remaining <= sz {
				break
			}
		} else {
			if remaining < sz {
				break
			}
		}
		remaining -= sz
	}
	return idx, remaining
}

func childArrays(alloc *Allocator, header *Array) (refs, sizes *Array) {
	refs = OpenArray(alloc, header.GetRef(0), header, 0)
	sizes = OpenArray(alloc, header.GetRef(1), header, 1)
	return refs, sizes
}

// treeNodeSize returns the element count of the subtree rooted at ref,
// without requiring a live *BPlusTree.
func treeNodeSize(alloc *Allocator, ref Ref) int {
	node := OpenArray(alloc, ref, nil, 0)
	if !node.IsInnerNode() {
		return node.Size()
	}
	_, sizes := childArrays(alloc, node)
	total := 0
	for j := 0; j < sizes.Size(); j++ {
		total += int(sizes.Get(j))
	}
	return total
}

func (t *BPlusTree[T]) splitLeaf(node *Array) *Array {
	mid := node.Size() / 2
	rightVals := node.Slice(mid, node.Size())
	for node.Size() > mid {
		node.Erase(node.Size() - 1)
	}
	right := NewArray(t.alloc, node.HasRefs(), false, false, nil, 0)
	for _, v := range rightVals {
		right.Push(v)
	}
	return right
}

func (t *BPlusTree[T]) splitInner(node, refs, sizes *Array) *Array {
	mid := refs.Size() / 2
	rightRefs := refs.Slice(mid, refs.Size())
	rightSizes := sizes.Slice(mid, sizes.Size())
	for refs.Size() > mid {
		refs.Erase(refs.Size() - 1)
		sizes.Erase(sizes.Size() - 1)
	}

	newRefs := NewArray(t.alloc, true, false, false, nil, 0)
	for _, r := range rightRefs {
		newRefs.Push(r)
	}
	newSizes := NewArray(t.alloc, false, false, false, nil, 0)
	for _, s := range rightSizes {
		newSizes.Push(s)
	}
	newHeader := NewArray(t.alloc, true, true, node.Context(), nil, 0)
	newHeader.Push(uint64(newRefs.Ref()))
	newHeader.Push(uint64(newSizes.Ref()))
	return newHeader
}

// destroySubtree frees every Array making up the subtree rooted at ref.
// Leaves are not merged on erase, so freeing only happens here and on
// Clear/Table drop, not after individual Erase calls.
func (t *BPlusTree[T]) destroySubtree(ref Ref) {
	node := OpenArray(t.alloc, ref, nil, 0)
	if node.IsInnerNode() {
		refs, sizes := childArrays(t.alloc, node)
		for j := 0; j < refs.Size(); j++ {
			t.destroySubtree(refs.GetRef(j))
		}
		refs.Destroy()
		sizes.Destroy()
	}
	node.Destroy()
}

// Int64ToU64/U64ToInt64, ObjKeyToU64/U64ToObjKey and RefToU64/U64ToRef
// are ready-made (toU64, fromU64) pairs for the element types collections and cluster columns
// most commonly store.

func Int64ToU64(v int64) uint64   { return uint64(v) }
func U64ToInt64(v uint64) int64   { return int64(v) }
func ObjKeyToU64(v ObjKey) uint64 { return uint64(v) }
func U64ToObjKey(v uint64) ObjKey { return ObjKey(v) }
func RefToU64(v Ref) uint64       { return uint64(v) }
func U64ToRef(v uint64) Ref       { return Ref(v) }
