package tdb

import "sort"

// Lst wraps a BPlusTree<T> rooted at an object's column cell (§4.6).
// tombCache/tombDirty cache a link list's sorted unresolved-tombstone real
// indices: recomputed by a single O(n) scan the first time a call needs
// it after a structural mutation, rather than on every single virtual<-
// >real translation (§3's O(log k) requirement for that translation --
// plain lists never populate the cache since they carry no tombstones).
type Lst[T any] struct {
	obj  *Object
	col  int
	tree *BPlusTree[T]

	tombCache []int
	tombDirty bool
}

func openLst[T any](o *Object, col int, hasRefs bool, toU64 func(T) uint64, fromU64 func(uint64) T) *Lst[T] {
	cl, row := o.resolve()
	leaf := cl.ColumnLeaf(col)
	ref := Ref(leaf.Get(row))
	parent := cellRowParent{leaf: leaf, row: row}
	var tree *BPlusTree[T]
	if ref.IsNil() {
		tree = NewBPlusTree[T](o.table.group.alloc, hasRefs, toU64, fromU64, parent, 0)
		leaf.Set(row, uint64(tree.Ref()))
	} else {
		tree = OpenBPlusTree[T](o.table.group.alloc, ref, hasRefs, toU64, fromU64, parent, 0)
	}
	return &Lst[T]{obj: o, col: col, tree: tree, tombDirty: true}
}

// cellRowParent updates a single scalar cell in a column leaf, used as
// the BPlusTree root's parent when the tree is rooted in an object's
// column cell rather than in another Array's ref slot.
type cellRowParent struct {
	leaf *Array
	row  int
}

func (p cellRowParent) GetChildRef(int) Ref          { return Ref(p.leaf.Get(p.row)) }
func (p cellRowParent) UpdateChildRef(_ int, newRef Ref) { p.leaf.Set(p.row, uint64(newRef)) }

// Int64List opens column col (must be a plain KindInt list) as Lst[int64].
func (o *Object) Int64List(col int) *Lst[int64] {
	return openLst[int64](o, col, false, Int64ToU64, U64ToInt64)
}

// LinkList opens column col (must be KindLinkList) as Lst[ObjKey].
func (o *Object) LinkList(col int) *Lst[ObjKey] {
	return openLst[ObjKey](o, col, false, ObjKeyToU64, U64ToObjKey)
}

func (l *Lst[T]) Size() int { return l.realSize() }

// realSize/virtualSize distinguish the underlying BPlusTree size from the
// user-visible size once tombstones are introduced by link lists; plain
// (non-link) lists have no tombstones, so they coincide.
func (l *Lst[T]) realSize() int { return l.tree.Size() }

func (l *Lst[T]) Get(i int) T { return l.tree.Get(i) }
func (l *Lst[T]) Set(i int, v T) {
	l.tree.Set(i, v)
	l.tombDirty = true
	l.recordOp("set", i, v)
}
func (l *Lst[T]) Insert(i int, v T) {
	l.tree.Insert(i, v)
	l.tombDirty = true
	l.recordOp("insert", i, v)
}
func (l *Lst[T]) Remove(i int) {
	l.recordOp("erase", i, l.tree.Get(i))
	l.tree.Erase(i)
	l.tombDirty = true
}
func (l *Lst[T]) Push(v T) { l.Insert(l.tree.Size(), v) }

// Clear empties the list. Link lists must use LinkListClear instead: a
// plain mixed-type list has no backlinks to protect, so erasing it
// outright (no intermediate nullified state) is safe.
func (l *Lst[T]) Clear() {
	l.tree.Clear()
	l.tombDirty = true
	l.recordOpNoValue("clear", 0)
}

func (l *Lst[T]) recordOp(sub string, index int, v T) {
	l.obj.table.markDirty()
	if l.obj.table.group.recorder == nil {
		return
	}
	var raw uint64
	switch val := any(v).(type) {
	case int64:
		raw = uint64(val)
	case ObjKey:
		raw = uint64(val)
	}
	l.obj.table.group.recorder.RecordCollectionOp(l.obj.table.Name(), l.obj.key, l.col, sub, index, raw)
}

func (l *Lst[T]) recordOpNoValue(sub string, index int) {
	l.obj.table.markDirty()
	if l.obj.table.group.recorder != nil {
		l.obj.table.group.recorder.RecordCollectionOp(l.obj.table.Name(), l.obj.key, l.col, sub, index, 0)
	}
}

// ---- link-list tombstone translation ----

// linkListUnresolved returns the sorted list of real indices in a link
// list that currently hold an unresolved tombstone, rebuilding the cache
// with a single O(n) tree scan only when a mutation has invalidated it
// since the last call.
func linkListUnresolved(l *Lst[ObjKey]) []int {
	if l.tombDirty {
		var out []int
		l.tree.Visit(0, l.tree.Size(), func(i int, v ObjKey) {
			if v.IsUnresolved() {
				out = append(out, i)
			}
		})
		l.tombCache = out
		l.tombDirty = false
	}
	return l.tombCache
}

// LinkListVirtualSize returns the number of resolved (non-tombstone)
// entries in a link list. Go forbids methods specialized to one type
// argument of a generic receiver, so the link-list-only operations below
// are plain functions taking *Lst[ObjKey] rather than Lst[T] methods.
func LinkListVirtualSize(l *Lst[ObjKey]) int {
	return l.tree.Size() - len(linkListUnresolved(l))
}

// realIndexOf translates a virtual (user-visible) index to the
// underlying real index by skipping over the sorted tombstone set, in
// one binary search rather than a fixed-point iteration.
//
// tombstones[i]-i is the count of non-tombstone real indices below
// tombstones[i] (i tombstones already occupy i of the positions below
// it), and that quantity is monotonically non-decreasing in i since
// tombstones is strictly increasing. So the smallest i with
// tombstones[i]-i > virtual is the number of tombstones lying entirely
// before the target real index, and real = virtual+i resolves in a
// single O(log k) search over the tombstone list, with no dependency
// on the size of the underlying tree.
func realIndexOf(tombstones []int, virtual int) int {
	i := sort.Search(len(tombstones), func(i int) bool { return tombstones[i]-i > virtual })
	return virtual + i
}

// LinkListVirtualGet returns the resolved entry at virtual index i.
func LinkListVirtualGet(l *Lst[ObjKey], i int) ObjKey {
	return l.tree.Get(realIndexOf(linkListUnresolved(l), i))
}

// virtualIndexOf is the inverse of realIndexOf: it translates a real
// index to its virtual index by subtracting the count of tombstones
// strictly before it, found with one binary search. ok is false when
// real itself names a tombstone, which has no virtual index.
func virtualIndexOf(tombstones []int, real int) (virtual int, ok bool) {
	count := sort.Search(len(tombstones), func(i int) bool { return tombstones[i] >= real })
	if count < len(tombstones) && tombstones[count] == real {
		return 0, false
	}
	return real - count, true
}

// LinkListVirtualIndexOf returns the virtual index of the entry
// currently stored at real index i, or ok=false if i holds an
// unresolved tombstone that the virtual view hides.
func LinkListVirtualIndexOf(l *Lst[ObjKey], i int) (virtual int, ok bool) {
	return virtualIndexOf(linkListUnresolved(l), i)
}

// LinkListClear empties a link list, first overwriting every slot with
// NilObjKey so a replication listener observing the intermediate state
// never sees a dangling backlink reference, then erasing the now-nulled
// entries (mirrors the original implementation's list clear path, which
// nullifies object-list slots before erase but skips that step for plain
// mixed-type lists since those carry no backlinks to protect).
func LinkListClear(l *Lst[ObjKey]) {
	n := l.tree.Size()
	for i := 0; i < n; i++ {
		l.tree.Set(i, NilObjKey)
	}
	l.Clear()
}

// LinkListResolveTombstone replaces an unresolved tombstone key with its
// now-received resolved form, clearing the root context flag once no
// tombstones remain (§4.6).
func LinkListResolveTombstone(l *Lst[ObjKey], unresolvedKey, resolvedKey ObjKey) {
	n := l.tree.Size()
	for i := 0; i < n; i++ {
		if l.tree.Get(i) == unresolvedKey.Unresolved() {
			l.tree.Set(i, resolvedKey.Resolved())
		}
	}
	l.tombDirty = true
	if len(linkListUnresolved(l)) == 0 {
		l.tree.SetContext(false)
	}
}
