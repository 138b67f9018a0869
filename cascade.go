package tdb

// CascadeState accumulates cross-table erasure work discovered while
// erasing or relinking an object: a strong link losing its last backlink,
// or an embedded object losing its one owning backlink (§4.3, §4.4). It
// is threaded through every call that can produce such work so the
// triggering transaction can drain it in one pass once the original
// operation completes.
type CascadeState struct {
	group   *Group
	pending []cascadeItem
	seen    map[cascadeItem]bool
}

type cascadeItem struct {
	table string
	key   ObjKey
}

// NewCascadeState starts an empty cascade against group.
func NewCascadeState(group *Group) *CascadeState {
	return &CascadeState{group: group, seen: make(map[cascadeItem]bool)}
}

// Enqueue schedules tableName/key for erasure once the current operation's
// cascade is drained. Duplicate enqueues (e.g. a cycle of strong links) are
// collapsed.
func (cs *CascadeState) Enqueue(tableName string, key ObjKey) {
	item := cascadeItem{tableName, key}
	if cs.seen[item] {
		return
	}
	cs.seen[item] = true
	cs.pending = append(cs.pending, item)
}

// Drain erases every object queued so far, including any further objects
// that their own erasure enqueues in turn, until the queue is empty.
func (cs *CascadeState) Drain() error {
	for len(cs.pending) > 0 {
		item := cs.pending[0]
		cs.pending = cs.pending[1:]
		tbl, err := cs.group.Table(item.table)
		if err != nil {
			continue // table already gone, or a stale enqueue
		}
		if !tbl.Contains(item.key) {
			continue // already erased by an earlier cascade step
		}
		if err := tbl.EraseObject(item.key, cs); err != nil {
			return err
		}
	}
	return nil
}

// addBacklink appends fromKey to the incoming-link list stored in the
// target object's backlink column (§4.4: "every link column has a
// matching backlink column on the target table").
func addBacklink(target *Table, key ObjKey, backlinkCol int, fromKey ObjKey) {
	obj, err := target.Object(key)
	if err != nil {
		return
	}
	obj.LinkList(backlinkCol).Push(fromKey)
}

// removeBacklink removes one occurrence of fromKey from the target
// object's backlink list.
func removeBacklink(target *Table, key ObjKey, backlinkCol int, fromKey ObjKey) {
	obj, err := target.Object(key)
	if err != nil {
		return
	}
	lst := obj.LinkList(backlinkCol)
	n := lst.Size()
	for i := 0; i < n; i++ {
		if lst.Get(i) == fromKey {
			lst.Remove(i)
			return
		}
	}
}

// backlinkCount reports how many incoming links the target object
// currently has through backlinkCol.
func backlinkCount(target *Table, key ObjKey, backlinkCol int) int {
	obj, err := target.Object(key)
	if err != nil {
		return 0
	}
	return obj.LinkList(backlinkCol).Size()
}
