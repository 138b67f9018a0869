package tdb

import "github.com/coldcore/tdb/valuekind"

// Table holds a Spec, a ClusterTree of its objects, and per-column search
// indexes (§4.4).
type Table struct {
	group       *Group
	dirSlot     int
	record      tableRecord
	clusterTree *ClusterTree
	indexes     map[int]*SearchIndex
	dirty       bool
}

func (t *Table) Name() string    { return t.record.Name }
func (t *Table) Spec() *Spec     { return &t.record.Spec }
func (t *Table) Size() int       { return t.clusterTree.Size() }

func (t *Table) markDirty() { t.dirty = true }

// CreateObject inserts a new row with an auto-assigned, never-reused
// ObjKey and the zero value in every column.
func (t *Table) CreateObject() (ObjKey, error) {
	if !t.group.writable {
		panic("tdb: CreateObject called on a read transaction")
	}
	key := ObjKey(t.record.NextObjKey)
	return t.CreateObjectWithKey(key)
}

// CreateObjectWithKey inserts a new row under an explicit key (used by
// sync when integrating a remote changeset that assigned the key).
func (t *Table) CreateObjectWithKey(key ObjKey) (ObjKey, error) {
	if !t.group.writable {
		panic("tdb: CreateObjectWithKey called on a read transaction")
	}
	if t.clusterTree.Contains(key) {
		return NilObjKey, storageErrf(ErrSchemaMismatch, t.Name(), nil, "duplicate ObjKey %v", key)
	}
	t.clusterTree.Create(key, func(colIdx int) uint64 { return t.defaultColumnValue(colIdx) })
	if key.Value() >= t.record.NextObjKey {
		t.record.NextObjKey = key.Value() + 1
	}
	t.markDirty()
	if t.group.recorder != nil {
		t.group.recorder.RecordCreate(t.Name(), key)
	}
	return key, nil
}

// CreateLinkedObject creates a new row in column col's target table and
// links it from parentKey, the only way an Embedded column's target may
// come into existence (§4.4(a)): a direct SetLink to an existing object on
// an Embedded column is rejected, so ownership of the new row is
// unambiguous from the moment it is created. Its automatic erase once the
// link is removed or reassigned falls out of the regular StrongLink
// cascade (Object.SetLink/EraseObject), which Embedded columns also set.
func (t *Table) CreateLinkedObject(parentKey ObjKey, col int) (ObjKey, error) {
	if !t.group.writable {
		panic("tdb: CreateLinkedObject called on a read transaction")
	}
	c, err := t.record.Spec.column(col)
	if err != nil {
		return NilObjKey, err
	}
	if !c.Embedded {
		return NilObjKey, storageErrf(ErrCollectionTypeMismatch, t.Name(), nil, "column %q is not embedded", c.Name)
	}
	if c.Kind != valuekind.KindLink {
		return NilObjKey, storageErrf(ErrCollectionTypeMismatch, t.Name(), nil, "column %q: embedded list columns are not yet supported", c.Name)
	}

	targetTable, err := t.group.Table(c.TargetTable)
	if err != nil {
		return NilObjKey, err
	}
	newKey, err := targetTable.CreateObject()
	if err != nil {
		return NilObjKey, err
	}

	parent, err := t.Object(parentKey)
	if err != nil {
		return NilObjKey, err
	}
	cs := NewCascadeState(t.group)
	if err := parent.setLinkRaw(col, c, newKey, cs); err != nil {
		return NilObjKey, err
	}
	// Replacing an existing embedded target erases it immediately, the
	// same way a user-driven SetLink's caller drains its CascadeState
	// once the triggering operation completes.
	if err := cs.Drain(); err != nil {
		return NilObjKey, err
	}
	return newKey, nil
}

func (t *Table) defaultColumnValue(colIdx int) uint64 {
	col := t.record.Spec.Columns[colIdx]
	if col.hasRefs() {
		return uint64(NilRef)
	}
	if col.Kind == valuekind.KindLink {
		k := NilObjKey
		return uint64(k)
	}
	return 0
}

// Contains reports whether key identifies a live row.
func (t *Table) Contains(key ObjKey) bool { return t.clusterTree.Contains(key) }

// Object returns an accessor for key, or a StorageError(ErrKeyNotFound).
func (t *Table) Object(key ObjKey) (*Object, error) {
	if !t.clusterTree.Contains(key) {
		return nil, storageErrf(ErrKeyNotFound, t.Name(), nil, "%v", key)
	}
	return newObject(t, key), nil
}

// EraseObject removes key's row from every column leaf and the key
// vector, then cascades strong-link/embedded-object erasure via cs (see
// CascadeState, §4.3/§4.4).
func (t *Table) EraseObject(key ObjKey, cs *CascadeState) error {
	if !t.group.writable {
		panic("tdb: EraseObject called on a read transaction")
	}
	obj, err := t.Object(key)
	if err != nil {
		return err
	}
	for i, col := range t.record.Spec.Columns {
		if col.IsBacklink || !col.Kind.IsLink() {
			continue
		}
		obj.enqueueOutgoingLinks(i, cs)
	}
	t.removeFromAllIndexes(obj)
	t.clusterTree.Erase(key)
	t.markDirty()
	if t.group.recorder != nil {
		t.group.recorder.RecordErase(t.Name(), key)
	}
	return nil
}

func (t *Table) removeFromAllIndexes(obj *Object) {
	for i, col := range t.record.Spec.Columns {
		if !col.Indexed {
			continue
		}
		idx, err := t.index(i)
		if err != nil {
			continue
		}
		vk := obj.indexKeyFor(i)
		if vk != nil {
			_ = idx.Remove(vk, obj.key)
		}
	}
}

// index lazily opens (creating if needed) the search index for column i.
func (t *Table) index(i int) (*SearchIndex, error) {
	if t.indexes == nil {
		t.indexes = make(map[int]*SearchIndex)
	}
	if idx, ok := t.indexes[i]; ok {
		return idx, nil
	}
	col := t.record.Spec.Columns[i]
	idx, err := OpenSearchIndex(t.group.bolt, t.Name(), col.Name)
	if err != nil {
		return nil, err
	}
	t.indexes[i] = idx
	return idx, nil
}

// AddSearchIndex marks column name as indexed and backfills the index
// from every existing row.
func (t *Table) AddSearchIndex(name string) error {
	i := t.record.Spec.ColumnIndex(name)
	if i < 0 {
		return storageErrf(ErrColumnIndexOutOfRange, t.Name(), nil, "unknown column %q", name)
	}
	if t.record.Spec.Columns[i].Indexed {
		return nil
	}
	t.record.Spec.Columns[i].Indexed = true
	idx, err := t.index(i)
	if err != nil {
		return err
	}
	var backfillErr error
	t.clusterTree.ForEachCluster(func(cl *Cluster) {
		for row := 0; row < cl.Size(); row++ {
			key := cl.KeyAt(row)
			obj, err := t.Object(key)
			if err != nil {
				backfillErr = err
				return
			}
			vk := obj.indexKeyFor(i)
			if vk != nil {
				if err := idx.Add(vk, key); err != nil {
					backfillErr = err
				}
			}
		}
	})
	t.markDirty()
	if t.group.recorder != nil {
		t.group.recorder.RecordSchemaChange("add_search_index " + t.Name() + "." + name)
	}
	return backfillErr
}

// RemoveSearchIndex drops column name's index.
func (t *Table) RemoveSearchIndex(name string) error {
	i := t.record.Spec.ColumnIndex(name)
	if i < 0 {
		return storageErrf(ErrColumnIndexOutOfRange, t.Name(), nil, "unknown column %q", name)
	}
	t.record.Spec.Columns[i].Indexed = false
	if idx, ok := t.indexes[i]; ok {
		delete(t.indexes, i)
		if err := idx.Drop(); err != nil {
			return err
		}
	}
	t.markDirty()
	if t.group.recorder != nil {
		t.group.recorder.RecordSchemaChange("remove_search_index " + t.Name() + "." + name)
	}
	return nil
}

// FindByIndexedValue returns every ObjKey whose column name holds value,
// encoded the same way Object.indexKeyFor encodes it for the index.
func (t *Table) FindByIndexedValue(name string, valueKey []byte) ([]ObjKey, error) {
	i := t.record.Spec.ColumnIndex(name)
	if i < 0 {
		return nil, storageErrf(ErrColumnIndexOutOfRange, t.Name(), nil, "unknown column %q", name)
	}
	if !t.record.Spec.Columns[i].Indexed {
		return nil, storageErrf(ErrSchemaMismatch, t.Name(), nil, "column %q is not indexed", name)
	}
	idx, err := t.index(i)
	if err != nil {
		return nil, err
	}
	return idx.Lookup(valueKey)
}

// ForEach visits every live ObjKey in ascending order.
func (t *Table) ForEach(fn func(key ObjKey)) {
	t.clusterTree.ForEachCluster(func(cl *Cluster) {
		for row := 0; row < cl.Size(); row++ {
			fn(cl.KeyAt(row))
		}
	})
}
