package tdb

import (
	"encoding/binary"
	"time"

	"github.com/coldcore/tdb/valuekind"
)

var (
	int64Converter   = valuekind.IntConverter[int64]()
	float64Converter = valuekind.FloatConverter[float64]()
)

// Object is a versioned handle to one row, identified by ObjKey (§4.5).
// Every accessor re-resolves through the table's current ClusterTree on
// each call rather than caching a (cluster, row, version) triple: lookups
// are O(log N) against an in-memory-mapped tree, so the caching the
// teacher's own heavier encoding layer would do to dodge a page fault
// isn't worth the staleness bookkeeping here.
type Object struct {
	table *Table
	key   ObjKey
}

func newObject(t *Table, key ObjKey) *Object { return &Object{table: t, key: key} }

func (o *Object) Key() ObjKey { return o.key }
func (o *Object) Table() *Table { return o.table }

func (o *Object) resolve() (cl *Cluster, row int) {
	cl, row, found := o.table.clusterTree.Find(o.key)
	if !found {
		panic(&StorageError{Kind: ErrKeyNotFound, Table: o.table.Name(), Msg: o.key.String()})
	}
	return cl, row
}

func (o *Object) column(i int) (Column, error) { return o.table.record.Spec.column(i) }

// GetScalar returns column i's raw packed uint64, valid for any
// fixed-width (non-ref) kind.
func (o *Object) GetScalar(i int) (uint64, error) {
	col, err := o.column(i)
	if err != nil {
		return 0, err
	}
	if col.hasRefs() {
		return 0, storageErrf(ErrCollectionTypeMismatch, o.table.Name(), nil, "column %q is not a scalar", col.Name)
	}
	cl, row := o.resolve()
	return cl.ColumnLeaf(i).Get(row), nil
}

func (o *Object) GetInt64(i int) (int64, error) {
	v, err := o.GetScalar(i)
	return int64Converter.ScalarToValue(v), err
}

func (o *Object) GetBool(i int) (bool, error) {
	v, err := o.GetScalar(i)
	return v != 0, err
}

func (o *Object) GetFloat64(i int) (float64, error) {
	v, err := o.GetScalar(i)
	return float64Converter.ScalarToValue(v), err
}

// GetTime returns a KindTimestamp column's value.
func (o *Object) GetTime(i int) (time.Time, error) {
	col, err := o.column(i)
	if err != nil {
		return time.Time{}, err
	}
	if col.Kind != valuekind.KindTimestamp {
		return time.Time{}, storageErrf(ErrCollectionTypeMismatch, o.table.Name(), nil, "column %q is not a timestamp", col.Name)
	}
	v, err := o.GetScalar(i)
	return valuekind.Uint64ToTime(v), err
}

// GetLink returns the ObjKey stored in a KindLink column, which may be
// NilObjKey (unset) or an unresolved tombstone awaiting sync resolution.
func (o *Object) GetLink(i int) (ObjKey, error) {
	col, err := o.column(i)
	if err != nil {
		return NilObjKey, err
	}
	if col.Kind != valuekind.KindLink {
		return NilObjKey, storageErrf(ErrCollectionTypeMismatch, o.table.Name(), nil, "column %q is not a link", col.Name)
	}
	cl, row := o.resolve()
	return ObjKey(cl.ColumnLeaf(i).Get(row)), nil
}

func (o *Object) GetString(i int) (string, error) {
	b, err := o.getBlob(i)
	return string(b), err
}

func (o *Object) GetBinary(i int) ([]byte, error) { return o.getBlob(i) }

func (o *Object) getBlob(i int) ([]byte, error) {
	col, err := o.column(i)
	if err != nil {
		return nil, err
	}
	if col.IsList || col.IsSet || col.IsDictionary {
		return nil, storageErrf(ErrCollectionTypeMismatch, o.table.Name(), nil, "column %q is a collection", col.Name)
	}
	cl, row := o.resolve()
	return loadBlob(o.table.group.alloc, cl.ColumnLeaf(i).GetRef(row)), nil
}

// setScalarRaw performs the §4.5 set<T> sequence for a fixed-width,
// non-link column: validate, write, record.
func (o *Object) setScalarRaw(i int, v uint64) error {
	col, err := o.column(i)
	if err != nil {
		return err
	}
	if col.hasRefs() || col.Kind.IsLink() {
		return storageErrf(ErrCollectionTypeMismatch, o.table.Name(), nil, "column %q is not a plain scalar", col.Name)
	}
	cl, row := o.resolve()
	cl.ColumnLeaf(i).Set(row, v)
	o.afterWrite(i, v)
	return nil
}

func (o *Object) SetInt64(i int, v int64) error {
	return o.setScalarRaw(i, int64Converter.ValueToScalar(v))
}
func (o *Object) SetBool(i int, v bool) error {
	var u uint64
	if v {
		u = 1
	}
	return o.setScalarRaw(i, u)
}
func (o *Object) SetFloat64(i int, v float64) error {
	return o.setScalarRaw(i, float64Converter.ValueToScalar(v))
}

// SetTime writes t into a KindTimestamp column.
func (o *Object) SetTime(i int, t time.Time) error {
	col, err := o.column(i)
	if err != nil {
		return err
	}
	if col.Kind != valuekind.KindTimestamp {
		return storageErrf(ErrCollectionTypeMismatch, o.table.Name(), nil, "column %q is not a timestamp", col.Name)
	}
	return o.setScalarRaw(i, valuekind.TimeToUint64(t))
}

func (o *Object) SetString(i int, v string) error { return o.setBlob(i, []byte(v)) }
func (o *Object) SetBinary(i int, v []byte) error { return o.setBlob(i, v) }

func (o *Object) setBlob(i int, data []byte) error {
	col, err := o.column(i)
	if err != nil {
		return err
	}
	if col.IsList || col.IsSet || col.IsDictionary {
		return storageErrf(ErrCollectionTypeMismatch, o.table.Name(), nil, "column %q is a collection", col.Name)
	}
	cl, row := o.resolve()
	leaf := cl.ColumnLeaf(i)
	oldRef := leaf.GetRef(row)
	oldLen := 0
	if !oldRef.IsNil() {
		oldLen = len(loadBlob(o.table.group.alloc, oldRef))
	}
	newRef := replaceBlob(o.table.group.alloc, oldRef, oldLen, data)
	leaf.SetRef(row, newRef)
	o.afterWriteBlob(i, data)
	return nil
}

// SetLink writes target into a KindLink column, updating backlinks on
// both the old and new target per §4.5 step 4, cascading erasure of the
// old target if it was the last strong backlink (§4.4), and enqueueing a
// cascade for embedded-object replacement. Embedded columns reject a
// direct link to an existing object: embedded targets may only come into
// existence via Table.CreateLinkedObject (§4.4(a)).
func (o *Object) SetLink(i int, target ObjKey, cs *CascadeState) error {
	col, err := o.column(i)
	if err != nil {
		return err
	}
	if col.Kind != valuekind.KindLink {
		return storageErrf(ErrCollectionTypeMismatch, o.table.Name(), nil, "column %q is not a link", col.Name)
	}
	if col.Embedded && !target.IsNil() {
		return storageErrf(ErrCollectionTypeMismatch, o.table.Name(), nil, "column %q is embedded; link it via Table.CreateLinkedObject", col.Name)
	}
	return o.setLinkRaw(i, col, target, cs)
}

// setLinkRaw performs the actual link write without the Embedded gate, so
// Table.CreateLinkedObject can establish the one link an embedded target
// is allowed to have.
func (o *Object) setLinkRaw(i int, col Column, target ObjKey, cs *CascadeState) error {
	cl, row := o.resolve()
	leaf := cl.ColumnLeaf(i)
	oldTarget := ObjKey(leaf.Get(row))

	targetTable, err := o.table.group.Table(col.TargetTable)
	if err != nil {
		return err
	}

	// Backlink mutation before the forward-link write (§4.5 ordering note).
	if !oldTarget.IsNil() {
		removeBacklink(targetTable, oldTarget, col.BacklinkColumn, o.key)
		if col.StrongLink && backlinkCount(targetTable, oldTarget, col.BacklinkColumn) == 0 {
			cs.Enqueue(targetTable.Name(), oldTarget)
		}
	}
	if !target.IsNil() {
		addBacklink(targetTable, target, col.BacklinkColumn, o.key)
	}

	leaf.Set(row, uint64(target))
	o.afterLinkWrite(i)
	if o.table.group.recorder != nil {
		o.table.group.recorder.RecordLinkOp(o.table.Name(), o.key, i, target)
	}
	return nil
}

// afterLinkWrite updates dirty/index bookkeeping for a link write without
// recording a redundant "set" changeset op -- RecordLinkOp already
// captures the mutation.
func (o *Object) afterLinkWrite(i int) {
	o.table.markDirty()
	col := o.table.record.Spec.Columns[i]
	if !col.Indexed {
		return
	}
	idx, err := o.table.index(i)
	if err != nil {
		return
	}
	vk := o.indexKeyFor(i)
	if vk != nil {
		_ = idx.Add(vk, o.key)
	}
}

// afterWriteBlob mirrors afterWrite for variable-length (string/binary)
// columns, recording the written bytes directly rather than the backing
// Ref -- a Ref is only meaningful within this process's page file, so a
// changeset destined for another file must carry the actual content.
func (o *Object) afterWriteBlob(i int, data []byte) {
	o.table.markDirty()
	if o.table.group.recorder != nil {
		o.table.group.recorder.RecordSetBlob(o.table.Name(), o.key, i, data)
	}
	col := o.table.record.Spec.Columns[i]
	if !col.Indexed {
		return
	}
	idx, err := o.table.index(i)
	if err != nil {
		return
	}
	vk := o.indexKeyFor(i)
	if vk != nil {
		_ = idx.Add(vk, o.key)
	}
}

// afterWrite bumps the replication log and, for indexed columns, the
// search index -- the tail of the §4.5 set<T> sequence.
func (o *Object) afterWrite(i int, rawValue uint64) {
	o.table.markDirty()
	if o.table.group.recorder != nil {
		o.table.group.recorder.RecordSet(o.table.Name(), o.key, i, rawValue)
	}
	col := o.table.record.Spec.Columns[i]
	if !col.Indexed {
		return
	}
	idx, err := o.table.index(i)
	if err != nil {
		return
	}
	vk := o.indexKeyFor(i)
	if vk != nil {
		_ = idx.Add(vk, o.key)
	}
}

// indexKeyFor builds the ordered index key bytes for column i's current
// value, or nil if the column isn't indexable in this simplified scheme.
func (o *Object) indexKeyFor(i int) []byte {
	col := o.table.record.Spec.Columns[i]
	cl, row := o.resolve()
	switch col.Kind {
	case valuekind.KindInt, valuekind.KindTimestamp, valuekind.KindBool:
		var buf [8]byte
		// Flip the sign bit so two's-complement ordering matches
		// unsigned byte-lexicographic ordering in the bbolt cursor.
		v := cl.ColumnLeaf(i).Get(row)
		binary.BigEndian.PutUint64(buf[:], v^(1<<63))
		return buf[:]
	case valuekind.KindFloat, valuekind.KindDouble:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], cl.ColumnLeaf(i).Get(row))
		return buf[:]
	case valuekind.KindString, valuekind.KindBinary:
		return loadBlob(o.table.group.alloc, cl.ColumnLeaf(i).GetRef(row))
	case valuekind.KindLink:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], cl.ColumnLeaf(i).Get(row))
		return buf[:]
	default:
		return nil
	}
}

// enqueueOutgoingLinks walks column i's link(s) and enqueues cascade work
// for any strong link or embedded object, as part of erasing this object.
func (o *Object) enqueueOutgoingLinks(i int, cs *CascadeState) {
	col := o.table.record.Spec.Columns[i]
	targetTable, err := o.table.group.Table(col.TargetTable)
	if err != nil {
		return
	}
	switch {
	case col.Kind == valuekind.KindLink:
		target, _ := o.GetLink(i)
		if target.IsNil() {
			return
		}
		removeBacklink(targetTable, target, col.BacklinkColumn, o.key)
		if col.StrongLink && backlinkCount(targetTable, target, col.BacklinkColumn) == 0 {
			cs.Enqueue(targetTable.Name(), target)
		}
	case col.Kind == valuekind.KindLinkList || col.IsList:
		lst := o.LinkList(i)
		if lst == nil {
			return
		}
		n := lst.tree.Size()
		for j := 0; j < n; j++ {
			target := lst.tree.Get(j)
			if target.IsNil() || target.IsUnresolved() {
				continue
			}
			removeBacklink(targetTable, target.Resolved(), col.BacklinkColumn, o.key)
			if col.StrongLink && backlinkCount(targetTable, target.Resolved(), col.BacklinkColumn) == 0 {
				cs.Enqueue(targetTable.Name(), target.Resolved())
			}
		}
	}
}
