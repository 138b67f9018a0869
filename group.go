package tdb

import (
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// tableRecord is the persisted, serialized form of one table's directory
// entry: its Spec plus the two pieces of mutable state a Table carries
// across commits (its ClusterTree root and its never-reused ObjKey
// counter). Serialized with msgpack, the same way the teacher's schema
// state would persist a small, infrequently-changing structured record.
type tableRecord struct {
	Name            string
	Spec            Spec
	ClusterTreeRoot uint64
	NextObjKey      int64
}

// Group is the top-level container of tables for one transaction's view
// of the database (§3 Group/Version, §4.7). Its root is a plain Array of
// refs, one per table, each pointing at a blob holding that table's
// msgpack-encoded tableRecord.
type Group struct {
	alloc    *Allocator
	bolt     *bbolt.DB
	writable bool

	dir     *Array // nil for a brand-new, still-empty group
	dirLens map[int]int
	byName  map[string]int
	tables  map[string]*Table

	recorder *changesetBuilder
}

// openGroup opens the group rooted at ref (NilRef for a fresh database).
func openGroup(alloc *Allocator, bolt *bbolt.DB, ref Ref, writable bool) *Group {
	g := &Group{
		alloc: alloc, bolt: bolt, writable: writable,
		dirLens: make(map[int]int), byName: make(map[string]int), tables: make(map[string]*Table),
	}
	if ref.IsNil() {
		return g
	}
	g.dir = OpenArray(alloc, ref, groupDirParent{g}, 0)
	for i := 0; i < g.dir.Size(); i++ {
		data := loadBlob(alloc, g.dir.GetRef(i))
		var rec tableRecord
		if err := msgpack.Unmarshal(data, &rec); err != nil {
			panic(&StorageError{Kind: ErrFileCorrupt, Msg: "decoding table directory entry: " + err.Error()})
		}
		g.dirLens[i] = len(data)
		g.byName[rec.Name] = i
	}
	return g
}

// groupDirParent lets the directory Array's own COW/growth propagate back
// into g.dir without g needing to be an ArrayParent implementation for
// itself directly (g.dir field would otherwise go stale).
type groupDirParent struct{ g *Group }

func (p groupDirParent) GetChildRef(int) Ref { return p.g.dir.Ref() }
func (p groupDirParent) UpdateChildRef(_ int, newRef Ref) {
	p.g.dir = OpenArray(p.g.alloc, newRef, groupDirParent{p.g}, 0)
}

func (g *Group) ensureDir() *Array {
	if g.dir == nil {
		g.dir = NewArray(g.alloc, true, false, false, groupDirParent{g}, 0)
	}
	return g.dir
}

// Ref returns the group's current root ref, suitable for Allocator.Commit.
func (g *Group) Ref() Ref {
	if g.dir == nil {
		return NilRef
	}
	return g.dir.Ref()
}

// TableNames lists every table in the group.
func (g *Group) TableNames() []string {
	names := make([]string, 0, len(g.byName))
	for name := range g.byName {
		names = append(names, name)
	}
	return names
}

func (g *Group) HasTable(name string) bool {
	_, ok := g.byName[name]
	return ok
}

// CreateTable adds a new, empty table with the given spec.
func (g *Group) CreateTable(spec Spec) (*Table, error) {
	if !g.writable {
		panic("tdb: CreateTable called on a read transaction")
	}
	if g.HasTable(spec.TableName) {
		return nil, storageErrf(ErrSchemaMismatch, spec.TableName, nil, "table already exists")
	}
	ct := NewClusterTree(g.alloc, spec.columnKinds(), nil, 0)
	rec := tableRecord{Name: spec.TableName, Spec: spec, ClusterTreeRoot: uint64(ct.Ref()), NextObjKey: 0}
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, err
	}
	dir := g.ensureDir()
	idx := dir.Size()
	dir.Push(uint64(storeBlob(g.alloc, data)))
	g.dirLens[idx] = len(data)
	g.byName[spec.TableName] = idx

	tbl := &Table{group: g, dirSlot: idx, record: rec, clusterTree: ct}
	g.tables[spec.TableName] = tbl
	if g.recorder != nil {
		g.recorder.RecordSchemaChange("create_table " + spec.TableName)
	}
	return tbl, nil
}

// Table opens (or returns the cached handle for) an existing table.
func (g *Group) Table(name string) (*Table, error) {
	if t, ok := g.tables[name]; ok {
		return t, nil
	}
	idx, ok := g.byName[name]
	if !ok {
		return nil, storageErrf(ErrSchemaMismatch, name, nil, "table not found")
	}
	data := loadBlob(g.alloc, g.dir.GetRef(idx))
	var rec tableRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	ct := OpenClusterTree(g.alloc, Ref(rec.ClusterTreeRoot), rec.Spec.columnKinds(), nil, 0)
	tbl := &Table{group: g, dirSlot: idx, record: rec, clusterTree: ct}
	g.tables[name] = tbl
	return tbl, nil
}

// flush persists every dirty table's current ClusterTree root and
// NextObjKey counter into the directory, ahead of Allocator.Commit.
// Called once per write transaction.
func (g *Group) flush() {
	for _, tbl := range g.tables {
		if !tbl.dirty {
			continue
		}
		tbl.record.ClusterTreeRoot = uint64(tbl.clusterTree.Ref())
		data, err := msgpack.Marshal(&tbl.record)
		ensure(err)
		dir := g.ensureDir()
		oldRef := dir.GetRef(tbl.dirSlot)
		newRef := replaceBlob(g.alloc, oldRef, g.dirLens[tbl.dirSlot], data)
		dir.SetRef(tbl.dirSlot, newRef)
		g.dirLens[tbl.dirSlot] = len(data)
		tbl.dirty = false
	}
}
