package tdb

import "testing"

// TestApplyChangesetReplaysCreateSetLinkEraseOps builds a changeset by
// driving the regular Table/Object API with a recorder attached (the
// same path Transaction.Commit uses to persist a history entry), then
// replays the captured bytes against a fresh group via ApplyChangeset
// and checks the result matches.
func TestApplyChangesetReplaysCreateSetLinkEraseOps(t *testing.T) {
	src := newTestGroup(t)
	src.recorder = &changesetBuilder{}
	srcTbl, err := src.CreateTable(personLinkSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	a, err := srcTbl.CreateObject()
	if err != nil {
		t.Fatalf("CreateObject a: %v", err)
	}
	b, err := srcTbl.CreateObject()
	if err != nil {
		t.Fatalf("CreateObject b: %v", err)
	}
	objA, err := srcTbl.Object(a)
	if err != nil {
		t.Fatalf("Object a: %v", err)
	}
	if err := objA.SetInt64(0, 42); err != nil {
		t.Fatalf("SetInt64: %v", err)
	}
	cs := NewCascadeState(src)
	if err := objA.SetLink(1, b, cs); err != nil {
		t.Fatalf("SetLink: %v", err)
	}
	if err := cs.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	data, err := src.recorder.Bytes()
	if err != nil {
		t.Fatalf("recorder.Bytes: %v", err)
	}

	// The destination already has the matching schema -- schema-change
	// ops are applied out of band, not replayed from a remote changeset.
	dst := newTestGroup(t)
	if _, err := dst.CreateTable(personLinkSpec()); err != nil {
		t.Fatalf("CreateTable on dst: %v", err)
	}

	tx := &Transaction{group: dst, writable: true}
	if err := ApplyChangeset(tx, data); err != nil {
		t.Fatalf("ApplyChangeset: %v", err)
	}

	dstTbl, err := dst.Table("Person")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if !dstTbl.Contains(a) || !dstTbl.Contains(b) {
		t.Fatalf("expected both a and b to be replayed")
	}
	dstObjA, err := dstTbl.Object(a)
	if err != nil {
		t.Fatalf("Object a: %v", err)
	}
	v, err := dstObjA.GetInt64(0)
	if err != nil {
		t.Fatalf("GetInt64: %v", err)
	}
	if v != 42 {
		t.Fatalf("GetInt64 = %d, want 42", v)
	}
	link, err := dstObjA.GetLink(1)
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	if link != b {
		t.Fatalf("GetLink = %v, want %v", link, b)
	}
	if backlinkCount(dstTbl, b, 2) != 1 {
		t.Fatalf("expected replayed link to maintain b's backlink count")
	}
}

func TestApplyChangesetReplaysErase(t *testing.T) {
	src := newTestGroup(t)
	src.recorder = &changesetBuilder{}
	srcTbl, err := src.CreateTable(personSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	key, err := srcTbl.CreateObject()
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}

	data1, err := src.recorder.Bytes()
	if err != nil {
		t.Fatalf("recorder.Bytes: %v", err)
	}

	src.recorder = &changesetBuilder{}
	cs := NewCascadeState(src)
	if err := srcTbl.EraseObject(key, cs); err != nil {
		t.Fatalf("EraseObject: %v", err)
	}
	if err := cs.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	data2, err := src.recorder.Bytes()
	if err != nil {
		t.Fatalf("recorder.Bytes: %v", err)
	}

	dst := newTestGroup(t)
	if _, err := dst.CreateTable(personSpec()); err != nil {
		t.Fatalf("CreateTable on dst: %v", err)
	}
	tx := &Transaction{group: dst, writable: true}
	if err := ApplyChangeset(tx, data1); err != nil {
		t.Fatalf("ApplyChangeset create: %v", err)
	}
	if err := ApplyChangeset(tx, data2); err != nil {
		t.Fatalf("ApplyChangeset erase: %v", err)
	}

	dstTbl, err := dst.Table("Person")
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if dstTbl.Contains(key) {
		t.Fatalf("expected replayed erase to remove the object")
	}
}
