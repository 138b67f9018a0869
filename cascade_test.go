package tdb

import "testing"

func TestCascadeStateEnqueueDedup(t *testing.T) {
	g := newTestGroup(t)
	cs := NewCascadeState(g)
	cs.Enqueue("Person", ObjKey(1))
	cs.Enqueue("Person", ObjKey(1))
	cs.Enqueue("Person", ObjKey(2))
	if len(cs.pending) != 2 {
		t.Fatalf("pending = %d, want 2 after deduping repeat enqueue", len(cs.pending))
	}
}

func TestCascadeStateDrainSkipsAlreadyErased(t *testing.T) {
	g := newTestGroup(t)
	tbl, err := g.CreateTable(personLinkSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	key, _ := tbl.CreateObject()

	cs := NewCascadeState(g)
	if err := tbl.EraseObject(key, cs); err != nil {
		t.Fatalf("EraseObject: %v", err)
	}
	// Queue the same key again after it's already gone; Drain must not
	// panic trying to re-resolve a row that no longer exists.
	cs.Enqueue("Person", key)
	if err := cs.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}
