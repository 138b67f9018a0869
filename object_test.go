package tdb

import (
	"testing"
	"time"

	"github.com/coldcore/tdb/valuekind"
)

func timestampSpec() Spec {
	s := Spec{TableName: "Event"}
	s.AddColumn(Column{Name: "At", Kind: valuekind.KindTimestamp})
	return s
}

func TestObjectGetSetTimeRoundtrip(t *testing.T) {
	g := newTestGroup(t)
	tbl, err := g.CreateTable(timestampSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	key, err := tbl.CreateObject()
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	obj, err := tbl.Object(key)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}

	want := time.Date(2026, 8, 6, 12, 30, 0, 0, time.UTC)
	if err := obj.SetTime(0, want); err != nil {
		t.Fatalf("SetTime: %v", err)
	}
	got, err := obj.GetTime(0)
	if err != nil {
		t.Fatalf("GetTime: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("GetTime = %v, want %v", got, want)
	}
}

func TestObjectSetTimeRejectsNonTimestampColumn(t *testing.T) {
	g := newTestGroup(t)
	tbl, err := g.CreateTable(personSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	key, _ := tbl.CreateObject()
	obj, err := tbl.Object(key)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	if err := obj.SetTime(1, time.Now()); err == nil {
		t.Fatalf("expected SetTime on a plain int column to fail")
	}
}

// personLinkSpec builds a self-referential Person table: column 0 is a
// plain int64, column 1 is a strong link to another Person, column 2 is
// the matching backlink list.
func personLinkSpec() Spec {
	s := Spec{TableName: "Person"}
	s.AddColumn(Column{Name: "Age"})
	s.AddColumn(Column{
		Name: "BestFriend", Kind: valuekind.KindLink,
		TargetTable: "Person", BacklinkColumn: 2, StrongLink: true,
	})
	s.AddColumn(Column{Name: "BestFriendOf", Kind: valuekind.KindLinkList, IsBacklink: true})
	return s
}

func TestObjectSetLinkMaintainsBacklink(t *testing.T) {
	g := newTestGroup(t)
	tbl, err := g.CreateTable(personLinkSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	a, _ := tbl.CreateObject()
	b, _ := tbl.CreateObject()

	objA, err := tbl.Object(a)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	cs := NewCascadeState(g)
	if err := objA.SetLink(1, b, cs); err != nil {
		t.Fatalf("SetLink: %v", err)
	}

	if backlinkCount(tbl, b, 2) != 1 {
		t.Fatalf("expected b to have 1 backlink, got %d", backlinkCount(tbl, b, 2))
	}
	got, err := objA.GetLink(1)
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	if got != b {
		t.Fatalf("GetLink = %v, want %v", got, b)
	}
}

func TestObjectSetLinkCascadesStrongLinkLoss(t *testing.T) {
	g := newTestGroup(t)
	tbl, err := g.CreateTable(personLinkSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	a, _ := tbl.CreateObject()
	b, _ := tbl.CreateObject()
	c, _ := tbl.CreateObject()

	objA, _ := tbl.Object(a)
	cs := NewCascadeState(g)
	if err := objA.SetLink(1, b, cs); err != nil {
		t.Fatalf("SetLink a->b: %v", err)
	}
	// Re-pointing a's only strong link from b to c should enqueue b for
	// cascade erasure once b's last backlink disappears.
	if err := objA.SetLink(1, c, cs); err != nil {
		t.Fatalf("SetLink a->c: %v", err)
	}
	if err := cs.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if tbl.Contains(b) {
		t.Fatalf("expected b to be cascaded away after losing its last strong backlink")
	}
	if !tbl.Contains(c) {
		t.Fatalf("expected c to survive")
	}
}

func TestObjectEraseCascadesOutgoingStrongLink(t *testing.T) {
	g := newTestGroup(t)
	tbl, err := g.CreateTable(personLinkSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	a, _ := tbl.CreateObject()
	b, _ := tbl.CreateObject()

	objA, _ := tbl.Object(a)
	cs := NewCascadeState(g)
	if err := objA.SetLink(1, b, cs); err != nil {
		t.Fatalf("SetLink: %v", err)
	}
	if err := cs.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	cs2 := NewCascadeState(g)
	if err := tbl.EraseObject(a, cs2); err != nil {
		t.Fatalf("EraseObject a: %v", err)
	}
	if err := cs2.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if tbl.Contains(b) {
		t.Fatalf("expected b cascaded away once a (its only strong backlink source) was erased")
	}
}
