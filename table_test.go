package tdb

import (
	"testing"

	"github.com/coldcore/tdb/valuekind"
)

// embeddedSpec builds a Parent table whose Child column only accepts
// objects created through Table.CreateLinkedObject.
func embeddedSpec() Spec {
	s := Spec{TableName: "Parent"}
	s.AddColumn(Column{
		Name: "Child", Kind: valuekind.KindLink,
		TargetTable: "Child", BacklinkColumn: 0,
		StrongLink: true, Embedded: true,
	})
	return s
}

func childSpec() Spec {
	s := Spec{TableName: "Child"}
	s.AddColumn(Column{Name: "ParentOf", Kind: valuekind.KindLinkList, IsBacklink: true})
	s.AddColumn(Column{Name: "Value"})
	return s
}

func TestTableCreateLinkedObjectCreatesAndLinksChild(t *testing.T) {
	g := newTestGroup(t)
	if _, err := g.CreateTable(childSpec()); err != nil {
		t.Fatalf("CreateTable Child: %v", err)
	}
	parentTbl, err := g.CreateTable(embeddedSpec())
	if err != nil {
		t.Fatalf("CreateTable Parent: %v", err)
	}
	parentKey, err := parentTbl.CreateObject()
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}

	childKey, err := parentTbl.CreateLinkedObject(parentKey, 0)
	if err != nil {
		t.Fatalf("CreateLinkedObject: %v", err)
	}

	childTbl, err := g.Table("Child")
	if err != nil {
		t.Fatalf("Table Child: %v", err)
	}
	if !childTbl.Contains(childKey) {
		t.Fatalf("expected the new child to exist")
	}
	parentObj, err := parentTbl.Object(parentKey)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}
	got, err := parentObj.GetLink(0)
	if err != nil {
		t.Fatalf("GetLink: %v", err)
	}
	if got != childKey {
		t.Fatalf("GetLink = %v, want %v", got, childKey)
	}
}

func TestTableCreateLinkedObjectReplacesAndErasesOldChild(t *testing.T) {
	g := newTestGroup(t)
	if _, err := g.CreateTable(childSpec()); err != nil {
		t.Fatalf("CreateTable Child: %v", err)
	}
	parentTbl, err := g.CreateTable(embeddedSpec())
	if err != nil {
		t.Fatalf("CreateTable Parent: %v", err)
	}
	parentKey, _ := parentTbl.CreateObject()

	firstChild, err := parentTbl.CreateLinkedObject(parentKey, 0)
	if err != nil {
		t.Fatalf("CreateLinkedObject (first): %v", err)
	}
	secondChild, err := parentTbl.CreateLinkedObject(parentKey, 0)
	if err != nil {
		t.Fatalf("CreateLinkedObject (second): %v", err)
	}

	childTbl, err := g.Table("Child")
	if err != nil {
		t.Fatalf("Table Child: %v", err)
	}
	if childTbl.Contains(firstChild) {
		t.Fatalf("expected the first embedded child to be cascaded away once replaced")
	}
	if !childTbl.Contains(secondChild) {
		t.Fatalf("expected the second embedded child to survive")
	}
}

func TestTableSetLinkRejectsDirectLinkOnEmbeddedColumn(t *testing.T) {
	g := newTestGroup(t)
	if _, err := g.CreateTable(childSpec()); err != nil {
		t.Fatalf("CreateTable Child: %v", err)
	}
	childTbl, err := g.Table("Child")
	if err != nil {
		t.Fatalf("Table Child: %v", err)
	}
	existingChild, err := childTbl.CreateObject()
	if err != nil {
		t.Fatalf("CreateObject Child: %v", err)
	}

	parentTbl, err := g.CreateTable(embeddedSpec())
	if err != nil {
		t.Fatalf("CreateTable Parent: %v", err)
	}
	parentKey, _ := parentTbl.CreateObject()
	parentObj, err := parentTbl.Object(parentKey)
	if err != nil {
		t.Fatalf("Object: %v", err)
	}

	cs := NewCascadeState(g)
	if err := parentObj.SetLink(0, existingChild, cs); err == nil {
		t.Fatalf("expected SetLink to reject a direct link to an existing object on an Embedded column")
	}
}

func TestTableCreateContainsAndErase(t *testing.T) {
	g := newTestGroup(t)
	tbl, err := g.CreateTable(personSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	k1, _ := tbl.CreateObject()
	k2, _ := tbl.CreateObject()
	if !tbl.Contains(k1) || !tbl.Contains(k2) {
		t.Fatalf("expected both keys to be present")
	}
	if tbl.Size() != 2 {
		t.Fatalf("size = %d, want 2", tbl.Size())
	}

	cs := NewCascadeState(g)
	if err := tbl.EraseObject(k1, cs); err != nil {
		t.Fatalf("EraseObject: %v", err)
	}
	if err := cs.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if tbl.Contains(k1) {
		t.Fatalf("expected k1 erased")
	}
	if !tbl.Contains(k2) {
		t.Fatalf("expected k2 to survive")
	}
}

func TestTableObjectScalarRoundtrip(t *testing.T) {
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
	if err := obj.SetInt64(1, 42); err != nil {
		t.Fatalf("SetInt64: %v", err)
	}
	v, err := obj.GetInt64(1)
	if err != nil {
		t.Fatalf("GetInt64: %v", err)
	}
	if v != 42 {
		t.Fatalf("GetInt64 = %d, want 42", v)
	}
}

func TestTableForEachOrdersByKey(t *testing.T) {
	g := newTestGroup(t)
	tbl, err := g.CreateTable(personSpec())
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := tbl.CreateObject(); err != nil {
			t.Fatalf("CreateObject: %v", err)
		}
	}
	var seen []ObjKey
	tbl.ForEach(func(key ObjKey) { seen = append(seen, key) })
	if len(seen) != 20 {
		t.Fatalf("visited %d objects, want 20", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if !seen[i-1].Less(seen[i]) {
			t.Fatalf("keys out of order at %d: %v >= %v", i, seen[i-1], seen[i])
		}
	}
}
