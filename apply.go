package tdb

import (
	"fmt"

	"github.com/coldcore/tdb/valuekind"
)

// ApplyChangeset decodes data (as produced by changesetBuilder.Bytes, the
// format History persists) and replays every recorded op against tx via
// the same Object/Collection/Table API a user write uses (§4.9's
// "Integration of downloads" step 2: apply a remote changeset's
// instructions through the regular API, not a private bypass). Strong-
// link/embedded cascades discovered while replaying erase/link ops are
// drained once, after every op has applied, the same way a user-driven
// transaction drains its CascadeState.
func ApplyChangeset(tx *Transaction, data []byte) error {
	ops, err := decodeChangesetOps(data)
	if err != nil {
		return fmt.Errorf("tdb: decoding changeset: %w", err)
	}
	cs := NewCascadeState(tx.group)
	for _, op := range ops {
		if err := applyChangesetOp(tx, op, cs); err != nil {
			return fmt.Errorf("tdb: applying changeset op %q on %s: %w", op.Op, op.Table, err)
		}
	}
	return cs.Drain()
}

func applyChangesetOp(tx *Transaction, op changesetOp, cs *CascadeState) error {
	if op.Op == "schema" {
		// Schema changes (create_table, add/remove search index) are
		// applied out of band by the embedder that owns the schema, not
		// replayed from a remote changeset: §4.9's integration recipe
		// only names object-level instructions.
		return nil
	}

	tbl, err := tx.group.Table(op.Table)
	if err != nil {
		return err
	}
	key := ObjKey(op.Key)

	switch op.Op {
	case "create":
		_, err := tbl.CreateObjectWithKey(key)
		return err
	case "erase":
		if !tbl.Contains(key) {
			return nil // already erased locally, or by an earlier cascade step
		}
		return tbl.EraseObject(key, cs)
	case "set":
		return applySetOp(tbl, key, op)
	case "list":
		return applyListOp(tbl, key, op)
	case "link":
		return applyLinkOp(tbl, key, op, cs)
	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func applySetOp(tbl *Table, key ObjKey, op changesetOp) error {
	obj, err := tbl.Object(key)
	if err != nil {
		return err
	}
	if op.Bytes != nil {
		return obj.setBlob(op.Col, op.Bytes)
	}
	return obj.setScalarRaw(op.Col, op.Value)
}

func applyLinkOp(tbl *Table, key ObjKey, op changesetOp, cs *CascadeState) error {
	obj, err := tbl.Object(key)
	if err != nil {
		return err
	}
	return obj.SetLink(op.Col, ObjKey(op.Target), cs)
}

func applyListOp(tbl *Table, key ObjKey, op changesetOp) error {
	obj, err := tbl.Object(key)
	if err != nil {
		return err
	}
	col, err := tbl.Spec().column(op.Col)
	if err != nil {
		return err
	}
	if col.IsBacklink {
		// Backlink entries are rebuilt by replaying the forward "link" and
		// "erase" ops, so their recorded list ops are not applied again.
		return nil
	}
	if col.Kind == valuekind.KindLinkList {
		return applyLinkListOp(obj.LinkList(op.Col), op)
	}
	return applyInt64ListOp(obj.Int64List(op.Col), op)
}

func applyLinkListOp(lst *Lst[ObjKey], op changesetOp) error {
	switch op.Sub {
	case "insert":
		lst.Insert(op.Index, ObjKey(op.Value))
	case "set":
		lst.Set(op.Index, ObjKey(op.Value))
	case "erase":
		lst.Remove(op.Index)
	case "clear":
		LinkListClear(lst)
	default:
		return fmt.Errorf("unknown list sub-op %q", op.Sub)
	}
	return nil
}

func applyInt64ListOp(lst *Lst[int64], op changesetOp) error {
	switch op.Sub {
	case "insert":
		lst.Insert(op.Index, int64(op.Value))
	case "set":
		lst.Set(op.Index, int64(op.Value))
	case "erase":
		lst.Remove(op.Index)
	case "clear":
		lst.Clear()
	default:
		return fmt.Errorf("unknown list sub-op %q", op.Sub)
	}
	return nil
}
