package tdb

import "testing"

func encodeOps(t *testing.T, ops []changesetOp) []byte {
	t.Helper()
	b := &changesetBuilder{ops: ops}
	data, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	return data
}

func TestCompactChangesetsCollapsesRepeatedSetOnSameColumn(t *testing.T) {
	chunk1 := encodeOps(t, []changesetOp{
		{Op: "set", Table: "Person", Key: 1, Col: 0, Value: 10},
	})
	chunk2 := encodeOps(t, []changesetOp{
		{Op: "set", Table: "Person", Key: 1, Col: 0, Value: 20},
	})

	merged, err := CompactChangesets([][]byte{chunk1, chunk2})
	if err != nil {
		t.Fatalf("CompactChangesets: %v", err)
	}
	ops, err := decodeChangesetOps(merged)
	if err != nil {
		t.Fatalf("decodeChangesetOps: %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("compacted ops = %d, want 1 (only the last set should survive)", len(ops))
	}
	if ops[0].Value != 20 {
		t.Fatalf("surviving op.Value = %d, want 20", ops[0].Value)
	}
}

func TestCompactChangesetsCancelsCreateThenErase(t *testing.T) {
	chunk1 := encodeOps(t, []changesetOp{
		{Op: "create", Table: "Person", Key: 1},
		{Op: "set", Table: "Person", Key: 1, Col: 0, Value: 5},
	})
	chunk2 := encodeOps(t, []changesetOp{
		{Op: "erase", Table: "Person", Key: 1},
	})

	merged, err := CompactChangesets([][]byte{chunk1, chunk2})
	if err != nil {
		t.Fatalf("CompactChangesets: %v", err)
	}
	ops, err := decodeChangesetOps(merged)
	if err != nil {
		t.Fatalf("decodeChangesetOps: %v", err)
	}
	if len(ops) != 0 {
		t.Fatalf("expected a created-then-erased object to leave no ops, got %+v", ops)
	}
}

func TestCompactChangesetsLeavesUnrelatedObjectsAlone(t *testing.T) {
	chunk := encodeOps(t, []changesetOp{
		{Op: "create", Table: "Person", Key: 1},
		{Op: "create", Table: "Person", Key: 2},
		{Op: "erase", Table: "Person", Key: 1},
	})

	merged, err := CompactChangesets([][]byte{chunk})
	if err != nil {
		t.Fatalf("CompactChangesets: %v", err)
	}
	ops, err := decodeChangesetOps(merged)
	if err != nil {
		t.Fatalf("decodeChangesetOps: %v", err)
	}
	if len(ops) != 1 || ops[0].Key != 2 {
		t.Fatalf("expected only key 2's create to survive, got %+v", ops)
	}
}
