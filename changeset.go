package tdb

import "github.com/vmihailenco/msgpack/v5"

// changesetOp is one observable mutation recorded into a commit's
// changeset (§4.8): object create/erase, column write, list/set/dict op,
// or link/backlink op. The binary instruction codec's individual opcode
// table is out of scope (§1) -- this is a compact, self-describing
// encoding good enough to drive sync upload and remote-changeset replay.
type changesetOp struct {
	Op     string // "create","erase","set","list","dict","link","schema"
	Table  string
	Key    int64
	Col    int    `msgpack:",omitempty"`
	Sub    string `msgpack:",omitempty"` // sub-operation: "insert","erase","set","clear",...
	Index  int    `msgpack:",omitempty"`
	Value  uint64 `msgpack:",omitempty"`
	Target int64  `msgpack:",omitempty"` // ObjKey for link ops
	Desc   string `msgpack:",omitempty"`
	// Bytes carries a "set" op's written content for variable-length
	// (string/binary) columns, in place of Value: the Ref a blob write
	// produces only resolves within this process's own page file, so it
	// cannot be replayed against a different file.
	Bytes []byte `msgpack:",omitempty"`
}

// changesetBuilder accumulates the ops produced by one write transaction.
// Transaction.Commit asks it for the final bytes to hand to History.
type changesetBuilder struct {
	ops []changesetOp
}

func (b *changesetBuilder) RecordCreate(table string, key ObjKey) {
	b.ops = append(b.ops, changesetOp{Op: "create", Table: table, Key: int64(key)})
}

func (b *changesetBuilder) RecordErase(table string, key ObjKey) {
	b.ops = append(b.ops, changesetOp{Op: "erase", Table: table, Key: int64(key)})
}

func (b *changesetBuilder) RecordSet(table string, key ObjKey, col int, value uint64) {
	b.ops = append(b.ops, changesetOp{Op: "set", Table: table, Key: int64(key), Col: col, Value: value})
}

func (b *changesetBuilder) RecordSetBlob(table string, key ObjKey, col int, data []byte) {
	b.ops = append(b.ops, changesetOp{Op: "set", Table: table, Key: int64(key), Col: col, Bytes: append([]byte(nil), data...)})
}

func (b *changesetBuilder) RecordCollectionOp(table string, key ObjKey, col int, sub string, index int, value uint64) {
	b.ops = append(b.ops, changesetOp{Op: "list", Table: table, Key: int64(key), Col: col, Sub: sub, Index: index, Value: value})
}

func (b *changesetBuilder) RecordLinkOp(table string, key ObjKey, col int, target ObjKey) {
	b.ops = append(b.ops, changesetOp{Op: "link", Table: table, Key: int64(key), Col: col, Target: int64(target)})
}

func (b *changesetBuilder) RecordSchemaChange(desc string) {
	b.ops = append(b.ops, changesetOp{Op: "schema", Desc: desc})
}

func (b *changesetBuilder) IsEmpty() bool { return len(b.ops) == 0 }

func (b *changesetBuilder) Bytes() ([]byte, error) {
	return msgpack.Marshal(b.ops)
}

func decodeChangesetOps(data []byte) ([]changesetOp, error) {
	var ops []changesetOp
	if err := msgpack.Unmarshal(data, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// CompactChangesets decodes and concatenates chunks, in order, then
// collapses redundant instructions before re-encoding: a create later
// cancelled by an erase of the same (table, key) drops both, along with
// every op for that key in between, and a repeated "set"/"link" op on
// the same (table, key, col) keeps only the last one. List ops are left
// untouched -- collapsing an insert/erase-by-index sequence correctly
// would require replaying it, which defeats the point of compacting
// before upload. This is what a CompactFunc (sync.Session) calls to
// implement spec.md §6's upload compaction pass.
func CompactChangesets(chunks [][]byte) ([]byte, error) {
	var all []changesetOp
	for _, chunk := range chunks {
		ops, err := decodeChangesetOps(chunk)
		if err != nil {
			return nil, err
		}
		all = append(all, ops...)
	}
	return msgpack.Marshal(compactChangesetOps(all))
}

type changesetObjKey struct {
	table string
	key   int64
}

type changesetColKey struct {
	table string
	key   int64
	col   int
}

func compactChangesetOps(ops []changesetOp) []changesetOp {
	cancelled := make(map[int]bool)

	created := make(map[changesetObjKey]int)
	for i, op := range ops {
		k := changesetObjKey{op.Table, op.Key}
		switch op.Op {
		case "create":
			created[k] = i
		case "erase":
			if createIdx, ok := created[k]; ok {
				cancelled[createIdx] = true
				cancelled[i] = true
				delete(created, k)
				for j := createIdx + 1; j < i; j++ {
					if ops[j].Table == op.Table && ops[j].Key == op.Key {
						cancelled[j] = true
					}
				}
			}
		}
	}

	lastSet := make(map[changesetColKey]int)
	lastLink := make(map[changesetColKey]int)
	for i, op := range ops {
		if cancelled[i] {
			continue
		}
		k := changesetColKey{op.Table, op.Key, op.Col}
		switch op.Op {
		case "set":
			if prev, ok := lastSet[k]; ok {
				cancelled[prev] = true
			}
			lastSet[k] = i
		case "link":
			if prev, ok := lastLink[k]; ok {
				cancelled[prev] = true
			}
			lastLink[k] = i
		}
	}

	out := make([]changesetOp, 0, len(ops))
	for i, op := range ops {
		if !cancelled[i] {
			out = append(out, op)
		}
	}
	return out
}
