package tdb

import "fmt"

// ObjKey is a signed 62-bit stable identifier for an object within a
// table. The top two bits are reserved: bit 61 marks an "unresolved"
// tombstone key (a link to an object not yet received by sync), per §3.
//
// ObjKey is unique within a Table for its entire lifetime and is never
// reused after erase.
type ObjKey int64

const (
	objKeyUnresolvedBit = int64(1) << 61
	objKeyValueMask      = objKeyUnresolvedBit - 1
)

// NilObjKey is the sentinel for "no object" (e.g. an unset link column).
const NilObjKey ObjKey = -1

// IsUnresolved reports whether this key is a tombstone standing in for an
// object not yet received from the sync server.
func (k ObjKey) IsUnresolved() bool {
	return int64(k)&objKeyUnresolvedBit != 0
}

// Unresolved returns the unresolved-tombstone form of k.
func (k ObjKey) Unresolved() ObjKey {
	return ObjKey(int64(k) | objKeyUnresolvedBit)
}

// Resolved returns the resolved (plain) form of k, i.e. with the
// unresolved bit cleared.
func (k ObjKey) Resolved() ObjKey {
	return ObjKey(int64(k) &^ objKeyUnresolvedBit)
}

// Value returns the 61-bit payload, independent of the unresolved bit,
// used for ordering keys regardless of resolution state.
func (k ObjKey) Value() int64 {
	return int64(k) & objKeyValueMask
}

func (k ObjKey) IsNil() bool { return k == NilObjKey }

func (k ObjKey) String() string {
	if k.IsNil() {
		return "<nil-key>"
	}
	if k.IsUnresolved() {
		return fmt.Sprintf("ObjKey(%d,unresolved)", k.Value())
	}
	return fmt.Sprintf("ObjKey(%d)", k.Value())
}

// Less orders keys by their 61-bit value, ignoring the unresolved bit, so
// that a cluster's key vector stays strictly ascending regardless of
// whether individual entries are tombstones.
func (k ObjKey) Less(other ObjKey) bool {
	return k.Value() < other.Value()
}
