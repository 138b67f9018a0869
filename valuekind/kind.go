// Package valuekind classifies the scalar and link column kinds a Table's
// Spec can hold, and the fixed packing width an Array leaf should use for
// each. Encoding of individual scalar types (how a Decimal128 or a UUID is
// laid out inside a leaf cell) stays an external collaborator per the
// storage spec; this package only carries the classification contract the
// Array and Spec types need.
package valuekind

// ValueKind identifies the shape of a column's values.
type ValueKind int

const (
	KindUnknown ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindDouble
	KindString
	KindBinary
	KindTimestamp
	KindDecimal128
	KindObjectID
	KindUUID
	KindLink     // single strong or plain link to another table's row
	KindLinkList // Lst[ObjKey]
	KindMixed    // heterogeneous list/dictionary element
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindBinary:
		return "binary"
	case KindTimestamp:
		return "timestamp"
	case KindDecimal128:
		return "decimal128"
	case KindObjectID:
		return "objectid"
	case KindUUID:
		return "uuid"
	case KindLink:
		return "link"
	case KindLinkList:
		return "linklist"
	case KindMixed:
		return "mixed"
	default:
		return "unknown"
	}
}

// IsRef reports whether values of this kind are stored as refs (variable
// width data, or link lists) rather than inline fixed-width scalars; a
// single KindLink stores its ObjKey inline.
func (k ValueKind) IsRef() bool {
	switch k {
	case KindString, KindBinary, KindDecimal128, KindLinkList, KindMixed:
		return true
	default:
		return false
	}
}

// FixedWidth returns the packed bit width for inline scalar kinds, or 0 if
// the kind has no single fixed width (refs, or variable-width payloads).
func (k ValueKind) FixedWidth() int {
	switch k {
	case KindBool:
		return 1
	case KindInt, KindFloat, KindDouble, KindTimestamp, KindLink:
		return 64
	case KindObjectID:
		return 96
	case KindUUID:
		return 128
	default:
		return 0
	}
}

// IsLink reports whether this kind references rows in another table.
func (k ValueKind) IsLink() bool {
	return k == KindLink || k == KindLinkList
}
