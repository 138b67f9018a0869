package tdb

import "fmt"

// Ref is an opaque 8-byte-aligned file offset. Zero means "none".
// §3 Ref: "opaque 64-bit offset into the file; always 8-byte aligned;
// zero means 'none'".
type Ref uint64

// NilRef is the "no ref" sentinel.
const NilRef Ref = 0

// alignment all refs and allocations must satisfy.
const refAlign = 8

func (r Ref) IsNil() bool { return r == NilRef }

func (r Ref) String() string {
	if r == NilRef {
		return "<nil-ref>"
	}
	return fmt.Sprintf("ref:%#x", uint64(r))
}

func alignUp(n int) int {
	return (n + refAlign - 1) &^ (refAlign - 1)
}

func isAligned(r Ref) bool {
	return uint64(r)%refAlign == 0
}
