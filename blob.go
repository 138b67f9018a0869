package tdb

import "encoding/binary"

// Blobs hold opaque variable-length byte payloads addressed by Ref:
// string/binary/decimal128 column cells, and serialized table records.
// Leaf encoding for individual scalar types is out of scope (§1); a blob
// is just a length-prefixed byte range, replaced wholesale on write
// rather than packed/offset-adjusted in place.
const blobLengthPrefix = 4

func storeBlob(alloc *Allocator, data []byte) Ref {
	ref := alloc.Alloc(blobLengthPrefix + len(data))
	buf := alloc.Translate(ref)
	binary.BigEndian.PutUint32(buf[0:blobLengthPrefix], uint32(len(data)))
	copy(buf[blobLengthPrefix:], data)
	return ref
}

func loadBlob(alloc *Allocator, ref Ref) []byte {
	if ref.IsNil() {
		return nil
	}
	buf := alloc.Translate(ref)
	n := binary.BigEndian.Uint32(buf[0:blobLengthPrefix])
	out := make([]byte, n)
	copy(out, buf[blobLengthPrefix:blobLengthPrefix+int(n)])
	return out
}

func blobSize(data []byte) int { return blobLengthPrefix + len(data) }

// freeBlob frees a blob previously written with storeBlob, given the byte
// length it was created with.
func freeBlob(alloc *Allocator, ref Ref, dataLen int) {
	if ref.IsNil() {
		return
	}
	alloc.Free(ref, blobLengthPrefix+dataLen)
}

// replaceBlob frees the old blob (if any) and stores data as a new one,
// the blob-level analogue of an Array's copy-on-write.
func replaceBlob(alloc *Allocator, oldRef Ref, oldLen int, data []byte) Ref {
	freeBlob(alloc, oldRef, oldLen)
	return storeBlob(alloc, data)
}
