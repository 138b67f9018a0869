package tdb

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Array header (8 bytes), bit-exact per §6:
//
//	is_inner_node:1, has_refs:1, context:1, width_scheme:2, width_bits:3,
//	size:24, capacity:24, checksum:8
const arrayHeaderSize = 8

// widthTable maps the 3-bit width_bits header field to an actual
// per-element bit width.
var widthTable = [8]int{0, 1, 2, 4, 8, 16, 32, 64}

func widthBitsIndex(width int) int {
	for i, w := range widthTable {
		if w == width {
			return i
		}
	}
	panic(fmt.Errorf("tdb: invalid array width %d", width))
}

type arrayHeader struct {
	isInnerNode bool
	hasRefs     bool
	context     bool
	widthScheme uint8
	width       int
	size        uint32
	capacity    uint32
	checksum    uint8
}

func decodeArrayHeader(buf []byte) arrayHeader {
	b0 := buf[0]
	return arrayHeader{
		isInnerNode: b0&0x80 != 0,
		hasRefs:     b0&0x40 != 0,
		context:     b0&0x20 != 0,
		widthScheme: (b0 >> 3) & 0x3,
		width:       widthTable[b0&0x7],
		size:        uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]),
		capacity:    uint32(buf[4])<<16 | uint32(buf[5])<<8 | uint32(buf[6]),
		checksum:    buf[7],
	}
}

func encodeArrayHeader(buf []byte, h arrayHeader) {
	var b0 byte
	if h.isInnerNode {
		b0 |= 0x80
	}
	if h.hasRefs {
		b0 |= 0x40
	}
	if h.context {
		b0 |= 0x20
	}
	b0 |= (h.widthScheme & 0x3) << 3
	b0 |= byte(widthBitsIndex(h.width))
	buf[0] = b0
	buf[1] = byte(h.size >> 16)
	buf[2] = byte(h.size >> 8)
	buf[3] = byte(h.size)
	buf[4] = byte(h.capacity >> 16)
	buf[5] = byte(h.capacity >> 8)
	buf[6] = byte(h.capacity)
	buf[7] = h.checksum
}

func checksumPayload(payload []byte) uint8 {
	return uint8(xxhash.Sum64(payload))
}

// payloadBytes returns how many bytes of payload a capacity/width pair
// needs, rounded up to a whole byte.
func payloadBytes(capacity, width int) int {
	bits := capacity * width
	return (bits + 7) / 8
}

// ArrayParent lets a child array ask its parent to replace its ref after
// a copy-on-write or a capacity-growing reallocation, per Design Notes §9
// ("pass a (parent_handle, child_slot) pair ... no back-pointer storage").
type ArrayParent interface {
	GetChildRef(slot int) Ref
	UpdateChildRef(slot int, newRef Ref)
}

// Array is the flat, width-packed, header-tagged leaf node described in
// §3/§4.2. It backs every list and every cluster column, and is also used
// as the payload of B+-tree inner nodes (has_refs=true, is_inner_node=true).
type Array struct {
	alloc *Allocator
	ref   Ref

	parent ArrayParent
	slot   int
}

// OpenArray wraps an existing ref as an Array, without parsing the header
// eagerly (every accessor re-reads the header, since a mapped array's
// header can't change underneath a read transaction but cached fields
// would go stale across writes).
func OpenArray(alloc *Allocator, ref Ref, parent ArrayParent, slot int) *Array {
	return &Array{alloc: alloc, ref: ref, parent: parent, slot: slot}
}

// NewArray allocates a fresh, empty array leaf.
func NewArray(alloc *Allocator, hasRefs, isInnerNode, context bool, parent ArrayParent, slot int) *Array {
	const initialCap = 8
	width := 0
	if hasRefs {
		width = 64
	}
	ref := alloc.Alloc(arrayHeaderSize + payloadBytes(initialCap, width))
	buf := alloc.Translate(ref)
	encodeArrayHeader(buf, arrayHeader{
		isInnerNode: isInnerNode,
		hasRefs:     hasRefs,
		context:     context,
		width:       width,
		size:        0,
		capacity:    initialCap,
	})
	a := &Array{alloc: alloc, ref: ref, parent: parent, slot: slot}
	a.updateChecksum()
	return a
}

func (a *Array) Ref() Ref { return a.ref }

// GetChildRef/UpdateChildRef let an Array serve as the ArrayParent for a
// child array whose ref is stored at one of its own element slots (e.g. a
// B+-tree inner node's children/sizes arrays, or a cluster's column
// leaves), without any back-pointer storage.
func (a *Array) GetChildRef(slot int) Ref   { return a.GetRef(slot) }
func (a *Array) UpdateChildRef(slot int, newRef Ref) { a.SetRef(slot, newRef) }

func (a *Array) header() arrayHeader {
	return decodeArrayHeader(a.alloc.Translate(a.ref))
}

func (a *Array) Size() int        { return int(a.header().size) }
func (a *Array) Capacity() int    { return int(a.header().capacity) }
func (a *Array) IsInnerNode() bool { return a.header().isInnerNode }
func (a *Array) HasRefs() bool    { return a.header().hasRefs }
func (a *Array) Context() bool    { return a.header().context }

func (a *Array) SetContext(v bool) {
	a.ensureWritable()
	buf := a.alloc.Translate(a.ref)
	h := decodeArrayHeader(buf)
	h.context = v
	encodeArrayHeader(buf, h)
	a.updateChecksum()
}

func (a *Array) payload() []byte {
	h := a.header()
	buf := a.alloc.Translate(a.ref)
	return buf[arrayHeaderSize : arrayHeaderSize+payloadBytes(int(h.capacity), h.width)]
}

// Get returns the raw scalar/ref value at index i.
func (a *Array) Get(i int) uint64 {
	h := a.header()
	if i < 0 || uint32(i) >= h.size {
		panic(fmt.Errorf("tdb: array index %d out of range [0,%d)", i, h.size))
	}
	return getBits(a.payload(), h.width, i)
}

// GetRef returns the value at index i interpreted as a Ref (only valid
// when HasRefs is true).
func (a *Array) GetRef(i int) Ref { return Ref(a.Get(i)) }

// Set stores v at index i, widening the array first if v doesn't fit the
// current packing width.
func (a *Array) Set(i int, v uint64) {
	h := a.header()
	if i < 0 || uint32(i) >= h.size {
		panic(fmt.Errorf("tdb: array index %d out of range [0,%d)", i, h.size))
	}
	a.ensureWidthFor(v)
	a.ensureWritable()
	h = a.header()
	setBits(a.payload(), h.width, i, v)
	a.updateChecksum()
}

func (a *Array) SetRef(i int, r Ref) { a.Set(i, uint64(r)) }

// Push appends a value at the end.
func (a *Array) Push(v uint64) { a.Insert(a.Size(), v) }

// Insert inserts v at index i, shifting subsequent elements right.
func (a *Array) Insert(i int, v uint64) {
	h := a.header()
	if i < 0 || uint32(i) > h.size {
		panic(fmt.Errorf("tdb: array insert index %d out of range [0,%d]", i, h.size))
	}
	a.ensureWidthFor(v)
	a.ensureCapacity(int(a.header().size) + 1)
	a.ensureWritable()

	h = a.header()
	buf := a.payload()
	for j := int(h.size); j > i; j-- {
		setBits(buf, h.width, j, getBits(buf, h.width, j-1))
	}
	setBits(buf, h.width, i, v)
	h.size++
	a.setHeader(h)
	a.updateChecksum()
}

// Erase removes the element at index i, shifting subsequent elements left.
func (a *Array) Erase(i int) {
	h := a.header()
	if i < 0 || uint32(i) >= h.size {
		panic(fmt.Errorf("tdb: array erase index %d out of range [0,%d)", i, h.size))
	}
	a.ensureWritable()
	h = a.header()
	buf := a.payload()
	for j := i; j < int(h.size)-1; j++ {
		setBits(buf, h.width, j, getBits(buf, h.width, j+1))
	}
	h.size--
	a.setHeader(h)
	a.updateChecksum()
}

// Clear empties the array without changing its capacity.
func (a *Array) Clear() {
	a.ensureWritable()
	h := a.header()
	h.size = 0
	a.setHeader(h)
	a.updateChecksum()
}

// Slice returns a copy of the values in [lo,hi).
func (a *Array) Slice(lo, hi int) []uint64 {
	h := a.header()
	if lo < 0 || hi > int(h.size) || lo > hi {
		panic(fmt.Errorf("tdb: array slice [%d,%d) out of range [0,%d]", lo, hi, h.size))
	}
	buf := a.payload()
	out := make([]uint64, hi-lo)
	for j := lo; j < hi; j++ {
		out[j-lo] = getBits(buf, h.width, j)
	}
	return out
}

// Adjust adds delta to every element in [lo,hi). Used by offset vectors
// in variable-width blobs to shift suffixes on insert/delete (§4.2).
func (a *Array) Adjust(lo, hi int, delta int64) {
	h := a.header()
	if lo < 0 || hi > int(h.size) || lo > hi {
		panic(fmt.Errorf("tdb: array adjust [%d,%d) out of range [0,%d]", lo, hi, h.size))
	}
	var maxVal uint64
	buf := a.payload()
	for j := lo; j < hi; j++ {
		nv := int64(getBits(buf, h.width, j)) + delta
		if nv < 0 {
			panic(fmt.Errorf("tdb: array adjust produced negative value"))
		}
		if uint64(nv) > maxVal {
			maxVal = uint64(nv)
		}
	}
	a.ensureWidthFor(maxVal)
	a.ensureWritable()
	h = a.header()
	buf = a.payload()
	for j := lo; j < hi; j++ {
		nv := int64(getBits(buf, h.width, j)) + delta
		setBits(buf, h.width, j, uint64(nv))
	}
	a.updateChecksum()
}

// Destroy frees this array's storage at the allocator, for use once the
// array is no longer reachable from any live version (e.g. after a
// cascade erase).
func (a *Array) Destroy() {
	h := a.header()
	a.alloc.Free(a.ref, arrayHeaderSize+payloadBytes(int(h.capacity), h.width))
}

func (a *Array) setHeader(h arrayHeader) {
	buf := a.alloc.Translate(a.ref)
	encodeArrayHeader(buf, h)
}

func (a *Array) updateChecksum() {
	h := a.header()
	buf := a.alloc.Translate(a.ref)
	cs := checksumPayload(buf[arrayHeaderSize : arrayHeaderSize+payloadBytes(int(h.capacity), h.width)])
	buf[7] = cs
}

// Validate reports a corrupted array (bad checksum), per §7 "corruption
// (bad header, ref outside file) -> fatal".
func (a *Array) Validate() error {
	h := a.header()
	buf := a.alloc.Translate(a.ref)
	want := checksumPayload(buf[arrayHeaderSize : arrayHeaderSize+payloadBytes(int(h.capacity), h.width)])
	if want != h.checksum {
		return &StorageError{Kind: ErrFileCorrupt, Msg: fmt.Sprintf("array at %v: checksum mismatch", a.ref)}
	}
	if h.size > h.capacity {
		return &StorageError{Kind: ErrFileCorrupt, Msg: fmt.Sprintf("array at %v: size %d > capacity %d", a.ref, h.size, h.capacity)}
	}
	return nil
}

// ensureWidthFor grows the packing width if v doesn't fit the current one.
func (a *Array) ensureWidthFor(v uint64) {
	h := a.header()
	need := minWidthFor(v)
	if need <= h.width && h.width != 0 {
		return
	}
	if h.width == 0 && v == 0 {
		return
	}
	a.growWidth(need)
}

func minWidthFor(v uint64) int {
	for _, w := range widthTable[1:] {
		if w == 64 || v < uint64(1)<<uint(w) {
			return w
		}
	}
	return 64
}

// growWidth reallocates the array's payload at a wider per-element width,
// copying existing values across.
func (a *Array) growWidth(newWidth int) {
	h := a.header()
	old := a.Slice(0, int(h.size))
	newRef := a.alloc.Alloc(arrayHeaderSize + payloadBytes(int(h.capacity), newWidth))
	newBuf := a.alloc.Translate(newRef)
	encodeArrayHeader(newBuf, arrayHeader{
		isInnerNode: h.isInnerNode,
		hasRefs:     h.hasRefs,
		context:     h.context,
		width:       newWidth,
		size:        h.size,
		capacity:    h.capacity,
	})
	payload := newBuf[arrayHeaderSize : arrayHeaderSize+payloadBytes(int(h.capacity), newWidth)]
	for i, v := range old {
		setBits(payload, newWidth, i, v)
	}
	a.alloc.Free(a.ref, arrayHeaderSize+payloadBytes(int(h.capacity), h.width))
	a.ref = newRef
	if a.parent != nil {
		a.parent.UpdateChildRef(a.slot, newRef)
	}
	a.updateChecksum()
}

// ensureCapacity grows the array's capacity (doubling) if it can't hold
// minSize elements yet.
func (a *Array) ensureCapacity(minSize int) {
	h := a.header()
	if minSize <= int(h.capacity) {
		return
	}
	newCap := int(h.capacity) * 2
	if newCap < 8 {
		newCap = 8
	}
	for newCap < minSize {
		newCap *= 2
	}
	old := a.Slice(0, int(h.size))
	newRef := a.alloc.Alloc(arrayHeaderSize + payloadBytes(newCap, h.width))
	newBuf := a.alloc.Translate(newRef)
	encodeArrayHeader(newBuf, arrayHeader{
		isInnerNode: h.isInnerNode,
		hasRefs:     h.hasRefs,
		context:     h.context,
		width:       h.width,
		size:        h.size,
		capacity:    uint32(newCap),
	})
	payload := newBuf[arrayHeaderSize : arrayHeaderSize+payloadBytes(newCap, h.width)]
	for i, v := range old {
		setBits(payload, h.width, i, v)
	}
	a.alloc.Free(a.ref, arrayHeaderSize+payloadBytes(int(h.capacity), h.width))
	a.ref = newRef
	if a.parent != nil {
		a.parent.UpdateChildRef(a.slot, newRef)
	}
	a.updateChecksum()
}

// ensureWritable performs copy-on-write if this array's current storage
// lies in the read-only mapped region rather than the in-progress slab.
func (a *Array) ensureWritable() {
	if uint64(a.ref) >= uint64(a.alloc.slabBase) {
		return // already in the writable slab
	}
	h := a.header()
	size := arrayHeaderSize + payloadBytes(int(h.capacity), h.width)
	newRef := a.alloc.Alloc(size)
	copy(a.alloc.Translate(newRef), a.alloc.Translate(a.ref)[:size])
	a.ref = newRef
	if a.parent != nil {
		a.parent.UpdateChildRef(a.slot, newRef)
	}
}

// getBits/setBits read/write a packed bitfield of the given width at
// logical index i; elements of 8 bits or more are stored little-endian
// across bytes.
func getBits(buf []byte, width, i int) uint64 {
	if width == 0 {
		return 0
	}
	if width == 64 {
		off := i * 8
		var v uint64
		for b := 0; b < 8; b++ {
			v |= uint64(buf[off+b]) << (8 * b)
		}
		return v
	}
	if width >= 8 {
		nbytes := width / 8
		off := i * nbytes
		var v uint64
		for b := 0; b < nbytes; b++ {
			v |= uint64(buf[off+b]) << (8 * b)
		}
		return v
	}
	bitOff := i * width
	byteOff := bitOff / 8
	bitShift := uint(bitOff % 8)
	mask := uint64(1)<<uint(width) - 1
	return (uint64(buf[byteOff]) >> bitShift) & mask
}

func setBits(buf []byte, width, i int, v uint64) {
	if width == 0 {
		return
	}
	if width == 64 {
		off := i * 8
		for b := 0; b < 8; b++ {
			buf[off+b] = byte(v >> (8 * b))
		}
		return
	}
	if width >= 8 {
		nbytes := width / 8
		off := i * nbytes
		for b := 0; b < nbytes; b++ {
			buf[off+b] = byte(v >> (8 * b))
		}
		return
	}
	bitOff := i * width
	byteOff := bitOff / 8
	bitShift := uint(bitOff % 8)
	mask := uint64(1)<<uint(width) - 1
	cleared := uint64(buf[byteOff]) &^ (mask << bitShift)
	buf[byteOff] = byte(cleared | ((v & mask) << bitShift))
}
