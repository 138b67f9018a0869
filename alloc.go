package tdb

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/coldcore/tdb/mmap"
)

// File layout per §6: a fixed header at offset 0, followed by an
// 8-byte-aligned sequence of Array blocks and free regions. Refs are byte
// offsets from file start.
const (
	fileMagic        = "T-DB"
	fileFormatVersion = 1
	fileHeaderSize   = 64
	topRefSlotCount  = 2 // two slots for atomic swap
)

// AllocatorOptions configures Open.
type AllocatorOptions struct {
	// DisableSyncToDisk skips fsync on commit (§6 disable_sync_to_disk);
	// safe only for throwaway/test files.
	DisableSyncToDisk bool
	Logger            *slog.Logger
}

// freeRegion is one entry in a version's free list (§4.1 "each committed
// version owns two arrays, positions and sizes").
type freeRegion struct {
	pos  Ref
	size uint32
}

// Allocator translates refs to memory, allocates new refs during a write
// transaction, and retires refs at commit. See §4.1.
type Allocator struct {
	mu sync.Mutex

	file     *os.File
	path     string
	noSync   bool
	logger   *slog.Logger

	mapping  []byte // mapped read-only region covering [0, mappedSize)
	mappedSize int64

	// slab is the writable, append-only region for the in-progress write
	// transaction. slabBase is its file offset.
	slab     []byte
	slabBase Ref
	writing  bool

	topRefSlot  int   // which of the two header slots holds the current top ref
	curVersion  uint64
	curTopRef   Ref

	// freeLists[v] holds regions freed by the commit that produced version v.
	freeLists map[uint64][]freeRegion
	// pendingFree accumulates Free() calls made during the in-progress write
	// transaction; flushed into freeLists on Commit.
	pendingFree []freeRegion

	// reuse pool: regions whose freeing version is no newer than the oldest
	// live reader's version, and so may be handed back out by Alloc.
	reusable []freeRegion

	liveReaders    map[uint64]int // version -> count of open read transactions
	minLiveVersion uint64
}

// OpenAllocator creates or opens the page file at path.
func OpenAllocator(path string, opt AllocatorOptions) (*Allocator, error) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("tdb: open %s: %w", path, err)
	}

	a := &Allocator{
		file:        f,
		path:        path,
		noSync:      opt.DisableSyncToDisk,
		logger:      logger,
		freeLists:   make(map[uint64][]freeRegion),
		liveReaders: make(map[uint64]int),
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if st.Size() == 0 {
		if err := a.initEmptyFile(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if err := a.loadHeader(); err != nil {
			f.Close()
			return nil, err
		}
	}

	if err := a.remap(); err != nil {
		f.Close()
		return nil, err
	}

	return a, nil
}

func (a *Allocator) initEmptyFile() error {
	buf := make([]byte, fileHeaderSize)
	copy(buf[0:4], fileMagic)
	binary.BigEndian.PutUint32(buf[4:8], fileFormatVersion)
	// Top ref slot 0 starts out NilRef: no tables directory array has been
	// allocated yet. Group creates one lazily on the first write.
	binary.BigEndian.PutUint64(buf[16:24], uint64(NilRef))
	binary.BigEndian.PutUint64(buf[24:32], 0) // version stamp for slot 0
	if _, err := a.file.WriteAt(buf, 0); err != nil {
		return err
	}
	a.curTopRef = NilRef
	a.curVersion = 0
	a.topRefSlot = 0
	return a.file.Truncate(fileHeaderSize)
}

func (a *Allocator) loadHeader() error {
	buf := make([]byte, fileHeaderSize)
	if _, err := a.file.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("tdb: read header: %w", err)
	}
	if string(buf[0:4]) != fileMagic {
		return &StorageError{Kind: ErrFileCorrupt, Msg: "bad magic"}
	}
	if ver := binary.BigEndian.Uint32(buf[4:8]); ver != fileFormatVersion {
		return &StorageError{Kind: ErrFileCorrupt, Msg: fmt.Sprintf("unsupported format version %d", ver)}
	}

	// Two top-ref slots at offsets 16 and 32: {ref:8, version:8} each.
	// The slot with the higher version wins.
	ref0 := Ref(binary.BigEndian.Uint64(buf[16:24]))
	ver0 := binary.BigEndian.Uint64(buf[24:32])
	ref1 := Ref(binary.BigEndian.Uint64(buf[32:40]))
	ver1 := binary.BigEndian.Uint64(buf[40:48])

	if ver1 > ver0 {
		a.curTopRef, a.curVersion, a.topRefSlot = ref1, ver1, 1
	} else {
		a.curTopRef, a.curVersion, a.topRefSlot = ref0, ver0, 0
	}
	return nil
}

func (a *Allocator) remap() error {
	st, err := a.file.Stat()
	if err != nil {
		return err
	}
	size := st.Size()
	if size == 0 {
		size = fileHeaderSize
	}
	if a.mapping != nil {
		if err := mmap.Munmap(a.mapping); err != nil {
			return err
		}
	}
	m, err := mmap.Mmap(a.file, 0, int(size), 0)
	if err != nil {
		return err
	}
	a.mapping = m
	a.mappedSize = size
	return nil
}

// Translate returns the memory range addressed by ref, sourcing it from
// either the mapped read-only region or the in-progress writable slab.
// Total over live refs within the current snapshot, per §4.1.
func (a *Allocator) Translate(ref Ref) []byte {
	off := int64(ref)
	if off >= int64(a.slabBase) && a.slab != nil {
		rel := off - int64(a.slabBase)
		if rel < 0 || rel >= int64(len(a.slab)) {
			panic(fmt.Errorf("tdb: ref %v outside slab [%v,%v)", ref, a.slabBase, int64(a.slabBase)+int64(len(a.slab))))
		}
		return a.slab[rel:]
	}
	if off < 0 || off >= a.mappedSize {
		panic(fmt.Errorf("tdb: ref %v outside file [0,%v)", ref, a.mappedSize))
	}
	return a.mapping[off:]
}

// BeginWrite opens the writable slab appended after the currently mapped
// region. Only callable while holding the process-wide writer lock.
func (a *Allocator) BeginWrite() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writing = true
	a.slabBase = Ref(a.mappedSize)
	a.slab = a.slab[:0]
	a.pendingFree = a.pendingFree[:0]
}

// Alloc returns an 8-byte-aligned ref with at least size writable bytes.
// Only callable inside a write transaction (§4.1).
func (a *Allocator) Alloc(size int) Ref {
	if !a.writing {
		panic("tdb: Alloc called outside a write transaction")
	}
	size = alignUp(size)

	a.mu.Lock()
	for i, r := range a.reusable {
		if int(r.size) >= size {
			a.reusable[i] = a.reusable[len(a.reusable)-1]
			a.reusable = a.reusable[:len(a.reusable)-1]
			a.mu.Unlock()
			return r.pos
		}
	}
	a.mu.Unlock()

	off := len(a.slab)
	// pad for alignment relative to slabBase
	pad := alignUp(int(a.slabBase)+off) - (int(a.slabBase) + off)
	if pad > 0 {
		a.slab = append(a.slab, make([]byte, pad)...)
		off += pad
	}
	a.slab = append(a.slab, make([]byte, size)...)
	return a.slabBase + Ref(off)
}

// Free marks a previously allocated region as reclaimable at a future
// version. Actual reuse waits until no reader holds a version that could
// still observe it (§4.1).
func (a *Allocator) Free(ref Ref, size int) {
	if !a.writing {
		panic("tdb: Free called outside a write transaction")
	}
	a.pendingFree = append(a.pendingFree, freeRegion{pos: ref, size: uint32(alignUp(size))})
}

// Commit atomically installs a new top ref, fsyncing unless sync-to-disk
// is disabled, and returns the new version number.
func (a *Allocator) Commit(topRef Ref) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.writing {
		panic("tdb: Commit called outside a write transaction")
	}

	newVersion := a.curVersion + 1
	newSize := int64(a.slabBase) + int64(len(a.slab))

	if err := a.file.Truncate(newSize); err != nil {
		return 0, &StorageError{Kind: ErrOutOfDisk, Err: err, Msg: "growing file"}
	}
	if len(a.slab) > 0 {
		if _, err := a.file.WriteAt(a.slab, int64(a.slabBase)); err != nil {
			return 0, &StorageError{Kind: ErrOutOfDisk, Err: err, Msg: "writing slab"}
		}
	}
	if !a.noSync {
		if err := a.file.Sync(); err != nil {
			return 0, err
		}
	}

	nextSlot := 1 - a.topRefSlot
	if err := a.writeTopRefSlot(nextSlot, topRef, newVersion); err != nil {
		return 0, err
	}
	if !a.noSync {
		if err := a.file.Sync(); err != nil {
			return 0, err
		}
	}

	a.freeLists[newVersion] = append([]freeRegion(nil), a.pendingFree...)
	a.pendingFree = a.pendingFree[:0]

	a.curTopRef = topRef
	a.curVersion = newVersion
	a.topRefSlot = nextSlot
	a.writing = false
	a.slab = nil

	if err := a.remap(); err != nil {
		return 0, err
	}

	a.recomputeMinLiveVersion()
	a.reclaimEligible()

	return newVersion, nil
}

func (a *Allocator) writeTopRefSlot(slot int, ref Ref, version uint64) error {
	off := int64(16 + slot*16)
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(ref))
	binary.BigEndian.PutUint64(buf[8:16], version)
	_, err := a.file.WriteAt(buf, off)
	return err
}

// AcquireReadVersion registers a new reader on the current version,
// keeping its pages alive until ReleaseReadVersion is called.
func (a *Allocator) AcquireReadVersion() uint64 {
	ver, _ := a.AcquireReadSnapshot()
	return ver
}

// AcquireReadSnapshot registers a new reader and returns the version it
// is pinned to together with that version's top ref, read atomically
// under a.mu. Callers that need both values (e.g. to open a Group at the
// pinned topRef) must use this instead of calling AcquireReadVersion and
// TopRef separately: a writer's Commit can run between two such calls
// and advance curTopRef/curVersion together, so a reader that read them
// one at a time could pin protection for the old version while actually
// opening the new one, letting a later reclaim free pages it still reads.
func (a *Allocator) AcquireReadSnapshot() (ver uint64, topRef Ref) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ver = a.curVersion
	topRef = a.curTopRef
	a.liveReaders[ver]++
	return ver, topRef
}

// ReleaseReadVersion unregisters a reader, potentially advancing the
// minimum live version and making older freed regions reusable.
func (a *Allocator) ReleaseReadVersion(v uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.liveReaders[v]--
	if a.liveReaders[v] <= 0 {
		delete(a.liveReaders, v)
	}
	a.recomputeMinLiveVersion()
	a.reclaimEligible()
}

func (a *Allocator) recomputeMinLiveVersion() {
	min := a.curVersion
	for v := range a.liveReaders {
		if v < min {
			min = v
		}
	}
	a.minLiveVersion = min
}

// reclaimEligible moves free-list entries whose freeing version is no
// newer than the oldest live reader's version (minLiveVersion, which is
// curVersion when there are no readers) into the reusable pool. Must be called
// with a.mu held.
func (a *Allocator) reclaimEligible() {
	for v, regions := range a.freeLists {
		if v <= a.minLiveVersion {
			a.reusable = append(a.reusable, regions...)
			delete(a.freeLists, v)
		}
	}
}

func (a *Allocator) CurrentVersion() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.curVersion
}

func (a *Allocator) TopRef() Ref {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.curTopRef
}

func (a *Allocator) Close() error {
	if a.mapping != nil {
		_ = mmap.Munmap(a.mapping)
	}
	return a.file.Close()
}
