// Package history implements the append-only, crash-resistant log of
// committed changesets a DB keeps beside its page file, so sync sessions
// can upload local commits without replaying the live page file
// (spec.md §3, §4.8).
//
// Each entry carries the {version, origin_timestamp, origin_file_ident}
// triple spec.md requires alongside the changeset bytes it names.
//
// File format: segmentHeader (record)*
//
//   - segmentHeader = magic:64 version:8 reserved:8 flags:16 reserved:32 segmentOrdinal:32 timestamp:32 invariant:256 checksum:64 (little-endian)
//   - record = size:uvarint version:uvarint timestamp:uvarint fileIdent:uvarint changeset:bytes checksum:64
package history

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible  = fmt.Errorf("history: incompatible segment invariant")
	errCorruptedFile = fmt.Errorf("history: corrupted segment file")
)

// Entry is one committed changeset as recorded in the history log.
type Entry struct {
	Version         uint64
	OriginTimestamp uint32
	OriginFileIdent uint64
	Changeset       []byte
}

type Options struct {
	FileName    string // e.g. "hist-*.bin"
	MaxFileSize int64  // new segment after this size
	DebugName   string
	Now         func() time.Time
	Invariant   [32]byte // distinguishes incompatible schema/layout generations

	Logger *slog.Logger
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x59524f54534948 // "HISTORY" little-endian-ish, distinct from the teacher's journal magic
	version0 uint8 = 0
)

const segmentHeaderSize = 8 * 8

type segmentHeader struct {
	Magic          uint64
	Version        uint8
	_              uint8
	Flags          uint16
	_              uint32
	SegmentOrdinal uint32
	Timestamp      uint32
	Invariant      [32]byte
	Checksum       uint64
}

// History is a set of rotating segment files holding committed entries,
// in ascending version order across the whole set.
type History struct {
	maxFileSize    int64
	fileNamePrefix string
	fileNameSuffix string
	debugName      string
	dir            string
	now            func() time.Time
	logger         *slog.Logger
	invariant      [32]byte

	writeLock sync.Mutex
	writeErr  error
	writeSeg  uint32
	segWriter *segmentWriter
}

// Open prepares dir for appending: it deletes a last segment file whose
// header is corrupt, then continues the segment numbering after the last
// remaining one (or from the start if dir has none). The next Append
// starts a new segment file; existing files are not appended to.
func Open(dir string, o Options) (*History, error) {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	if o.DebugName == "" {
		o.DebugName = "history"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	h := &History{
		maxFileSize:    o.MaxFileSize,
		fileNamePrefix: prefix,
		fileNameSuffix: suffix,
		debugName:      o.DebugName,
		dir:            dir,
		now:            o.Now,
		invariant:      o.Invariant,
		logger:         o.Logger,
	}
	if err := h.prepareToWrite(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *History) now32() uint32 {
	v := h.now().Unix()
	if v < 0 || v > 0xFFFFFFFF {
		panic("history: clock out of representable range")
	}
	return uint32(v)
}

func (h *History) String() string { return h.debugName }

func (h *History) prepareToWrite() error {
	dirf, err := os.Open(h.dir)
	if err != nil {
		return err
	}
	defer dirf.Close()

	for {
		lastName := h.findLastFile(dirf)
		if lastName == "" {
			return nil
		}
		seq, _, err := parseSegmentName(h.trimFileName(lastName))
		if err != nil {
			return err
		}
		f, err := h.openFile(lastName, true)
		if err != nil {
			return err
		}
		var sh segmentHeader
		err = h.readSegmentHeader(f, &sh, seq)
		f.Close()
		if err == errCorruptedFile {
			h.logger.Warn("history: deleting corrupted segment", "file", lastName)
			if err := os.Remove(filepath.Join(h.dir, lastName)); err != nil {
				return fmt.Errorf("history: deleting corrupted segment: %w", err)
			}
			continue
		} else if err != nil {
			return err
		}
		h.writeSeg = sh.SegmentOrdinal
		return nil
	}
}

// Close finishes the current segment writer, if any.
func (h *History) Close() error {
	h.writeLock.Lock()
	defer h.writeLock.Unlock()
	if h.segWriter != nil {
		err := h.segWriter.close()
		h.segWriter = nil
		return err
	}
	return nil
}

func (h *History) fail(err error) error {
	if err == nil {
		return nil
	}
	h.logger.Error("history: write failed", "jrnl", h.debugName, "err", err)
	if h.segWriter != nil {
		h.segWriter.close()
		h.segWriter = nil
	}
	if h.writeErr == nil {
		h.writeErr = err
	}
	return err
}

func (h *History) trimFileName(name string) string {
	name = strings.TrimPrefix(name, h.fileNamePrefix)
	return strings.TrimSuffix(name, h.fileNameSuffix)
}

func (h *History) openFile(name string, writable bool) (*os.File, error) {
	fn := filepath.Join(h.dir, name)
	if writable {
		return os.OpenFile(fn, os.O_RDWR|os.O_CREATE, 0o666)
	}
	return os.Open(fn)
}

func (h *History) findLastFile(dirf fs.ReadDirFile) string {
	var lastName string
	for {
		ents, err := dirf.ReadDir(64)
		if len(ents) == 0 || err == io.EOF {
			break
		}
		for _, ent := range ents {
			if !ent.Type().IsRegular() {
				continue
			}
			name := ent.Name()
			if !strings.HasPrefix(name, h.fileNamePrefix) || !strings.HasSuffix(name, h.fileNameSuffix) {
				continue
			}
			if name > lastName {
				lastName = name
			}
		}
		if err != nil {
			break
		}
	}
	return lastName
}

// Append records one committed entry. Version must be monotonically
// increasing across the lifetime of the history log.
func (h *History) Append(e Entry) error {
	h.writeLock.Lock()
	defer h.writeLock.Unlock()

	if h.writeErr != nil {
		return h.writeErr
	}

	if h.segWriter != nil && h.segWriter.size >= h.maxFileSize {
		if err := h.segWriter.close(); err != nil {
			return h.fail(err)
		}
		h.segWriter = nil
	}
	if h.segWriter == nil {
		h.writeSeg++
		sw, err := startSegment(h, h.writeSeg, h.now32())
		if err != nil {
			return h.fail(err)
		}
		h.segWriter = sw
	}

	return h.fail(h.segWriter.writeEntry(e))
}

// ForEach replays every entry across every segment file in dir, in
// ascending segment-then-offset order. A corrupted or truncated record
// ends the replay of its own segment (without error) and replay goes on
// with the next segment; a segment with a corrupt header is skipped, and
// one written under a different Invariant returns ErrIncompatible.
func ForEach(dir string, opt Options, fn func(Entry) error) error {
	if opt.FileName == "" {
		opt.FileName = "*"
	}
	prefix, suffix, _ := strings.Cut(opt.FileName, "*")

	dirf, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer dirf.Close()

	var names []string
	for {
		ents, err := dirf.ReadDir(64)
		if len(ents) == 0 || err == io.EOF {
			break
		}
		for _, ent := range ents {
			name := ent.Name()
			if ent.Type().IsRegular() && strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) {
				names = append(names, name)
			}
		}
		if err != nil {
			break
		}
	}
	sortStrings(names)

	h := &History{fileNamePrefix: prefix, fileNameSuffix: suffix, dir: dir, invariant: opt.Invariant}
	for _, name := range names {
		seq, _, err := parseSegmentName(h.trimFileName(name))
		if err != nil {
			continue
		}
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		err = replaySegment(h, f, seq, fn)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func replaySegment(h *History, f *os.File, seq uint32, fn func(Entry) error) error {
	var sh segmentHeader
	if err := h.readSegmentHeader(f, &sh, seq); err != nil {
		if err == errCorruptedFile {
			return nil
		}
		return err
	}
	for {
		e, err := readEntry(f)
		if err == io.EOF || err == errCorruptedFile {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

func (h *History) readSegmentHeader(f *os.File, sh *segmentHeader, expectedSeq uint32) error {
	var buf [segmentHeaderSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return errCorruptedFile
	}
	if err := binary.Read(bytes.NewReader(buf[:]), binary.LittleEndian, sh); err != nil {
		return errCorruptedFile
	}
	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	if checksum != sh.Checksum || sh.Magic != magic || sh.SegmentOrdinal != expectedSeq {
		return errCorruptedFile
	}
	if sh.Version > version0 {
		return fmt.Errorf("history: unsupported segment version %d", sh.Version)
	}
	if sh.Invariant != h.invariant {
		return ErrIncompatible
	}
	return nil
}

type segmentWriter struct {
	f    *os.File
	seg  uint32
	size int64
}

func startSegment(h *History, seg uint32, ts uint32) (*segmentWriter, error) {
	name := formatSegmentName(h.fileNamePrefix, h.fileNameSuffix, seg, ts)
	f, err := h.openFile(name, true)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], h, seg, ts)
	if _, err := f.Write(hbuf[:]); err != nil {
		return nil, err
	}
	ok = true
	return &segmentWriter{f: f, seg: seg, size: segmentHeaderSize}, nil
}

func (sw *segmentWriter) close() error {
	if sw.f == nil {
		return nil
	}
	err := sw.f.Close()
	sw.f = nil
	return err
}

func (sw *segmentWriter) writeEntry(e Entry) error {
	var hbuf [4 * binary.MaxVarintLen64]byte
	b := hbuf[:0]
	b = binary.AppendUvarint(b, e.Version)
	b = binary.AppendUvarint(b, uint64(e.OriginTimestamp))
	b = binary.AppendUvarint(b, e.OriginFileIdent)

	body := make([]byte, 0, len(b)+len(e.Changeset))
	body = append(body, b...)
	body = append(body, e.Changeset...)

	var sizeBuf [binary.MaxVarintLen64]byte
	sizeField := binary.AppendUvarint(sizeBuf[:0], uint64(len(body)))

	hash := xxhash.New()
	hash.Write(sizeField)
	hash.Write(body)

	var checksum [8]byte
	binary.LittleEndian.PutUint64(checksum[:], hash.Sum64())

	for _, chunk := range [][]byte{sizeField, body, checksum[:]} {
		n, err := sw.f.Write(chunk)
		if err != nil {
			return err
		}
		sw.size += int64(n)
	}
	return nil
}

func readEntry(f *os.File) (Entry, error) {
	size, err := readUvarint(f)
	if err != nil {
		return Entry{}, err
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(f, body); err != nil {
		return Entry{}, errCorruptedFile
	}
	var checksum [8]byte
	if _, err := io.ReadFull(f, checksum[:]); err != nil {
		return Entry{}, errCorruptedFile
	}

	var sizeBuf [binary.MaxVarintLen64]byte
	sizeField := binary.AppendUvarint(sizeBuf[:0], size)
	hash := xxhash.New()
	hash.Write(sizeField)
	hash.Write(body)
	if hash.Sum64() != binary.LittleEndian.Uint64(checksum[:]) {
		return Entry{}, errCorruptedFile
	}

	rest := body
	version, n := binary.Uvarint(rest)
	if n <= 0 {
		return Entry{}, errCorruptedFile
	}
	rest = rest[n:]
	ts, n := binary.Uvarint(rest)
	if n <= 0 {
		return Entry{}, errCorruptedFile
	}
	rest = rest[n:]
	ident, n := binary.Uvarint(rest)
	if n <= 0 {
		return Entry{}, errCorruptedFile
	}
	rest = rest[n:]

	return Entry{
		Version:         version,
		OriginTimestamp: uint32(ts),
		OriginFileIdent: ident,
		Changeset:       rest,
	}, nil
}

func readUvarint(f *os.File) (uint64, error) {
	var buf [1]byte
	var x uint64
	var s uint
	for i := 0; i < binary.MaxVarintLen64; i++ {
		if _, err := io.ReadFull(f, buf[:]); err != nil {
			if err == io.ErrUnexpectedEOF || err == io.EOF {
				return 0, io.EOF
			}
			return 0, err
		}
		b := buf[0]
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, errCorruptedFile
}

func fillSegmentHeader(buf []byte, h *History, seg, ts uint32) {
	sh := segmentHeader{
		Magic:          magic,
		Version:        version0,
		SegmentOrdinal: seg,
		Timestamp:      ts,
		Invariant:      h.invariant,
	}
	bw := bytes.NewBuffer(buf[:0])
	if err := binary.Write(bw, binary.LittleEndian, sh); err != nil || bw.Len() != len(buf) {
		panic("history: segment header encode size mismatch")
	}
	checksum := xxhash.Sum64(buf[:segmentHeaderSize-8])
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], checksum)
}

const timestampFmt = "20060102T150405"

func formatSegmentName(prefix, suffix string, seq, ts uint32) string {
	t := time.Unix(int64(ts), 0).UTC()
	return fmt.Sprintf("%s%012d-%s%s", prefix, seq, t.Format(timestampFmt), suffix)
}

func parseSegmentName(name string) (seq uint32, ts uint32, err error) {
	base := strings.TrimSuffix(name, "")
	seqStr, tsStr, ok := strings.Cut(base, "-")
	if !ok {
		return 0, 0, fmt.Errorf("history: invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(seqStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("history: invalid segment file name %q: %w", name, err)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return uint32(v), 0, nil // tolerate a malformed timestamp suffix; ordinal is what matters
	}
	return uint32(v), uint32(t.Unix()), nil
}
