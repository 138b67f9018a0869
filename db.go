package tdb

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/coldcore/tdb/history"
)

// registry is the process-wide per-path table of open DBs (§4.7, Design
// Notes §9 "Global process state"): the teacher's db.go centralizes this
// per-process for bbolt by simply refusing to reopen a path twice from
// the same process; we generalize that into an explicit, reference-
// counted registry so Open/Close on the same path from different
// goroutines share one underlying Allocator/bbolt pair.
var registry = struct {
	mu    sync.Mutex
	byPath map[string]*dbRef
}{byPath: make(map[string]*dbRef)}

type dbRef struct {
	db       *DB
	refCount int
}

// Options configures Open (teacher's Options struct pattern in db.go).
type Options struct {
	Logger            *slog.Logger
	DisableSyncToDisk bool
	// HistoryDir names the directory holding the replication history log;
	// defaults to path+".history" alongside the page file.
	HistoryDir string
}

// DB is a process-wide handle on one database file: the mmap'd page file
// (via Allocator), the bbolt handle backing search indexes (§4.4), and
// the replication history log (§4.8). Multiple Transactions can be
// active against one DB; writers are serialized by writeMu.
type DB struct {
	path   string
	alloc  *Allocator
	bolt   *bbolt.DB
	hist   *history.History
	logger *slog.Logger

	writeMu sync.Mutex

	txnsLock sync.Mutex
	txns     []*Transaction
}

// Open returns the DB for path, opening it fresh if this is the first
// Open call for that absolute path in this process, or handing back the
// already-open, reference-counted instance otherwise.
func Open(path string, opt Options) (*DB, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("tdb: %w", err)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if ref, ok := registry.byPath[abs]; ok {
		ref.refCount++
		return ref.db, nil
	}

	db, err := openDB(abs, opt)
	if err != nil {
		return nil, err
	}
	registry.byPath[abs] = &dbRef{db: db, refCount: 1}
	return db, nil
}

func openDB(abs string, opt Options) (*DB, error) {
	logger := opt.Logger
	if logger == nil {
		logger = slog.Default()
	}

	alloc, err := OpenAllocator(abs, AllocatorOptions{
		DisableSyncToDisk: opt.DisableSyncToDisk,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}

	bolt, err := bbolt.Open(abs+".idx", 0o666, nil)
	if err != nil {
		alloc.Close()
		return nil, fmt.Errorf("tdb: open index file: %w", err)
	}

	histDir := opt.HistoryDir
	if histDir == "" {
		histDir = abs + ".history"
	}
	hist, err := history.Open(histDir, history.Options{
		FileName: "hist-*.bin",
		Logger:   logger,
	})
	if err != nil {
		bolt.Close()
		alloc.Close()
		return nil, fmt.Errorf("tdb: open history: %w", err)
	}

	return &DB{path: abs, alloc: alloc, bolt: bolt, hist: hist, logger: logger}, nil
}

// Close releases this handle's reference; the underlying files are only
// actually closed once the last reference is released.
func (db *DB) Close() error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	ref, ok := registry.byPath[db.path]
	if !ok {
		return nil // already fully closed
	}
	ref.refCount--
	if ref.refCount > 0 {
		return nil
	}
	delete(registry.byPath, db.path)

	var err error
	if e := db.hist.Close(); e != nil {
		err = e
	}
	if e := db.bolt.Close(); e != nil && err == nil {
		err = e
	}
	if e := db.alloc.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

func (db *DB) Bolt() *bbolt.DB { return db.bolt }

func (db *DB) addTxn(tx *Transaction) {
	db.txnsLock.Lock()
	db.txns = append(db.txns, tx)
	db.txnsLock.Unlock()
}

func (db *DB) removeTxn(tx *Transaction) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	for i, t := range db.txns {
		if t == tx {
			n := len(db.txns)
			db.txns[i] = db.txns[n-1]
			db.txns[n-1] = nil
			db.txns = db.txns[:n-1]
			return
		}
	}
}

// DescribeOpenTxns is a debugging aid mirroring the teacher's
// DB.DescribeOpenTxns.
func (db *DB) DescribeOpenTxns() string {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	if len(db.txns) == 0 {
		return "no open transactions"
	}
	return fmt.Sprintf("%d open transactions", len(db.txns))
}
