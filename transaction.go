package tdb

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/coldcore/tdb/history"
)

// Transaction is one read or write view of a Group (§4.7). Write
// transactions serialize against db.writeMu the way the teacher's Tx
// serializes writers inside a single bbolt.Batch call; reads run
// concurrently against a pinned Allocator version.
type Transaction struct {
	db       *DB
	group    *Group
	writable bool
	readVer  uint64
	startedAt time.Time
	closed   bool
}

// Write runs f inside a new write transaction, committing on a nil
// return and rolling back (discarding the in-progress slab) otherwise.
// fileIdent is the sync client file identifier to stamp this commit's
// history entry with; pass 0 before the session's IDENT exchange has
// assigned a real one (§9 Supplemented, "origin_file_ident of 0").
func (db *DB) Write(fileIdent uint64, f func(tx *Transaction) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.alloc.BeginWrite()
	tx := &Transaction{db: db, writable: true, startedAt: time.Now()}
	tx.group = openGroup(db.alloc, db.bolt, db.alloc.TopRef(), true)
	tx.group.recorder = &changesetBuilder{}
	db.addTxn(tx)
	defer db.removeTxn(tx)

	err := safelyCall(f, tx)
	if err != nil {
		return err
	}

	tx.group.flush()
	version, err := db.alloc.Commit(tx.group.Ref())
	if err != nil {
		return err
	}

	if !tx.group.recorder.IsEmpty() {
		changeset, err := tx.group.recorder.Bytes()
		if err != nil {
			return fmt.Errorf("tdb: encoding changeset: %w", err)
		}
		entry := history.Entry{
			Version:         version,
			OriginTimestamp: uint32(time.Now().Unix()),
			OriginFileIdent: fileIdent,
			Changeset:       changeset,
		}
		if err := db.hist.Append(entry); err != nil {
			return fmt.Errorf("tdb: appending history: %w", err)
		}
	}
	return nil
}

// Read runs f inside a read transaction pinned to the current version at
// the time of the call; the Allocator keeps that version's freed pages
// alive for the duration (§4.1).
func (db *DB) Read(f func(tx *Transaction) error) error {
	ver, topRef := db.alloc.AcquireReadSnapshot()
	defer db.alloc.ReleaseReadVersion(ver)

	tx := &Transaction{db: db, writable: false, readVer: ver, startedAt: time.Now()}
	tx.group = openGroup(db.alloc, db.bolt, topRef, false)
	db.addTxn(tx)
	defer db.removeTxn(tx)

	return safelyCall(f, tx)
}

func (tx *Transaction) Group() *Group    { return tx.group }
func (tx *Transaction) IsWritable() bool { return tx.writable }
func (tx *Transaction) DB() *DB          { return tx.db }

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("tdb: panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall(fn func(*Transaction) error, tx *Transaction) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn(tx)
}
