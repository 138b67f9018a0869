package sync

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// SubscriptionState mirrors the client-visible lifecycle of one
// subscription set in flexible sync.
type SubscriptionState int

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionComplete
	SubscriptionError
	SubscriptionSuperseded
)

// Subscription is one named query a session has asked the server to
// keep synchronized.
type Subscription struct {
	Name        string
	TableName   string
	QueryText   string
	CreatedAtMs int64
}

// SubscriptionSet is an immutable, versioned collection of
// Subscriptions -- spec.md §1/§6 name the subscription store's
// interface but leave internals to the embedder; SPEC_FULL.md §4.9
// gives it a concrete bbolt-backed implementation here.
type SubscriptionSet struct {
	Version       uint64
	State         SubscriptionState
	Subscriptions []Subscription
	ErrorMessage  string
}

// SubscriptionStore persists subscription sets keyed by version, one
// bucket per store instance, the way the teacher's own schema state
// (schemastate.go-style) persists a small, infrequently-changing
// structured record directly in bbolt rather than in the page file.
type SubscriptionStore struct {
	bdb        *bbolt.DB
	bucketName []byte
}

func subscriptionBucketName(path string) []byte {
	return []byte("subs:" + path)
}

// OpenSubscriptionStore opens (creating if necessary) the bucket holding
// path's subscription sets.
func OpenSubscriptionStore(bdb *bbolt.DB, path string) (*SubscriptionStore, error) {
	name := subscriptionBucketName(path)
	err := bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tdb/sync: open subscription store: %w", err)
	}
	return &SubscriptionStore{bdb: bdb, bucketName: name}, nil
}

func versionKey(v uint64) []byte {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (56 - 8*i))
	}
	return buf[:]
}

// Put persists set, keyed by its own Version.
func (s *SubscriptionStore) Put(set SubscriptionSet) error {
	data, err := msgpack.Marshal(&set)
	if err != nil {
		return err
	}
	return s.bdb.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucketName).Put(versionKey(set.Version), data)
	})
}

// Get returns the subscription set at version, or ok=false if none was
// ever committed at that version.
func (s *SubscriptionStore) Get(version uint64) (set SubscriptionSet, ok bool, err error) {
	err = s.bdb.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(s.bucketName).Get(versionKey(version))
		if data == nil {
			return nil
		}
		ok = true
		return msgpack.Unmarshal(data, &set)
	})
	return set, ok, err
}

// Latest returns the highest-versioned subscription set committed so
// far, or ok=false if the store is empty.
func (s *SubscriptionStore) Latest() (set SubscriptionSet, ok bool, err error) {
	err = s.bdb.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucketName).Cursor()
		k, v := c.Last()
		if k == nil {
			return nil
		}
		ok = true
		return msgpack.Unmarshal(v, &set)
	})
	return set, ok, err
}

// MarkComplete transitions the given version to Complete, as signaled by
// the server's bootstrap-complete message for that subscription set.
func (s *SubscriptionStore) MarkComplete(version uint64) error {
	set, ok, err := s.Get(version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tdb/sync: no subscription set at version %d", version)
	}
	set.State = SubscriptionComplete
	return s.Put(set)
}

// MarkError transitions the given version to Error, recording msg.
func (s *SubscriptionStore) MarkError(version uint64, msg string) error {
	set, ok, err := s.Get(version)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("tdb/sync: no subscription set at version %d", version)
	}
	set.State = SubscriptionError
	set.ErrorMessage = msg
	return s.Put(set)
}
