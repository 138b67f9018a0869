package sync

import (
	"path/filepath"
	"testing"

	"go.etcd.io/bbolt"
)

func newTestSubscriptionStore(t *testing.T) *SubscriptionStore {
	t.Helper()
	bdb, err := bbolt.Open(filepath.Join(t.TempDir(), "subs.bolt"), 0o600, nil)
	if err != nil {
		t.Fatalf("bbolt.Open: %v", err)
	}
	t.Cleanup(func() { bdb.Close() })
	store, err := OpenSubscriptionStore(bdb, "/realms/default")
	if err != nil {
		t.Fatalf("OpenSubscriptionStore: %v", err)
	}
	return store
}

func TestSubscriptionStorePutGetLatest(t *testing.T) {
	store := newTestSubscriptionStore(t)

	set1 := SubscriptionSet{Version: 1, State: SubscriptionPending, Subscriptions: []Subscription{
		{Name: "recent", TableName: "Message", QueryText: "timestamp > 0"},
	}}
	set2 := SubscriptionSet{Version: 2, State: SubscriptionPending, Subscriptions: []Subscription{
		{Name: "recent", TableName: "Message", QueryText: "timestamp > 100"},
	}}

	if err := store.Put(set1); err != nil {
		t.Fatalf("Put set1: %v", err)
	}
	if err := store.Put(set2); err != nil {
		t.Fatalf("Put set2: %v", err)
	}

	got, ok, err := store.Get(1)
	if err != nil || !ok {
		t.Fatalf("Get(1): ok=%v err=%v", ok, err)
	}
	if len(got.Subscriptions) != 1 || got.Subscriptions[0].QueryText != "timestamp > 0" {
		t.Fatalf("Get(1) = %+v", got)
	}

	latest, ok, err := store.Latest()
	if err != nil || !ok {
		t.Fatalf("Latest: ok=%v err=%v", ok, err)
	}
	if latest.Version != 2 {
		t.Fatalf("Latest version = %d, want 2", latest.Version)
	}
}

func TestSubscriptionStoreMarkCompleteAndError(t *testing.T) {
	store := newTestSubscriptionStore(t)
	if err := store.Put(SubscriptionSet{Version: 1, State: SubscriptionPending}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := store.MarkComplete(1); err != nil {
		t.Fatalf("MarkComplete: %v", err)
	}
	got, _, _ := store.Get(1)
	if got.State != SubscriptionComplete {
		t.Fatalf("state = %v, want Complete", got.State)
	}

	if err := store.MarkError(1, "bad query"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	got, _, _ = store.Get(1)
	if got.State != SubscriptionError || got.ErrorMessage != "bad query" {
		t.Fatalf("got = %+v", got)
	}

	if err := store.MarkComplete(99); err == nil {
		t.Fatalf("expected error marking a nonexistent version complete")
	}
}
