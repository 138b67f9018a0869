package tdb

import "testing"

// TestAllocatorAcquireReadSnapshotPinsMatchingTopRef exercises the
// invariant the non-atomic AcquireReadVersion()+TopRef() pairing used to
// break: every (version, topRef) AcquireReadSnapshot hands out must be
// the pair that was actually current at that instant, not a version
// paired with a topRef a concurrent Commit already replaced.
func TestAllocatorAcquireReadSnapshotPinsMatchingTopRef(t *testing.T) {
	a := newTestAllocator(t)

	var refs []Ref
	for i := 0; i < 5; i++ {
		withWriteTxn(t, a, func() {
			refs = append(refs, a.Alloc(8))
		})
	}

	ver, topRef := a.AcquireReadSnapshot()
	defer a.ReleaseReadVersion(ver)

	if ver != a.CurrentVersion() {
		t.Fatalf("AcquireReadSnapshot version = %d, want current version %d", ver, a.CurrentVersion())
	}
	if topRef != a.TopRef() {
		t.Fatalf("AcquireReadSnapshot topRef = %v, want current top ref %v", topRef, a.TopRef())
	}

	// A Commit that runs after the snapshot was taken must not change
	// the pinned pair retroactively.
	withWriteTxn(t, a, func() {
		a.Alloc(8)
	})
	if a.CurrentVersion() == ver {
		t.Fatalf("expected a later Commit to advance the current version past the pinned snapshot")
	}
}

func TestAllocatorReadVersionKeepsFreedPagesAliveUntilReleased(t *testing.T) {
	a := newTestAllocator(t)

	var ref Ref
	withWriteTxn(t, a, func() {
		ref = a.Alloc(8)
	})

	ver, _ := a.AcquireReadSnapshot()

	withWriteTxn(t, a, func() {
		a.Free(ref, 8)
	})
	// The free was recorded under the version that freed it; it cannot
	// be handed back out by Alloc while the reader above still pins an
	// older version.
	withWriteTxn(t, a, func() {
		reused := a.Alloc(8)
		if reused == ref {
			t.Fatalf("freed region reused while an older read snapshot was still live")
		}
	})

	a.ReleaseReadVersion(ver)
}

// TestAllocatorReclaimsWithoutAnyReader covers a write-only workload that
// never calls AcquireReadSnapshot/ReleaseReadVersion at all: minLiveVersion
// must still advance on every Commit (defaulting to curVersion, since
// liveReaders is empty), so a page freed in one commit is reusable by the
// very next one rather than leaking forever.
func TestAllocatorReclaimsWithoutAnyReader(t *testing.T) {
	a := newTestAllocator(t)

	var ref Ref
	withWriteTxn(t, a, func() {
		ref = a.Alloc(8)
	})
	withWriteTxn(t, a, func() {
		a.Free(ref, 8)
	})

	var reused Ref
	withWriteTxn(t, a, func() {
		reused = a.Alloc(8)
	})
	if reused != ref {
		t.Fatalf("freed region not reused at the next commit with no live readers: got %v, want %v", reused, ref)
	}
}
