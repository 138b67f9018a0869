package sync

import (
	"context"
	"testing"
	"time"
)

func TestConnectionEnlistIsAtMostOnce(t *testing.T) {
	c := NewConnection(DefaultClientConfig(), 2)
	calls := 0
	produce := func() (*Message, error) { calls++; return NewBindRequest(1), nil }

	c.Enlist(1, produce)
	c.Enlist(1, produce) // duplicate enlist before dequeue must be a no-op

	_, ok, err := c.DequeueSend()
	if !ok || err != nil {
		t.Fatalf("DequeueSend: ok=%v err=%v", ok, err)
	}
	if calls != 1 {
		t.Fatalf("produce called %d times, want 1", calls)
	}

	_, ok, _ = c.DequeueSend()
	if ok {
		t.Fatalf("expected queue to be empty after a single enlist")
	}
}

func TestConnectionReenlistAfterDequeueRunsAgain(t *testing.T) {
	c := NewConnection(DefaultClientConfig(), 2)
	produce := func() (*Message, error) { return NewBindRequest(1), nil }

	c.Enlist(1, produce)
	c.DequeueSend()
	c.Enlist(1, produce) // now allowed again, since the prior task was dequeued

	_, ok, _ := c.DequeueSend()
	if !ok {
		t.Fatalf("expected re-enlist after dequeue to succeed")
	}
}

func TestConnectionDownloadSlotBoundsConcurrency(t *testing.T) {
	c := NewConnection(DefaultClientConfig(), 1)
	ctx := context.Background()
	if err := c.AcquireDownloadSlot(ctx); err != nil {
		t.Fatalf("first AcquireDownloadSlot: %v", err)
	}

	ctx2, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := c.AcquireDownloadSlot(ctx2); err == nil {
		t.Fatalf("expected second AcquireDownloadSlot to block with only 1 slot")
	}

	c.ReleaseDownloadSlot()
	if err := c.AcquireDownloadSlot(ctx); err != nil {
		t.Fatalf("AcquireDownloadSlot after release: %v", err)
	}
}

func TestConnectionTerminateVoluntaryReconnectsImmediately(t *testing.T) {
	c := NewConnection(DefaultClientConfig(), 1)
	c.Terminate(ReasonVoluntary, false)
	if d := c.ReconnectDelay(); d != 0 {
		t.Fatalf("ReconnectDelay = %v, want 0 for a voluntary termination", d)
	}
}

func TestConnectionCheckPongDeadlineTerminatesAfterTimeout(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.PongKeepaliveTimeout = 10 * time.Millisecond
	c := NewConnection(cfg, 1)

	sentAt := time.Now()
	c.RecordPingSent(sentAt)

	if c.CheckPongDeadline(sentAt.Add(5 * time.Millisecond)) {
		t.Fatalf("deadline fired before pong_keepalive_timeout elapsed")
	}
	if c.ReconnectDelay() != 0 {
		t.Fatalf("connection terminated before the deadline actually elapsed")
	}

	if !c.CheckPongDeadline(sentAt.Add(11 * time.Millisecond)) {
		t.Fatalf("expected deadline to fire once pong_keepalive_timeout elapsed")
	}
	if c.ReconnectDelay() == 0 {
		t.Fatalf("expected Terminate(ReasonPongTimeout) to schedule a reconnect delay")
	}

	// a PONG that arrives before the next check clears pingOutstanding,
	// so a second poll must not re-terminate.
	c.RecordPingSent(sentAt)
	c.RecordPongReceived()
	if c.CheckPongDeadline(sentAt.Add(time.Hour)) {
		t.Fatalf("expected no deadline firing once the PONG was recorded")
	}
}

func TestConnectionTerminateFatalUsesLongerCapThanNonFatal(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.ReconnectMode = ReconnectTesting

	nonFatal := NewConnection(cfg, 1)
	for i := 0; i < 20; i++ {
		nonFatal.Terminate(ReasonPongTimeout, false)
	}
	nonFatalCap := maxReconnectDelay / 60

	fatal := NewConnection(cfg, 1)
	for i := 0; i < 20; i++ {
		fatal.Terminate(ReasonServerFatal, true)
	}
	fatalCap := fatalReconnectDelay / 60

	if nonFatal.ReconnectDelay() > nonFatalCap {
		t.Fatalf("non-fatal delay %v exceeds its cap %v", nonFatal.ReconnectDelay(), nonFatalCap)
	}
	if fatal.ReconnectDelay() > fatalCap {
		t.Fatalf("fatal delay %v exceeds its cap %v", fatal.ReconnectDelay(), fatalCap)
	}
}
