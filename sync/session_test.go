package sync

import "testing"

func TestSessionActivateBindSendsBind(t *testing.T) {
	s := NewSession(1, DefaultClientConfig())
	msg, err := s.Activate()
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if msg.Type != MsgBind {
		t.Fatalf("Activate produced %v, want BIND", msg.Type)
	}
	if s.State() != Active {
		t.Fatalf("state = %v, want Active", s.State())
	}
	if _, err := s.Activate(); err == nil {
		t.Fatalf("expected second Activate to fail")
	}
}

func TestSessionUploadBlockedUntilIdentAndAllowUpload(t *testing.T) {
	s := NewSession(1, DefaultClientConfig())
	if _, err := s.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	fetch := func(v uint64) (UploadedChangeset, bool) {
		return UploadedChangeset{Version: v, Changeset: []byte("x")}, true
	}
	if _, err := s.NextUploadBatch(fetch); err == nil {
		t.Fatalf("expected UPLOAD before IDENT to fail")
	}

	if _, err := s.SendIdent(0); err != nil {
		t.Fatalf("SendIdent: %v", err)
	}
	if _, err := s.NextUploadBatch(fetch); err == nil {
		t.Fatalf("expected UPLOAD before allow_upload to fail")
	}

	s.SetUploadTarget(5, true) // disableActivationDelay path
	msg, err := s.NextUploadBatch(fetch)
	if err != nil {
		t.Fatalf("NextUploadBatch: %v", err)
	}
	if msg == nil || len(msg.UploadedChangesets) != 5 {
		t.Fatalf("expected a 5-entry upload batch, got %v", msg)
	}
}

func TestSessionUploadResumesAfterAcknowledgeAndRewind(t *testing.T) {
	s := NewSession(1, DefaultClientConfig())
	must(s.Activate())
	must(s.SendIdent(0))
	s.SetUploadTarget(15, true)

	fetch := func(v uint64) (UploadedChangeset, bool) {
		return UploadedChangeset{Version: v}, true
	}

	// simulate versions 10..15 being available from the start (the
	// cursor only ever starts at UploadClientVersion, here 0, so the
	// first batch actually covers 1..15; mimic scenario 4 by first
	// acknowledging through 13, then rewinding on disconnect).
	msg, err := s.NextUploadBatch(fetch)
	if err != nil || msg == nil {
		t.Fatalf("NextUploadBatch: %v, %v", msg, err)
	}
	s.AcknowledgeUpload(13)
	s.RewindUploadCursor()

	msg2, err := s.NextUploadBatch(fetch)
	if err != nil {
		t.Fatalf("NextUploadBatch after rewind: %v", err)
	}
	if msg2 == nil || msg2.UploadedChangesets[0].Version != 14 {
		t.Fatalf("expected resumed batch to start at version 14, got %+v", msg2)
	}
}

func TestSessionDownloadCompletionWaiterFiresOnce(t *testing.T) {
	s := NewSession(1, DefaultClientConfig())
	must(s.Activate())

	markMsg, ch := s.RequestDownloadCompletion(100, 1)
	if markMsg.Type != MsgMark {
		t.Fatalf("expected MARK request, got %v", markMsg.Type)
	}

	select {
	case <-ch:
		t.Fatalf("waiter resolved before download reached target")
	default:
	}

	download := NewDownloadResponse(1, 100, 0, nil)
	if err := s.IntegrateDownload(download, func(DownloadedChangeset) error { return nil }); err != nil {
		t.Fatalf("IntegrateDownload: %v", err)
	}

	select {
	case err := <-ch:
		if err != nil {
			t.Fatalf("waiter resolved with error: %v", err)
		}
	default:
		t.Fatalf("expected waiter to resolve once download reached target")
	}
}

func TestSessionDeactivateThenUnboundTransitionsToDeactivated(t *testing.T) {
	s := NewSession(1, DefaultClientConfig())
	must(s.Activate())

	msg, err := s.Deactivate()
	if err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if msg.Type != MsgUnbind {
		t.Fatalf("expected UNBIND, got %v", msg.Type)
	}
	if s.State() != Deactivating {
		t.Fatalf("state = %v, want Deactivating", s.State())
	}

	s.ReceiveUnbound()
	if s.State() != Deactivated {
		t.Fatalf("state = %v, want Deactivated", s.State())
	}
	if !s.CanRebind() {
		t.Fatalf("expected CanRebind after clean UNBIND/UNBOUND cycle")
	}
}

func TestSessionReceiveErrorSuspendsAndBlocksRebindUntilResolved(t *testing.T) {
	s := NewSession(1, DefaultClientConfig())
	must(s.Activate())
	s.ReceiveError(&Message{ServerErr: &ServerError{Code: 1, TryAgain: false}})
	if !s.Suspended() {
		t.Fatalf("expected session to be suspended after a fatal ERROR")
	}
	if !s.CanRebind() {
		t.Fatalf("expected CanRebind once error_received is set")
	}
}

func TestSessionNextUploadBatchCompactsWhenEnabled(t *testing.T) {
	s := NewSession(1, DefaultClientConfig())
	must(s.Activate())
	must(s.SendIdent(0))
	s.SetUploadTarget(3, true)

	calls := 0
	s.SetCompactFunc(func(chunks [][]byte) ([]byte, error) {
		calls++
		return []byte("merged"), nil
	})

	fetch := func(v uint64) (UploadedChangeset, bool) {
		return UploadedChangeset{Version: v, Changeset: []byte("x")}, true
	}
	msg, err := s.NextUploadBatch(fetch)
	if err != nil {
		t.Fatalf("NextUploadBatch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("compactFn called %d times, want 1", calls)
	}
	if len(msg.UploadedChangesets) != 1 || string(msg.UploadedChangesets[0].Changeset) != "merged" {
		t.Fatalf("expected a single merged changeset, got %+v", msg.UploadedChangesets)
	}
}

func TestSessionNextUploadBatchSkipsCompactionWhenDisabled(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.DisableUploadCompaction = true
	s := NewSession(1, cfg)
	must(s.Activate())
	must(s.SendIdent(0))
	s.SetUploadTarget(3, true)

	calls := 0
	s.SetCompactFunc(func(chunks [][]byte) ([]byte, error) {
		calls++
		return []byte("merged"), nil
	})

	fetch := func(v uint64) (UploadedChangeset, bool) {
		return UploadedChangeset{Version: v, Changeset: []byte("x")}, true
	}
	msg, err := s.NextUploadBatch(fetch)
	if err != nil {
		t.Fatalf("NextUploadBatch: %v", err)
	}
	if calls != 0 {
		t.Fatalf("compactFn called %d times, want 0 with DisableUploadCompaction set", calls)
	}
	if len(msg.UploadedChangesets) != 3 {
		t.Fatalf("expected every candidate version sent individually, got %d", len(msg.UploadedChangesets))
	}
}

func must(msg *Message, err error) *Message {
	if err != nil {
		panic(err)
	}
	return msg
}
