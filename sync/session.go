package sync

import "sync"

// LifecycleState is a Session's primary life-cycle stage (spec.md §4.9):
// Unactivated -> Active -> Deactivating -> Deactivated.
type LifecycleState int

const (
	Unactivated LifecycleState = iota
	Active
	Deactivating
	Deactivated
)

func (s LifecycleState) String() string {
	switch s {
	case Unactivated:
		return "unactivated"
	case Active:
		return "active"
	case Deactivating:
		return "deactivating"
	case Deactivated:
		return "deactivated"
	default:
		return "unknown"
	}
}

// substate tracks the protocol handshake progress inside Active, per
// spec.md §4.9's bind_sent/ident_sent/allow_upload/unbind_sent/
// unbind_sent_2/error_received/unbound_received vocabulary. Modeled, per
// SPEC_FULL.md/spec.md §9 Design Notes, as a set of independent booleans
// rather than one combined enum, since each is a pure function of its
// own triggering event and the truth table in §4.9 composes them freely.
type substate struct {
	bindSent      bool
	identSent     bool
	allowUpload   bool
	unbindSent    bool
	unbindSent2   bool
	errorReceived bool
	unboundReceived bool
}

// Progress tracks the upload/download cursors §4.9 requires.
type Progress struct {
	UploadClientVersion   uint64 // progress.upload.client_version: last version the server has acknowledged
	UploadTargetVersion   uint64 // last_version_available at bind time, the ceiling for this incarnation
	DownloadServerVersion uint64 // progress.download.server_version: last integrated remote version

	uploadCursor uint64 // client_version of the next local history entry to send; rewinds on reconnect

	lastDownloadMarkSent uint64
	targetDownloadMark   uint64
}

// Session is one BIND..UNBIND life cycle against one Realm path on a
// Connection (spec.md §4.9). Not safe for concurrent use from multiple
// goroutines without the owning Connection's lock, matching spec.md §5's
// "all session objects are created/mutated/destroyed on the service
// thread" scheduling model -- mu here guards only the handful of fields
// a cross-thread waiter (DownloadCompletion) needs to touch.
type Session struct {
	mu sync.Mutex

	ident     uint64
	lifecycle LifecycleState
	suspended bool
	sub       substate

	progress Progress

	disableUploadCompaction bool

	fileIdent uint64 // 0 until IDENT exchange assigns a real one (§9 Supplemented #2)

	onChangesetsIntegrated func(clientVersion, downloadServerVersion uint64)

	compactFn CompactFunc

	completionWaiters []chan error
}

// CompactFunc merges the changeset bytes of several not-yet-acknowledged
// local commits into one, collapsing redundant instructions (e.g. two
// writes to the same column, or a created-then-erased object) the way
// tdb.CompactChangesets does. Session only knows changesets as opaque
// bytes, so the actual decode/merge logic lives on the storage side and
// is injected here rather than imported, keeping this package free of a
// tdb dependency.
type CompactFunc func(chunks [][]byte) ([]byte, error)

// SetCompactFunc installs the merge routine NextUploadBatch calls when
// compaction is enabled. Without one, DisableUploadCompaction has no
// effect and every candidate version is uploaded individually.
func (s *Session) SetCompactFunc(fn CompactFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.compactFn = fn
}

// NewSession creates an Unactivated session bound to ident. cfg's
// DisableUploadCompaction knob governs whether NextUploadBatch collapses
// redundant instructions before upload (§6).
func NewSession(ident uint64, cfg ClientConfig) *Session {
	return &Session{ident: ident, lifecycle: Unactivated, disableUploadCompaction: cfg.DisableUploadCompaction}
}

func (s *Session) Ident() uint64 { return s.ident }

func (s *Session) State() LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle
}

func (s *Session) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Activate transitions Unactivated -> Active and sends BIND.
func (s *Session) Activate() (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle != Unactivated {
		return nil, protocolErrf(ErrBadMessageOrder, "Activate called in state %s", s.lifecycle)
	}
	s.lifecycle = Active
	s.sub.bindSent = true
	return NewBindRequest(s.ident), nil
}

// canRebind implements invariant 4: rebinding is only allowed once both
// unbind_sent_2 and (error_received or unbound_received) hold.
func (s *Session) canRebind() bool {
	return s.sub.unbindSent2 && (s.sub.errorReceived || s.sub.unboundReceived)
}

// SendIdent sends the client-side IDENT claiming (or requesting) a file
// identifier; only valid once BIND has been sent and before UNBIND.
func (s *Session) SendIdent(clientFileIdent uint64) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle != Active || !s.sub.bindSent || s.sub.unbindSent {
		return nil, protocolErrf(ErrBadMessageOrder, "SendIdent called outside bind_sent..unbind_sent window")
	}
	s.sub.identSent = true
	return NewIdentRequest(s.ident, clientFileIdent), nil
}

// ReceiveIdent processes the server's IDENT response, assigning this
// session's real file identifier for the first time. Per §9 Supplemented
// #2, already-appended history entries keep whatever origin_file_ident
// they were stamped with (0, "not yet sync-assigned"); only commits made
// after this call pick up the real identifier.
func (s *Session) ReceiveIdent(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fileIdent = msg.ClientFileIdent
}

// FileIdent returns the identifier new commits should be stamped with.
func (s *Session) FileIdent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileIdent
}

// SetUploadTarget records this incarnation's upload ceiling
// (last_version_available at bind time) and enables allow_upload
// immediately if fastReconnect or disableActivationDelay requests it
// (invariant 3).
func (s *Session) SetUploadTarget(targetVersion uint64, fastReconnectOrDisabledDelay bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.UploadTargetVersion = targetVersion
	if s.progress.uploadCursor < s.progress.UploadClientVersion {
		s.progress.uploadCursor = s.progress.UploadClientVersion
	}
	if fastReconnectOrDisabledDelay {
		s.sub.allowUpload = true
	}
}

// onFirstDownloadCompletion marks allow_upload true the first time a
// download completes, per invariant 3's "or upon first download
// completion" clause.
func (s *Session) onFirstDownloadCompletion() {
	s.sub.allowUpload = true
}

// NextUploadBatch selects history entries with client_version in
// [uploadCursor, UploadTargetVersion] that this incarnation has not yet
// sent, scanning forward and advancing the cursor -- invariant 2: each
// entry is sent at most once per (session, connection incarnation).
// fetch is called once per candidate version and should return the
// locally committed changeset for it (nil, false if none exists, e.g.
// because a later version renders an in-between history gap sparse).
func (s *Session) NextUploadBatch(fetch func(clientVersion uint64) (UploadedChangeset, bool)) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sub.identSent {
		return nil, protocolErrf(ErrBadMessageOrder, "UPLOAD sent before IDENT")
	}
	if !s.sub.allowUpload {
		return nil, protocolErrf(ErrBadMessageOrder, "UPLOAD sent before allow_upload")
	}
	if s.sub.unbindSent {
		return nil, protocolErrf(ErrBadMessageOrder, "UPLOAD sent after unbind_sent")
	}

	var batch []UploadedChangeset
	for v := s.progress.uploadCursor + 1; v <= s.progress.UploadTargetVersion; v++ {
		cs, ok := fetch(v)
		if !ok {
			continue
		}
		batch = append(batch, cs)
		s.progress.uploadCursor = v
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if !s.disableUploadCompaction && s.compactFn != nil && len(batch) > 1 {
		merged, err := s.compactBatch(batch)
		if err != nil {
			return nil, protocolErrf(ErrBadChangeset, "compacting upload batch: %v", err)
		}
		batch = []UploadedChangeset{merged}
	}
	return NewUploadRequest(s.ident, s.progress.uploadCursor, s.progress.DownloadServerVersion, batch), nil
}

// compactBatch folds every candidate changeset's bytes through compactFn
// and frames the result as a single UploadedChangeset carrying the
// batch's last version's metadata -- the server integrates uploads in
// order by client_version, so a gap-free run collapsed to its final
// version number is indistinguishable from receiving every version in
// the run individually (§6's fetch-gap allowance already requires the
// server to tolerate sparse version sequences).
func (s *Session) compactBatch(batch []UploadedChangeset) (UploadedChangeset, error) {
	chunks := make([][]byte, len(batch))
	for i, cs := range batch {
		chunks[i] = cs.Changeset
	}
	merged, err := s.compactFn(chunks)
	if err != nil {
		return UploadedChangeset{}, err
	}
	last := batch[len(batch)-1]
	last.Changeset = merged
	return last, nil
}

// AcknowledgeUpload advances progress.upload.client_version once the
// server confirms receipt through ackedVersion. On a subsequent
// reconnect, the cursor rewinds to this acknowledged point (invariant
// 2's "at-least-once with server-side idempotency").
func (s *Session) AcknowledgeUpload(ackedVersion uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ackedVersion > s.progress.UploadClientVersion {
		s.progress.UploadClientVersion = ackedVersion
	}
}

// RewindUploadCursor resets the unsent-from point back to the last
// acknowledged version, called when a connection incarnation is lost
// (invariant 2).
func (s *Session) RewindUploadCursor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress.uploadCursor = s.progress.UploadClientVersion
}

// IntegrateDownload applies one DOWNLOAD message's changesets via
// apply (the caller's Object/Collection-API integration routine, run
// inside one write transaction per spec.md §4.9's integration recipe),
// then persists the resulting SyncProgress and signals
// onChangesetsIntegrated. Any apply error aborts and is reported as
// bad-changeset (spec.md §4.9 "Failure").
func (s *Session) IntegrateDownload(msg *Message, apply func(DownloadedChangeset) error) error {
	s.mu.Lock()
	wasComplete := s.progress.DownloadServerVersion >= s.progress.targetDownloadMark
	s.mu.Unlock()

	for _, cs := range msg.DownloadedChangesets {
		if err := apply(cs); err != nil {
			return protocolErrf(ErrBadChangeset, "integrating server_version %d: %v", cs.RemoteVersion, err)
		}
	}

	s.mu.Lock()
	s.progress.DownloadServerVersion = msg.ServerVersion
	becameComplete := !wasComplete && s.progress.DownloadServerVersion >= s.progress.targetDownloadMark
	if becameComplete {
		s.onFirstDownloadCompletion()
	}
	cb := s.onChangesetsIntegrated
	clientVersion := s.progress.UploadClientVersion
	downloadVersion := s.progress.DownloadServerVersion
	waiters := s.drainCompletionWaitersLocked()
	s.mu.Unlock()

	if cb != nil {
		cb(clientVersion, downloadVersion)
	}
	for _, ch := range waiters {
		ch <- nil
	}
	return nil
}

func (s *Session) OnChangesetsIntegrated(f func(clientVersion, downloadServerVersion uint64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChangesetsIntegrated = f
}

// RequestDownloadCompletion arranges for the returned channel to receive
// exactly one value once download_progress reaches at least the
// server's current version (spec.md §8 scenario 5): it issues a MARK
// request and remembers its serial so the matching MARK response can
// resolve the waiter.
func (s *Session) RequestDownloadCompletion(targetServerVersion, markSerial uint64) (*Message, <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if targetServerVersion > s.progress.targetDownloadMark {
		s.progress.targetDownloadMark = targetServerVersion
	}
	s.progress.lastDownloadMarkSent = markSerial
	ch := make(chan error, 1)
	if s.progress.DownloadServerVersion >= targetServerVersion {
		ch <- nil
		return NewMarkRequest(s.ident, markSerial), ch
	}
	s.completionWaiters = append(s.completionWaiters, ch)
	return NewMarkRequest(s.ident, markSerial), ch
}

// ReceiveMark resolves any completion waiter once the acknowledged
// serial n reaches target_download_mark's serial.
func (s *Session) ReceiveMark(msg *Message) {
	s.mu.Lock()
	if msg.MarkSerial < s.progress.lastDownloadMarkSent {
		s.mu.Unlock()
		return
	}
	waiters := s.drainCompletionWaitersLocked()
	s.mu.Unlock()
	for _, ch := range waiters {
		ch <- nil
	}
}

func (s *Session) drainCompletionWaitersLocked() []chan error {
	w := s.completionWaiters
	s.completionWaiters = nil
	return w
}

// Deactivate starts UNBIND (Active -> Deactivating); invariant 4: once
// unbind_sent is set, no further message will be written for this
// session.
func (s *Session) Deactivate() (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lifecycle != Active {
		return nil, protocolErrf(ErrBadMessageOrder, "Deactivate called in state %s", s.lifecycle)
	}
	s.lifecycle = Deactivating
	s.sub.unbindSent = true
	s.cancelWaitersLocked()
	return NewUnbindRequest(s.ident), nil
}

// ReceiveUnbound completes Deactivating -> Deactivated on the server's
// UNBOUND confirmation.
func (s *Session) ReceiveUnbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub.unboundReceived = true
	s.sub.unbindSent2 = true
	s.lifecycle = Deactivated
}

// ReceiveError handles a server ERROR message: it sets error_received
// and unbind_sent_2, suspends and deactivates the session, and cancels
// download-completion waiters. Fatal (try_again=false) and non-fatal
// errors are handled the same way here; the session does not schedule a
// reconnect backoff itself (Connection.Terminate with fatal=true does).
func (s *Session) ReceiveError(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub.errorReceived = true
	s.sub.unbindSent2 = true
	s.suspended = true
	s.lifecycle = Deactivated
	s.cancelWaitersLocked()
}

func (s *Session) cancelWaitersLocked() {
	for _, ch := range s.completionWaiters {
		ch <- errSessionDeactivated
	}
	s.completionWaiters = nil
}

// CanRebind reports whether a new BIND is permitted for this session's
// ident on a fresh Connection incarnation (invariant 4).
func (s *Session) CanRebind() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lifecycle == Deactivated && s.canRebind()
}

var errSessionDeactivated = protocolErrf(ErrBadMessageOrder, "session deactivated while waiting for download completion")
