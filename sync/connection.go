package sync

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// TerminationReason names why a Connection was torn down (spec.md §4.10
// reconnect state).
type TerminationReason int

const (
	ReasonNone TerminationReason = iota
	ReasonVoluntary
	ReasonPongTimeout
	ReasonConnectTimeout
	ReasonServerFatal
	ReasonTransportError
)

// ReconnectInfo is the per-endpoint reconnect bookkeeping spec.md §4.10
// names explicitly: (reason?, time_point, delay, scheduled_reset).
type ReconnectInfo struct {
	Reason        TerminationReason
	Time          time.Time
	Delay         time.Duration
	ScheduledReset bool
}

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 5 * time.Minute
	fatalReconnectDelay = 1 * time.Hour
)

// nextDelay computes the exponential backoff schedule §4.10 describes:
// voluntary reasons reconnect immediately; all others back off
// exponentially capped at ~5 minutes, with a server-driven fatal
// indicator extending the cap to >= 1 hour. attempt is 0-based.
func nextDelay(reason TerminationReason, fatal bool, attempt int, mode ReconnectMode) time.Duration {
	if reason == ReasonVoluntary {
		return 0
	}
	ceiling := maxReconnectDelay
	if fatal {
		ceiling = fatalReconnectDelay
	}
	if mode == ReconnectTesting {
		ceiling = ceiling / 60 // collapse minutes-scale backoff to seconds for tests
	}
	d := baseReconnectDelay * time.Duration(math.Pow(2, float64(attempt)))
	if d > ceiling {
		d = ceiling
	}
	// decorrelated jitter: uniform in [0, d]
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// sendTask is a message a Session has enlisted to write.
type sendTask struct {
	sessionIdent uint64
	produce      func() (*Message, error)
}

// Connection owns the transport (out of scope per spec.md §1) and
// multiplexes zero-or-more Sessions over it (spec.md §4.10). The
// "enlist to send" queue is a FIFO of session idents where each session
// appears at most once, modeled per spec.md §9 Design Notes as a
// "queued" flag (here, membership in enlistedSet) plus a deque, making
// the at-most-once invariant structural rather than something every
// caller must remember to check.
type Connection struct {
	cfg ClientConfig

	mu       sync.Mutex
	sessions *xsync.MapOf[uint64, *Session]

	sendQueueMu sync.Mutex
	sendQueue   []sendTask
	enlistedSet map[uint64]bool

	downloadSem *semaphore.Weighted
	pingLimiter *rate.Limiter

	pongTimeout     time.Duration
	pingSentAt      time.Time
	pingOutstanding bool

	reconnect ReconnectInfo
	attempt   int

	lastRTT time.Duration

	stateListener func(ConnectionState)

	rttHistogram *metrics.Histogram
	sentCounter  *metrics.Counter
}

// NewConnection creates a Connection ready to bind sessions. maxConcurrentDownloads
// bounds the number of sessions simultaneously allowed to have a DOWNLOAD
// in flight (spec.md §4.10's "golang.org/x/sync/semaphore to bound
// concurrently-downloading sessions").
func NewConnection(cfg ClientConfig, maxConcurrentDownloads int64) *Connection {
	if maxConcurrentDownloads <= 0 {
		maxConcurrentDownloads = 1
	}
	period := cfg.PingKeepalivePeriod
	if period <= 0 {
		period = 60 * time.Second
	}
	pongTimeout := cfg.PongKeepaliveTimeout
	if pongTimeout <= 0 {
		pongTimeout = 30 * time.Second
	}
	return &Connection{
		cfg:          cfg,
		sessions:     xsync.NewMapOf[uint64, *Session](),
		enlistedSet:  make(map[uint64]bool),
		downloadSem:  semaphore.NewWeighted(maxConcurrentDownloads),
		pingLimiter:  rate.NewLimiter(rate.Every(period), 1),
		pongTimeout:  pongTimeout,
		rttHistogram: metrics.GetOrCreateHistogram("tdb_sync_round_trip_seconds"),
		sentCounter:  metrics.GetOrCreateCounter("tdb_sync_messages_sent_total"),
	}
}

func (c *Connection) OnStateChange(f func(ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListener = f
}

// BindSession registers sess with this connection, refusing to rebind
// an ident that hasn't completed its prior UNBIND/ERROR cycle (invariant
// 4, enforced by Session.CanRebind).
func (c *Connection) BindSession(sess *Session) error {
	if existing, ok := c.sessions.Load(sess.Ident()); ok && existing != sess {
		if !existing.CanRebind() {
			return protocolErrf(ErrBadSessionIdent, "session %d cannot rebind yet", sess.Ident())
		}
	}
	c.sessions.Store(sess.Ident(), sess)
	return nil
}

func (c *Connection) Session(ident uint64) (*Session, bool) {
	return c.sessions.Load(ident)
}

// Enlist adds sessionIdent to the send queue if it isn't already
// present, per the "at most once" invariant.
func (c *Connection) Enlist(sessionIdent uint64, produce func() (*Message, error)) {
	c.sendQueueMu.Lock()
	defer c.sendQueueMu.Unlock()
	if c.enlistedSet[sessionIdent] {
		return
	}
	c.enlistedSet[sessionIdent] = true
	c.sendQueue = append(c.sendQueue, sendTask{sessionIdent: sessionIdent, produce: produce})
}

// DequeueSend is the main loop's one-enlisted-session-per-write-slot
// step: it pops the head task, clears its enlisted flag, and invokes
// produce. If produce reports the session still has work, the caller is
// expected to re-Enlist it immediately (spec.md §4.10).
func (c *Connection) DequeueSend() (msg *Message, ok bool, err error) {
	c.sendQueueMu.Lock()
	if len(c.sendQueue) == 0 {
		c.sendQueueMu.Unlock()
		return nil, false, nil
	}
	task := c.sendQueue[0]
	c.sendQueue = c.sendQueue[1:]
	delete(c.enlistedSet, task.sessionIdent)
	c.sendQueueMu.Unlock()

	msg, err = task.produce()
	c.sentCounter.Inc()
	return msg, true, err
}

// AcquireDownloadSlot blocks until fewer than the configured number of
// sessions are concurrently downloading.
func (c *Connection) AcquireDownloadSlot(ctx context.Context) error {
	return c.downloadSem.Acquire(ctx, 1)
}

func (c *Connection) ReleaseDownloadSlot() {
	c.downloadSem.Release(1)
}

// ShouldPing reports whether it's time to schedule another PING, per
// ping_keepalive_period with jitter (the rate.Limiter's own token-bucket
// smoothing stands in for an explicit jitter calculation).
func (c *Connection) ShouldPing() bool {
	return c.pingLimiter.Allow()
}

// RecordRoundTrip stores the latest measured ping/pong round-trip time
// and publishes it via the VictoriaMetrics histogram (spec.md §4.10
// "round-trip time is published").
func (c *Connection) RecordRoundTrip(d time.Duration) {
	c.mu.Lock()
	c.lastRTT = d
	c.mu.Unlock()
	c.rttHistogram.Update(d.Seconds())
}

func (c *Connection) LastRoundTrip() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRTT
}

// RecordPingSent marks a PING as outstanding as of now, starting the
// pong_keepalive_timeout clock CheckPongDeadline polls against.
func (c *Connection) RecordPingSent(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingSentAt = now
	c.pingOutstanding = true
}

// RecordPongReceived clears the outstanding PING, e.g. before computing
// the round trip via RecordRoundTrip.
func (c *Connection) RecordPongReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingOutstanding = false
}

// CheckPongDeadline reports whether an outstanding PING has gone
// unanswered past pong_keepalive_timeout as of now; when it has, it
// terminates the connection with ReasonPongTimeout itself and returns
// true, so a caller's poll loop only needs to call this on a timer
// (spec.md §4.10, §8 scenario 6).
func (c *Connection) CheckPongDeadline(now time.Time) bool {
	c.mu.Lock()
	outstanding := c.pingOutstanding
	sentAt := c.pingSentAt
	c.mu.Unlock()

	if !outstanding || now.Sub(sentAt) < c.pongTimeout {
		return false
	}
	c.mu.Lock()
	c.pingOutstanding = false
	c.mu.Unlock()
	c.Terminate(ReasonPongTimeout, false)
	return true
}

// Terminate tears the connection down for reason, suspending every
// bound session and scheduling the next reconnect attempt per the
// backoff schedule.
func (c *Connection) Terminate(reason TerminationReason, fatal bool) {
	c.mu.Lock()
	c.attempt++
	delay := nextDelay(reason, fatal, c.attempt-1, c.cfg.ReconnectMode)
	c.reconnect = ReconnectInfo{Reason: reason, Time: time.Now(), Delay: delay, ScheduledReset: true}
	listener := c.stateListener
	c.mu.Unlock()

	if listener != nil {
		listener(ConnectionState{Connected: false, IsFatal: fatal})
	}
}

// ReconnectDelay returns the delay before the next connect attempt
// should be made, per the last Terminate call.
func (c *Connection) ReconnectDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect.Delay
}

// ResetBackoff clears the attempt counter on a successful connect.
func (c *Connection) ResetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempt = 0
	c.reconnect = ReconnectInfo{}
}
