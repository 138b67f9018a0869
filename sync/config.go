package sync

import "time"

// ClientConfig collects the environment/config knobs spec.md §6 enumerates
// for the sync client, mirroring the teacher's own Options/ClientConfig
// struct-of-knobs pattern rather than a flag-per-function signature.
type ClientConfig struct {
	UserAgentPlatformInfo    string
	UserAgentApplicationInfo string

	ConnectTimeout       time.Duration
	ConnectionLingerTime time.Duration
	PingKeepalivePeriod  time.Duration
	PongKeepaliveTimeout time.Duration
	FastReconnectLimit   time.Duration

	OneConnectionPerSession     bool
	DisableUploadActivationDelay bool
	DisableUploadCompaction     bool
	TCPNoDelay                  bool
	DryRun                      bool
	DisableSyncToDisk           bool

	ReconnectMode ReconnectMode
}

// ReconnectMode selects the backoff schedule a Connection uses between
// reconnect attempts (§4.10).
type ReconnectMode int

const (
	ReconnectNormal ReconnectMode = iota
	ReconnectTesting
)

// DefaultClientConfig returns the knob values spec.md §6 implies as
// sensible defaults (no explicit default table is given, so these follow
// the magnitudes spec.md §8 scenario 6 and §4.10 use in examples).
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:       30 * time.Second,
		ConnectionLingerTime: 30 * time.Second,
		PingKeepalivePeriod:  60 * time.Second,
		PongKeepaliveTimeout: 30 * time.Second,
		FastReconnectLimit:   5 * time.Second,
		ReconnectMode:        ReconnectNormal,
	}
}
