package sync

import "fmt"

// ProtocolErrorKind enumerates the client-detected protocol error
// taxonomy (spec.md §7); each terminates the connection.
type ProtocolErrorKind int

const (
	ErrUnknownMessage ProtocolErrorKind = iota
	ErrBadSyntax
	ErrLimitsExceeded
	ErrBadSessionIdent
	ErrBadMessageOrder
	ErrBadClientFileIdent
	ErrBadProgress
	ErrBadChangeset
	ErrBadServerVersion
	ErrBadCompression
	ErrBadClientVersion
	ErrPongTimeout
	ErrConnectTimeout
	ErrHTTPTunnelFailed
	ErrSSLServerCertRejected
	ErrProtocolMismatch
	ErrMissingProtocolFeature
	ErrAutoClientResetFailure
)

func (k ProtocolErrorKind) String() string {
	switch k {
	case ErrUnknownMessage:
		return "unknown-message"
	case ErrBadSyntax:
		return "bad-syntax"
	case ErrLimitsExceeded:
		return "limits-exceeded"
	case ErrBadSessionIdent:
		return "bad-session-ident"
	case ErrBadMessageOrder:
		return "bad-message-order"
	case ErrBadClientFileIdent:
		return "bad-client-file-ident"
	case ErrBadProgress:
		return "bad-progress"
	case ErrBadChangeset:
		return "bad-changeset"
	case ErrBadServerVersion:
		return "bad-server-version"
	case ErrBadCompression:
		return "bad-compression"
	case ErrBadClientVersion:
		return "bad-client-version"
	case ErrPongTimeout:
		return "pong-timeout"
	case ErrConnectTimeout:
		return "connect-timeout"
	case ErrHTTPTunnelFailed:
		return "http-tunnel-failed"
	case ErrSSLServerCertRejected:
		return "ssl-server-cert-rejected"
	case ErrProtocolMismatch:
		return "protocol-mismatch"
	case ErrMissingProtocolFeature:
		return "missing-protocol-feature"
	case ErrAutoClientResetFailure:
		return "auto-client-reset-failure"
	default:
		return "unknown"
	}
}

// ProtocolError is detected by the client itself (bad framing, bad
// ordering, ...) and always terminates the connection (spec.md §7).
type ProtocolError struct {
	Kind ProtocolErrorKind
	Msg  string
}

func protocolErrf(kind ProtocolErrorKind, format string, args ...any) error {
	return &ProtocolError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	if e.Msg == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *ProtocolError) Is(target error) bool {
	other, ok := target.(*ProtocolError)
	return ok && e.Kind == other.Kind
}

// ServerError is carried by an ERROR message (spec.md §6/§7). TryAgain
// false is fatal: the session is suspended and reconnection delayed to a
// large backoff.
type ServerError struct {
	Code     int
	Message  string
	TryAgain bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s (try_again=%v)", e.Code, e.Message, e.TryAgain)
}

// ConnectionState is delivered to a connection-state-change listener,
// carrying the {error_code, is_fatal, detailed_message} triple spec.md
// §7's propagation policy requires for sync errors (as opposed to
// storage errors, which are returned synchronously to the caller).
type ConnectionState struct {
	Connected bool
	Err       error
	IsFatal   bool
}
