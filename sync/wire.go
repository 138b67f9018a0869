package sync

// MessageType identifies one of the BIND/IDENT/UPLOAD/DOWNLOAD/MARK/
// UNBIND/REFRESH/ERROR/UNBOUND messages of spec.md §4.9/§6. Transport-
// level byte framing is out of scope (spec.md §1); Message is the typed
// in-process representation a Session/Connection actually operates on.
type MessageType uint8

const (
	MsgUnknown MessageType = iota
	MsgBind
	MsgIdent
	MsgUpload
	MsgDownload
	MsgMark
	MsgUnbind
	MsgRefresh
	MsgError
	MsgUnbound
)

func (t MessageType) String() string {
	switch t {
	case MsgBind:
		return "BIND"
	case MsgIdent:
		return "IDENT"
	case MsgUpload:
		return "UPLOAD"
	case MsgDownload:
		return "DOWNLOAD"
	case MsgMark:
		return "MARK"
	case MsgUnbind:
		return "UNBIND"
	case MsgRefresh:
		return "REFRESH"
	case MsgError:
		return "ERROR"
	case MsgUnbound:
		return "UNBOUND"
	default:
		return "UNKNOWN"
	}
}

// UploadedChangeset is one changeset of an UPLOAD body, framed per
// spec.md §6: `{version, last_integrated_remote_version,
// origin_timestamp, origin_file_ident, changeset_size}` plus bytes.
type UploadedChangeset struct {
	Version                 uint64
	LastIntegratedRemoteVersion uint64
	OriginTimestamp         uint32
	OriginFileIdent         uint64
	Changeset               []byte
}

// DownloadedChangeset is one changeset of a DOWNLOAD body, framed per
// spec.md §6: `{remote_version, last_integrated_local_version,
// origin_timestamp, origin_file_ident, original_changeset_size,
// changeset_size}` plus bytes.
type DownloadedChangeset struct {
	RemoteVersion              uint64
	LastIntegratedLocalVersion uint64
	OriginTimestamp            uint32
	OriginFileIdent            uint64
	OriginalChangesetSize      uint32
	Changeset                  []byte
}

// Message is the typed form of every BIND/IDENT/.../UNBOUND message.
// Only the fields relevant to Type are populated, mirroring the
// teacher-pack's single-struct-many-message-types factory style
// (ValentinKolb-dKV rpc/common.Message) rather than one Go type per
// message kind.
type Message struct {
	Type MessageType

	SessionIdent uint64

	// IDENT
	ClientFileIdent     uint64
	ClientFileIdentSalt uint64

	// UPLOAD (C->S)
	UploadClientVersion               uint64
	UploadLastIntegratedServerVersion uint64
	LockedServerVersion               uint64
	UploadedChangesets                []UploadedChangeset

	// DOWNLOAD (S->C)
	ServerVersion                   uint64
	LastIntegratedClientVersion     uint64
	LatestServerVersion             uint64
	LatestServerSalt                uint64
	DownloadableBytes                uint64
	DownloadedChangesets             []DownloadedChangeset

	// Compression envelope, shared by UPLOAD/DOWNLOAD bodies.
	Compression CompressionEnvelope

	// MARK
	MarkSerial uint64

	// ERROR
	ServerErr *ServerError

	// REFRESH
	AccessToken string
}

func NewBindRequest(sessionIdent uint64) *Message {
	return &Message{Type: MsgBind, SessionIdent: sessionIdent}
}

func NewIdentRequest(sessionIdent, clientFileIdent uint64) *Message {
	return &Message{Type: MsgIdent, SessionIdent: sessionIdent, ClientFileIdent: clientFileIdent}
}

func NewIdentResponse(sessionIdent, clientFileIdent, salt uint64) *Message {
	return &Message{Type: MsgIdent, SessionIdent: sessionIdent, ClientFileIdent: clientFileIdent, ClientFileIdentSalt: salt}
}

func NewUploadRequest(sessionIdent, clientVersion, lastIntegratedServerVersion uint64, changesets []UploadedChangeset) *Message {
	return &Message{
		Type:                              MsgUpload,
		SessionIdent:                      sessionIdent,
		UploadClientVersion:               clientVersion,
		UploadLastIntegratedServerVersion: lastIntegratedServerVersion,
		UploadedChangesets:                changesets,
	}
}

func NewDownloadResponse(sessionIdent, serverVersion, lastIntegratedClientVersion uint64, changesets []DownloadedChangeset) *Message {
	return &Message{
		Type:                         MsgDownload,
		SessionIdent:                 sessionIdent,
		ServerVersion:                serverVersion,
		LastIntegratedClientVersion:  lastIntegratedClientVersion,
		DownloadedChangesets:         changesets,
	}
}

func NewMarkRequest(sessionIdent, serial uint64) *Message {
	return &Message{Type: MsgMark, SessionIdent: sessionIdent, MarkSerial: serial}
}

func NewMarkResponse(sessionIdent, serial uint64) *Message {
	return &Message{Type: MsgMark, SessionIdent: sessionIdent, MarkSerial: serial}
}

func NewUnbindRequest(sessionIdent uint64) *Message {
	return &Message{Type: MsgUnbind, SessionIdent: sessionIdent}
}

func NewUnboundResponse(sessionIdent uint64) *Message {
	return &Message{Type: MsgUnbound, SessionIdent: sessionIdent}
}

func NewRefreshRequest(sessionIdent uint64, accessToken string) *Message {
	return &Message{Type: MsgRefresh, SessionIdent: sessionIdent, AccessToken: accessToken}
}

func NewErrorResponse(sessionIdent uint64, code int, message string, tryAgain bool) *Message {
	return &Message{
		Type:         MsgError,
		SessionIdent: sessionIdent,
		ServerErr:    &ServerError{Code: code, Message: message, TryAgain: tryAgain},
	}
}
