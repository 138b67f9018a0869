package tdb

import (
	"fmt"
	"strings"
)

// ErrorKind enumerates the storage error taxonomy.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrOutOfDisk
	ErrFileCorrupt
	ErrSchemaMismatch
	ErrKeyNotFound
	ErrColumnIndexOutOfRange
	ErrColumnNotNullable
	ErrStringTooBig
	ErrBinaryTooBig
	ErrCollectionTypeMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case ErrOutOfDisk:
		return "out-of-disk"
	case ErrFileCorrupt:
		return "file-corrupt"
	case ErrSchemaMismatch:
		return "schema-mismatch"
	case ErrKeyNotFound:
		return "key-not-found"
	case ErrColumnIndexOutOfRange:
		return "column-index-out-of-range"
	case ErrColumnNotNullable:
		return "column-not-nullable"
	case ErrStringTooBig:
		return "string-too-big"
	case ErrBinaryTooBig:
		return "binary-too-big"
	case ErrCollectionTypeMismatch:
		return "collection-type-mismatch"
	default:
		return "unknown"
	}
}

// StorageError is returned by fallible storage operations (§7: "storage
// errors ... surfaced synchronously to the caller of the operation").
// A corrupt file header or a failed Array checksum is reported as a
// StorageError with Kind ErrFileCorrupt; other invariant violations
// (bad refs, misuse outside a write transaction) panic.
type StorageError struct {
	Kind  ErrorKind
	Table string
	Msg   string
	Err   error
}

func storageErrf(kind ErrorKind, tbl string, err error, format string, args ...any) error {
	return &StorageError{Kind: kind, Table: tbl, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Kind.String())
	if e.Table != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Table)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// Is makes errors.Is(err, &StorageError{Kind: ErrKeyNotFound}) etc. match
// any *StorageError of the same Kind; other target types never match.
func (e *StorageError) Is(target error) bool {
	if other, ok := target.(*StorageError); ok {
		return e.Kind == other.Kind
	}
	return false
}

// DataError reports a decode failure against corrupted or truncated
// binary data (array leaves, history records, wire messages).
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{Data: data, Off: off, Err: err, Msg: fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error { return e.Err }

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		}
		return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
	}
	p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
	}
	return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
}

func formatErrMsg(messageAndArgs []any) string {
	if len(messageAndArgs) == 0 {
		return ""
	}
	msg, ok := messageAndArgs[0].(string)
	if !ok {
		panic(fmt.Errorf("error's message arg is %T instead of string: %v", messageAndArgs[0], messageAndArgs[0]))
	}
	return fmt.Sprintf(msg, messageAndArgs[1:]...) + ": "
}
