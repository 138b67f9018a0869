package tdb

import (
	"errors"
	"testing"
)

func TestStorageErrorIs(t *testing.T) {
	err := storageErrf(ErrKeyNotFound, "Person", nil, "key %d", 42)
	if !errors.Is(err, &StorageError{Kind: ErrKeyNotFound}) {
		t.Fatalf("expected errors.Is to match on Kind, got %v", err)
	}
	if errors.Is(err, &StorageError{Kind: ErrOutOfDisk}) {
		t.Fatalf("did not expect a Kind mismatch to match")
	}
}

func TestStorageErrorMessage(t *testing.T) {
	err := storageErrf(ErrColumnIndexOutOfRange, "Person", nil, "column %d", 7)
	got := err.Error()
	want := "column-index-out-of-range Person: column 7"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestStorageErrorUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := storageErrf(ErrOutOfDisk, "", inner, "growing file")
	if !errors.Is(err, inner) {
		t.Fatalf("expected Unwrap to expose inner error")
	}
}

func TestDataErrorShortPayload(t *testing.T) {
	err := dataErrf([]byte{1, 2, 3}, 0, nil, "bad header")
	got := err.Error()
	want := "bad header: (3) 010203"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDataErrorLongPayloadTruncates(t *testing.T) {
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	err := dataErrf(data, 0, nil, "bad record")
	got := err.Error()
	if len(got) == 0 {
		t.Fatalf("expected non-empty message")
	}
	if got == (&DataError{Data: data[:0], Msg: "bad record"}).Error() {
		t.Fatalf("expected truncated payload to differ from empty payload")
	}
}

func TestErrorKindString(t *testing.T) {
	cases := map[ErrorKind]string{
		ErrOutOfDisk:              "out-of-disk",
		ErrFileCorrupt:            "file-corrupt",
		ErrSchemaMismatch:         "schema-mismatch",
		ErrKeyNotFound:            "key-not-found",
		ErrColumnIndexOutOfRange:  "column-index-out-of-range",
		ErrColumnNotNullable:      "column-not-nullable",
		ErrStringTooBig:           "string-too-big",
		ErrBinaryTooBig:           "binary-too-big",
		ErrCollectionTypeMismatch: "collection-type-mismatch",
		ErrUnknown:                "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
