package tdb

import (
	"bytes"
	"encoding/hex"
	"log/slog"
	"strings"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}

func nonNil[T any](v *T) *T {
	if v == nil {
		panic("nil")
	}
	return v
}

func splitByte(s string, sep byte) (string, string, bool) {
	i := strings.IndexByte(s, sep)
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

func rpad(s string, n int, pad rune) string {
	rem := n - len(s)
	if rem <= 0 {
		return s
	}
	return s + strings.Repeat(string(pad), rem)
}

func containsBytes(list [][]byte, v []byte) bool {
	for _, b := range list {
		if bytes.Equal(b, v) {
			return true
		}
	}
	return false
}

// inc increments a big-endian byte string in place, returning false on
// overflow (all-0xFF input left unchanged).
func inc(data []byte) bool {
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			for j := i; j < len(data); j++ {
				data[j]++
			}
			return true
		}
	}
	return false
}

// dec decrements a big-endian byte string in place, returning false on
// underflow (all-zero input left unchanged).
func dec(data []byte) bool {
	for i := len(data) - 1; i >= 0; i-- {
		if data[i] != 0 {
			for j := i; j < len(data); j++ {
				data[j]--
			}
			return true
		}
	}
	return false
}

type hexBytes []byte

func (b hexBytes) String() string { return hex.EncodeToString(b) }

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}
