package tdb

import "sync"

// indexRows is a set of ObjKeys matching one indexed value.
type indexRows []ObjKey

var indexRowsPool = &sync.Pool{
	New: func() any {
		return make(indexRows, 0, 256)
	},
}

var keyBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 32)
	},
}

func releaseKeyBytes(b []byte) {
	keyBytesPool.Put(b[:0])
}

var valueBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 4096)
	},
}

func releaseValueBytes(b []byte) {
	valueBytesPool.Put(b[:0])
}

var emptyIndexValue = []byte{}
