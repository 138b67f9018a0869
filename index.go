package tdb

import (
	"fmt"
	"sort"

	"go.etcd.io/bbolt"
)

// SearchIndex maps an indexed column's values to the ObjKeys of the rows
// holding them. §4.4 describes this as "B-tree-backed hash maps from
// value -> ObjKey set"; we persist it as a bbolt bucket per table/column,
// keyed by the value's byte encoding from Object.indexKeyFor and valued
// by a varint-encoded sorted ObjKey list. Only point lookups (Lookup) are
// offered; the float encoding is raw IEEE-754 bits, so byte order matches
// value order for ints, timestamps, bools and non-negative floats only.
type SearchIndex struct {
	bdb        *bbolt.DB
	bucketName []byte
}

func searchIndexBucketName(table, column string) []byte {
	return []byte("idx:" + table + ":" + column)
}

// OpenSearchIndex opens (creating if necessary) the bucket backing the
// search index for table.column.
func OpenSearchIndex(bdb *bbolt.DB, table, column string) (*SearchIndex, error) {
	name := searchIndexBucketName(table, column)
	err := bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("tdb: open search index %s.%s: %w", table, column, err)
	}
	return &SearchIndex{bdb: bdb, bucketName: name}, nil
}

// Drop removes the index's bucket entirely (column removed, or index
// disabled).
func (idx *SearchIndex) Drop() error {
	return idx.bdb.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket(idx.bucketName)
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func encodeObjKeyList(keys []ObjKey) []byte {
	var buf []byte
	buf = appendUvarint(buf, uint64(len(keys)))
	for _, k := range keys {
		buf = appendUvarint(buf, uint64(int64(k)))
	}
	return buf
}

// decodeObjKeyListInto decodes data's varint-encoded posting list into
// dst, reusing its capacity: Add and Remove pass a pooled indexRows
// slice, Lookup passes nil and so allocates a fresh one.
func decodeObjKeyListInto(dst indexRows, data []byte) (indexRows, error) {
	dst = dst[:0]
	if len(data) == 0 {
		return dst, nil
	}
	d := makeByteDecoder(data)
	n, err := d.Uvarinti()
	if err != nil {
		return dst, err
	}
	for i := 0; i < n; i++ {
		v, err := d.Uvarint()
		if err != nil {
			return dst, err
		}
		dst = append(dst, ObjKey(int64(v)))
	}
	return dst, nil
}

// Add records that valueKey (the encoded indexed value, see
// Object.indexKeyFor) now maps to objKey.
func (idx *SearchIndex) Add(valueKey []byte, objKey ObjKey) error {
	rows := indexRowsPool.Get().(indexRows)
	defer indexRowsPool.Put(rows[:0])
	keyBuf := keyBytesPool.Get().([]byte)
	defer releaseKeyBytes(keyBuf)

	return idx.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(idx.bucketName)
		rows, err := decodeObjKeyListInto(rows, b.Get(valueKey))
		if err != nil {
			return err
		}
		i := sort.Search(len(rows), func(i int) bool { return rows[i] >= objKey })
		if i < len(rows) && rows[i] == objKey {
			return nil // already present
		}
		rows = append(rows, NilObjKey)
		copy(rows[i+1:], rows[i:])
		rows[i] = objKey
		keyBuf = append(keyBuf[:0], valueKey...)
		return b.Put(keyBuf, encodeObjKeyList(rows))
	})
}

// Remove deletes the valueKey -> objKey mapping.
func (idx *SearchIndex) Remove(valueKey []byte, objKey ObjKey) error {
	rows := indexRowsPool.Get().(indexRows)
	defer indexRowsPool.Put(rows[:0])
	keyBuf := keyBytesPool.Get().([]byte)
	defer releaseKeyBytes(keyBuf)

	return idx.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(idx.bucketName)
		rows, err := decodeObjKeyListInto(rows, b.Get(valueKey))
		if err != nil {
			return err
		}
		i := sort.Search(len(rows), func(i int) bool { return rows[i] >= objKey })
		if i >= len(rows) || rows[i] != objKey {
			return nil
		}
		rows = append(rows[:i], rows[i+1:]...)
		if len(rows) == 0 {
			return b.Delete(valueKey)
		}
		keyBuf = append(keyBuf[:0], valueKey...)
		return b.Put(keyBuf, encodeObjKeyList(rows))
	})
}

// Lookup returns every ObjKey currently mapped to valueKey.
func (idx *SearchIndex) Lookup(valueKey []byte) ([]ObjKey, error) {
	var out []ObjKey
	err := idx.bdb.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(idx.bucketName)
		rows, err := decodeObjKeyListInto(nil, b.Get(valueKey))
		if err != nil {
			return err
		}
		out = append([]ObjKey(nil), rows...)
		return nil
	})
	return out, err
}
