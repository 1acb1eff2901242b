// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package backend

import (
	"fmt"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// TableSpace divides the key-value storage into spaces by adding a prefix to
// the key.
type TableSpace byte

const (
	// NodeKey is a tablespace for content-addressed trie nodes.
	NodeKey TableSpace = 'N'
	// HistoryKey is a tablespace for per-block diff layers.
	HistoryKey TableSpace = 'H'
	// MetadataKey is a tablespace for the head binding and other metadata.
	MetadataKey TableSpace = 'M'
)

// DbKey is a key for the trie node tablespace, consisting of the tablespace
// prefix and a 32-byte commitment.
type DbKey [1 + common.HashSize]byte

func (d DbKey) ToBytes() []byte {
	return d[:]
}

// ToDBKey converts the input key to its respective table space key.
func ToDBKey(t TableSpace, key []byte) DbKey {
	var dbKey DbKey
	dbKey[0] = byte(t)
	if n := copy(dbKey[1:], key); n < len(key) {
		panic(fmt.Sprintf("input key does not fit into dbkey: len(key) > len(DbKey)-1: %d > %d", len(key), len(dbKey)-1))
	}
	return dbKey
}

// TableRange provides the key range covering all entries of a tablespace.
func TableRange(t TableSpace) *util.Range {
	return util.BytesPrefix([]byte{byte(t)})
}

// LevelDB is an interface missing in original LevelDB design. It contains
// the methods of a LevelDB instance used by the store.
type LevelDB interface {
	// Get gets the value for the given key. It returns leveldb.ErrNotFound
	// if the DB does not contain the key.
	//
	// The returned slice is its own copy, it is safe to modify the contents
	// of the returned slice.
	Get(key []byte, ro *opt.ReadOptions) (value []byte, err error)

	// Has returns true if the DB does contain the given key.
	Has(key []byte, ro *opt.ReadOptions) (bool, error)

	// NewIterator returns an iterator for the latest snapshot of the
	// underlying DB, limited to the given range.
	//
	// The iterator must be released after use, by calling Release method.
	NewIterator(slice *util.Range, ro *opt.ReadOptions) iterator.Iterator

	// Write applies the given batch to the DB. The batch records are applied
	// sequentially and atomically.
	//
	// It is safe to modify the contents of the arguments after Write returns but
	// not before. Write will not modify content of the batch.
	Write(batch *leveldb.Batch, wo *opt.WriteOptions) error

	common.MemoryFootprintProvider
}

// OpenLevelDb opens the LevelDB instance in the given directory and provides
// it wrapped in a memory-footprint-reporting object.
func OpenLevelDb(path string, options *opt.Options) (*LevelDbMemoryFootprintWrapper, error) {
	ldb, err := leveldb.OpenFile(path, options)
	if err != nil {
		return nil, err
	}
	return wrap(ldb, options), nil
}

// OpenMemoryLevelDb opens a LevelDB instance retaining all data in memory.
// It is intended for tests and short-lived tools.
func OpenMemoryLevelDb() (*LevelDbMemoryFootprintWrapper, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return wrap(ldb, nil), nil
}

func wrap(ldb *leveldb.DB, options *opt.Options) *LevelDbMemoryFootprintWrapper {
	mf := common.NewMemoryFootprint(0)
	mf.AddChild("writeBuffer", common.NewMemoryFootprint(uintptr(options.GetWriteBuffer())))
	return &LevelDbMemoryFootprintWrapper{ldb, mf}
}

// LevelDbMemoryFootprintWrapper is a LevelDB wrapper adding a memory footprint providing method.
type LevelDbMemoryFootprintWrapper struct {
	*leveldb.DB
	mf *common.MemoryFootprint
}

func (wrapper *LevelDbMemoryFootprintWrapper) GetMemoryFootprint() *common.MemoryFootprint {
	var ldbStats leveldb.DBStats
	if err := wrapper.DB.Stats(&ldbStats); err == nil {
		wrapper.mf.AddChild("blockCache", common.NewMemoryFootprint(uintptr(ldbStats.BlockCacheSize)))
	}
	return wrapper.mf
}
