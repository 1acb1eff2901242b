// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package trie

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Fantom-foundation/Tessera/backend"
	"github.com/Fantom-foundation/Tessera/backend/pacer"
	"github.com/Fantom-foundation/Tessera/common"
	"github.com/VictoriaMetrics/fastcache"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pbnjay/memory"
	"github.com/syndtr/goleveldb/leveldb"
)

// DatabaseConfig tunes the caches of a node database.
type DatabaseConfig struct {
	// CleanCacheSize is the size in bytes of the cache of persisted node
	// encodings. If zero, a share of the system's memory is used.
	CleanCacheSize int
	// NodeCacheCapacity is the number of decoded nodes kept in memory.
	NodeCacheCapacity int
}

const (
	defaultNodeCacheCapacity = 1 << 16
	maxCleanCacheSize        = 512 * 1024 * 1024
	minCleanCacheSize        = 32 * 1024 * 1024
)

// Database is a content-addressed store for trie nodes. Nodes are written
// through a pacer and read through a cache of decoded nodes, a cache of
// encoded nodes and the set of written but not yet committed nodes.
type Database struct {
	kv    backend.LevelDB
	pacer *pacer.Pacer

	clean *fastcache.Cache

	decodedMutex sync.Mutex
	decoded      *common.LruCache[common.Hash, Node]

	dirtyMutex sync.Mutex
	dirty      map[common.Hash][]byte

	log log.Logger
}

// NewDatabase creates a node database on top of the given key/value store.
// All writes are routed through the given pacer, which must write to the
// same store.
func NewDatabase(kv backend.LevelDB, writer *pacer.Pacer, config DatabaseConfig) *Database {
	if config.CleanCacheSize <= 0 {
		config.CleanCacheSize = defaultCleanCacheSize()
	}
	if config.NodeCacheCapacity <= 0 {
		config.NodeCacheCapacity = defaultNodeCacheCapacity
	}
	return &Database{
		kv:      kv,
		pacer:   writer,
		clean:   fastcache.New(config.CleanCacheSize),
		decoded: common.NewLruCache[common.Hash, Node](config.NodeCacheCapacity),
		dirty:   map[common.Hash][]byte{},
		log:     log.New("module", "nodedb"),
	}
}

func defaultCleanCacheSize() int {
	size := memory.TotalMemory() / 64
	if size > maxCleanCacheSize {
		return maxCleanCacheSize
	}
	if size < minCleanCacheSize {
		return minCleanCacheSize
	}
	return int(size)
}

// Resolve fetches the node with the given commitment. Nodes not available
// locally are reported by a *MissingNodeError; nodes with a mismatching
// encoding by ErrCorruptEncoding.
func (db *Database) Resolve(hash common.Hash, path Path) (Node, error) {
	if hash == EmptyRootHash || hash == (common.Hash{}) {
		return EmptyNode{}, nil
	}
	db.decodedMutex.Lock()
	node, found := db.decoded.Get(hash)
	db.decodedMutex.Unlock()
	if found {
		return node, nil
	}

	blob, err := db.getBlob(hash)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, &MissingNodeError{Hash: hash, Path: path}
	}
	if err != nil {
		return nil, err
	}
	node, err = Decode(hash, blob)
	if err != nil {
		return nil, err
	}
	db.decodedMutex.Lock()
	db.decoded.Set(hash, node)
	db.decodedMutex.Unlock()
	return node, nil
}

func (db *Database) getBlob(hash common.Hash) ([]byte, error) {
	if blob, found := db.clean.HasGet(nil, hash[:]); found {
		return blob, nil
	}
	db.dirtyMutex.Lock()
	blob, found := db.dirty[hash]
	db.dirtyMutex.Unlock()
	if found {
		return blob, nil
	}
	key := backend.ToDBKey(backend.NodeKey, hash[:])
	blob, err := db.pacer.Get(key.ToBytes())
	if err != nil {
		return nil, err
	}
	db.clean.Set(hash[:], blob)
	return blob, nil
}

// Has reports whether the node with the given commitment is available.
func (db *Database) Has(hash common.Hash) (bool, error) {
	if hash == EmptyRootHash || hash == (common.Hash{}) {
		return true, nil
	}
	_, err := db.getBlob(hash)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Put persists the given nodes. The nodes become visible immediately and are
// physically committed with the pacer's next commit.
func (db *Database) Put(nodes ...Node) error {
	if len(nodes) == 0 {
		return nil
	}
	batch, err := db.pacer.StartBatch()
	if err != nil {
		return err
	}
	db.dirtyMutex.Lock()
	for _, node := range nodes {
		if _, ok := node.(EmptyNode); ok {
			continue
		}
		hash := node.Hash()
		if _, found := db.dirty[hash]; found {
			continue
		}
		blob := node.Encode()
		db.dirty[hash] = blob
		key := backend.ToDBKey(backend.NodeKey, hash[:])
		if err = batch.Put(key.ToBytes(), blob); err != nil {
			break
		}
	}
	db.dirtyMutex.Unlock()
	if err = errors.Join(err, batch.Dispose()); err != nil {
		return err
	}
	db.trimDirty()
	return nil
}

// PutBlob verifies and persists an encoded node received from an external
// source. The blob must reproduce the given commitment and parse as a node.
func (db *Database) PutBlob(hash common.Hash, blob []byte) (Node, error) {
	node, err := Decode(hash, blob)
	if err != nil {
		return nil, err
	}
	if err := db.Put(node); err != nil {
		return nil, err
	}
	return node, nil
}

// trimDirty drops the dirty set once the pacer committed all pending writes.
func (db *Database) trimDirty() {
	db.dirtyMutex.Lock()
	defer db.dirtyMutex.Unlock()
	if db.pacer.Pending() == 0 {
		clear(db.dirty)
	}
}

// Commit forces all written nodes to be physically committed.
func (db *Database) Commit() error {
	if err := db.pacer.FlushBatch(); err != nil {
		return err
	}
	db.trimDirty()
	return nil
}

// Prune deletes all persisted nodes not reachable from any of the given
// roots. It returns the number of deleted nodes. The caller must ensure that
// no new roots are created concurrently.
func (db *Database) Prune(liveRoots []common.Hash) (int, error) {
	if err := db.Commit(); err != nil {
		return 0, err
	}

	live := map[common.Hash]struct{}{}
	for _, root := range liveRoots {
		err := Visit(db, HashRef(root), func(_ Path, node Node) (bool, error) {
			hash := node.Hash()
			if _, seen := live[hash]; seen {
				return false, nil
			}
			live[hash] = struct{}{}
			return true, nil
		})
		if err != nil {
			return 0, fmt.Errorf("failed to mark nodes reachable from %v: %w", root, err)
		}
	}

	iter := db.kv.NewIterator(backend.TableRange(backend.NodeKey), nil)
	batch, err := db.pacer.StartBatch()
	if err != nil {
		iter.Release()
		return 0, err
	}
	deleted := 0
	for iter.Next() {
		hash := common.HashFromBytes(iter.Key()[1:])
		if _, found := live[hash]; found {
			continue
		}
		if err = batch.Delete(append([]byte(nil), iter.Key()...)); err != nil {
			break
		}
		db.clean.Del(hash[:])
		db.decodedMutex.Lock()
		db.decoded.Remove(hash)
		db.decodedMutex.Unlock()
		deleted++
	}
	iter.Release()
	if err := errors.Join(err, iter.Error(), batch.Dispose(), db.Commit()); err != nil {
		return 0, err
	}
	db.log.Info("Pruned trie nodes", "live", len(live), "deleted", deleted)
	return deleted, nil
}

// GetMemoryFootprint provides an overview of the memory used by the caches.
func (db *Database) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(0)
	var stats fastcache.Stats
	db.clean.UpdateStats(&stats)
	mf.AddChild("cleanCache", common.NewMemoryFootprint(uintptr(stats.BytesSize)))
	db.decodedMutex.Lock()
	mf.AddChild("nodeCache", db.decoded.GetDynamicMemoryFootprint(func(node Node) uintptr {
		return uintptr(len(node.Encode()))
	}))
	db.decodedMutex.Unlock()
	db.dirtyMutex.Lock()
	dirty := uintptr(0)
	for _, blob := range db.dirty {
		dirty += uintptr(len(blob)) + common.HashSize
	}
	db.dirtyMutex.Unlock()
	mf.AddChild("dirty", common.NewMemoryFootprint(dirty))
	return mf
}

// Close releases the caches. The underlying store is not closed.
func (db *Database) Close() error {
	err := db.Commit()
	db.clean.Reset()
	return err
}
