// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package triestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/Fantom-foundation/Tessera/backend"
	"github.com/Fantom-foundation/Tessera/backend/pacer"
	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/healing"
	"github.com/Fantom-foundation/Tessera/database/history"
	"github.com/Fantom-foundation/Tessera/database/layer"
	"github.com/Fantom-foundation/Tessera/database/trie"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb"
)

const (
	fileNameLock        = "tessera.lock"
	directoryNameKvData = "kv"
)

var headKey = backend.ToDBKey(backend.MetadataKey, []byte("head")).ToBytes()

// headRecord is the persisted head of a store.
type headRecord struct {
	Block uint64
	Root  common.Hash
}

type mergedRange struct {
	from, to uint64
	forward  bool
}

// Store is a versioned state store. It maintains the trie of the head block,
// a working overlay collecting the writes of the next block, and the layers
// of recent blocks required for reorgs and historic reads.
//
// Structural transitions (flush, reverse, apply, switch) are mutually
// exclusive. Readers capture the current head root and traverse immutable
// nodes, so they observe the pre-transition state until a transition
// completed.
type Store struct {
	config  Config
	lock    *common.LockFile // nil for in-memory stores
	kv      *backend.LevelDbMemoryFootprintWrapper
	writer  *pacer.Pacer
	nodes   *trie.Database
	history *history.Collector
	healer  *healing.Feed // nil if no fetcher is configured
	merged  *lru.Cache[mergedRange, *layer.ChangeSet]

	transition sync.Mutex // held for the duration of structural transitions
	state      atomic.Int32

	writes sync.RWMutex // shared by writers of the working overlay, exclusive to detach it

	mutex   sync.RWMutex // protects the fields below
	block   uint64
	root    trie.NodeRef
	working *layer.Overlay
	views   map[*View]struct{}
	syncs   map[common.Hash]struct{} // roots of snap syncs in progress
	closed  bool

	errorMutex sync.RWMutex
	storeError error // a non-nil error will be stored here should a transition fail half-way

	done     chan struct{}
	watchers sync.WaitGroup

	log log.Logger
}

// Open opens the store in the configured directory, or creates an in-memory
// store if no directory is configured. A new store starts at block 0 with an
// empty state.
func Open(config Config) (*Store, error) {
	if config.MergedDiffCacheSize <= 0 {
		config.MergedDiffCacheSize = DefaultConfig.MergedDiffCacheSize
	}
	if config.RepairTimeout <= 0 {
		config.RepairTimeout = DefaultConfig.RepairTimeout
	}

	var lock *common.LockFile
	var kv *backend.LevelDbMemoryFootprintWrapper
	var err error
	if config.Directory == "" {
		kv, err = backend.OpenMemoryLevelDb()
	} else {
		if err := os.MkdirAll(config.Directory, 0700); err != nil {
			return nil, err
		}
		if lock, err = common.CreateLockFile(filepath.Join(config.Directory, fileNameLock)); err != nil {
			return nil, err
		}
		kv, err = backend.OpenLevelDb(filepath.Join(config.Directory, directoryNameKvData), nil)
		if err != nil {
			return nil, errors.Join(err, lock.Release())
		}
	}
	if err != nil {
		return nil, err
	}
	cleanup := func(err error) error {
		err = errors.Join(err, kv.Close())
		if lock != nil {
			err = errors.Join(err, lock.Release())
		}
		return err
	}

	writer := pacer.New(kv, config.Pacer)
	nodes := trie.NewDatabase(kv, writer, config.Nodes)
	hist, err := history.Open(kv, writer, config.History)
	if err != nil {
		return nil, cleanup(err)
	}
	merged, err := lru.New[mergedRange, *layer.ChangeSet](config.MergedDiffCacheSize)
	if err != nil {
		return nil, cleanup(err)
	}

	s := &Store{
		config:  config,
		lock:    lock,
		kv:      kv,
		writer:  writer,
		nodes:   nodes,
		history: hist,
		merged:  merged,
		views:   map[*View]struct{}{},
		syncs:   map[common.Hash]struct{}{},
		done:    make(chan struct{}),
		log:     log.New("module", "triestore"),
	}

	head, err := readHead(kv)
	if err != nil {
		return nil, cleanup(err)
	}
	if err := s.reconcileHistory(head); err != nil {
		return nil, cleanup(err)
	}
	s.block = head.Block
	s.root = trie.HashRef(head.Root)
	s.working = layer.NewOverlay(s.reader(s.root))

	if config.Fetcher != nil {
		healingConfig := config.Healing
		if healingConfig.Retained == nil {
			healingConfig.Retained = s.isRetained
		}
		s.healer = healing.NewFeed(nodes, config.Fetcher, healingConfig)
	}

	s.log.Info("Opened store", "directory", config.Directory, "block", head.Block, "root", head.Root, "layers", hist.Len())
	return s, nil
}

func readHead(kv backend.LevelDB) (headRecord, error) {
	data, err := kv.Get(headKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return headRecord{Root: trie.EmptyRootHash}, nil
	}
	if err != nil {
		return headRecord{}, err
	}
	var res headRecord
	if err := rlp.DecodeBytes(data, &res); err != nil {
		return headRecord{}, fmt.Errorf("%w: invalid head record: %w", trie.ErrCorruptEncoding, err)
	}
	return res, nil
}

// reconcileHistory drops layers inconsistent with the persisted head, which
// may be left behind by an interrupted transition.
func (s *Store) reconcileHistory(head headRecord) error {
	newest, found := s.history.Newest()
	if !found {
		return nil
	}
	if newest > head.Block {
		if _, err := s.history.Truncate(head.Block); err != nil {
			return err
		}
	}
	if l, found := s.history.Layer(head.Block); !found || l.Root != head.Root {
		s.log.Warn("Dropping history inconsistent with head", "block", head.Block, "root", head.Root)
		return s.history.Reset()
	}
	return nil
}

func (s *Store) writeHead(block uint64, root common.Hash) error {
	data, err := rlp.EncodeToBytes(headRecord{Block: block, Root: root})
	if err != nil {
		return err
	}
	return s.writer.Set(headKey, data)
}

// setHead binds the store to a new head. The working overlay is replaced by
// a fresh one if fresh is set, otherwise it is rebased onto the new head.
func (s *Store) setHead(block uint64, root common.Hash, fresh bool) error {
	ref := trie.HashRef(root)
	s.writes.Lock()
	defer s.writes.Unlock()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.block = block
	s.root = ref
	if fresh {
		s.working = layer.NewOverlay(s.reader(ref))
		return nil
	}
	working, err := s.working.Rebase(s.reader(ref))
	if err != nil {
		s.working = layer.NewOverlay(s.reader(ref))
		return fmt.Errorf("failed to rebase working overlay, pending writes dropped: %w", err)
	}
	s.working = working
	return nil
}

func (s *Store) head() (uint64, trie.NodeRef) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.block, s.root
}

// Head returns the block and root of the current head.
func (s *Store) Head() (uint64, common.Hash) {
	block, root := s.head()
	return block, root.Hash()
}

// Retained returns the range of blocks the store can revert to or serve
// historic views of. The range is empty if no layers are retained.
func (s *Store) Retained() (from, to uint64, ok bool) {
	oldest, found := s.history.Oldest()
	if !found {
		return 0, 0, false
	}
	newest, _ := s.history.Newest()
	return oldest - 1, newest, true
}

// State returns the structural state of the store.
func (s *Store) State() State {
	return State(s.state.Load())
}

func (s *Store) setState(state State) {
	s.state.Store(int32(state))
}

// beginTransition acquires the transition lock and checks that the store is
// usable. On success, the returned function ends the transition.
func (s *Store) beginTransition(state State) (func(), error) {
	if err := s.CheckErrors(); err != nil {
		return nil, err
	}
	s.transition.Lock()
	s.mutex.RLock()
	closed := s.closed
	s.mutex.RUnlock()
	if closed {
		s.transition.Unlock()
		return nil, ErrClosed
	}
	s.setState(state)
	return func() {
		s.setState(Ready)
		s.transition.Unlock()
	}, nil
}

// CheckErrors returns the error that left the store in an unusable state, if
// any. Once set, all later transitions report this error.
func (s *Store) CheckErrors() error {
	s.errorMutex.RLock()
	defer s.errorMutex.RUnlock()
	return s.storeError
}

func (s *Store) addError(err error) error {
	s.errorMutex.Lock()
	defer s.errorMutex.Unlock()
	s.storeError = errors.Join(s.storeError, err)
	s.log.Error("Store failed", "err", err)
	return s.storeError
}

// ---- Writing ----

// Working returns the overlay collecting the writes of the next block. Writes
// issued directly on the returned overlay may be lost if it is flushed
// concurrently; use Set and Remove instead.
func (s *Store) Working() *layer.Overlay {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.working
}

// Set updates a key in the working overlay. An empty value removes the key.
func (s *Store) Set(key common.Key, value []byte) error {
	s.writes.RLock()
	defer s.writes.RUnlock()
	return s.Working().Set(key, value)
}

// Remove deletes a key in the working overlay.
func (s *Store) Remove(key common.Key) error {
	return s.Set(key, nil)
}

// NewOverlay creates an overlay on top of the current head.
func (s *Store) NewOverlay() *layer.Overlay {
	_, root := s.head()
	return layer.NewOverlay(s.reader(root))
}

// Reset drops all uncommitted writes of the working overlay.
func (s *Store) Reset() {
	s.writes.RLock()
	defer s.writes.RUnlock()
	s.Working().Reset()
}

// Flush commits the writes of the given overlay as the given block, which
// has to be the successor of the head block. A nil overlay commits the
// working overlay; writes issued while it is flushed are collected by a new
// working overlay and carried over to the next block. An explicit overlay
// must not be modified during the flush.
func (s *Store) Flush(block uint64, overlay *layer.Overlay) error {
	end, err := s.beginTransition(Flushing)
	if err != nil {
		return err
	}
	defer end()

	head, root := s.head()
	if block != head+1 {
		return fmt.Errorf("%w: expected block %d, got %d", ErrInvalidBlock, head+1, block)
	}
	var taken *layer.Overlay
	if overlay == nil || overlay == s.Working() {
		taken = s.takeWorking(root)
		overlay = taken
	}

	changes := make(map[common.Key][]byte, overlay.Len())
	for _, key := range overlay.Keys() {
		changes[key], _ = overlay.Get(key)
	}
	newRoot, err := trie.UpdateAll(s.nodes, root, changes)
	if err != nil {
		return s.restoreWorking(taken, err)
	}
	diff, err := trie.Diff(s.nodes, root, newRoot)
	if err != nil {
		return s.restoreWorking(taken, err)
	}
	l := layer.FromChanges(block, root.Hash(), newRoot.Hash(), diff)

	// From here on, a failure leaves the store in an inconsistent state.
	if err := s.nodes.Put(trie.CollectNew(newRoot)...); err != nil {
		return s.addError(err)
	}
	if err := s.history.InsertDiff(l); err != nil {
		return s.addError(err)
	}
	if err := s.writeHead(block, l.Root); err != nil {
		return s.addError(err)
	}
	s.log.Debug("Flushed block", "block", block, "root", l.Root, "leaves", l.Leaves.Len(), "nodes", l.Nodes.Len())
	return s.setHead(block, l.Root, false)
}

// takeWorking detaches the working overlay and installs an empty one on top
// of the given root. Writes in progress complete on the detached overlay.
func (s *Store) takeWorking(root trie.NodeRef) *layer.Overlay {
	s.writes.Lock()
	defer s.writes.Unlock()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	taken := s.working
	s.working = layer.NewOverlay(s.reader(root))
	return taken
}

// restoreWorking reinstalls an overlay detached by takeWorking after a failed
// flush. Writes issued in the meantime are applied on top of it.
func (s *Store) restoreWorking(taken *layer.Overlay, cause error) error {
	if taken == nil {
		return cause
	}
	s.writes.Lock()
	defer s.writes.Unlock()
	interim := s.Working()
	for _, key := range interim.Keys() {
		value, _ := interim.Get(key)
		if err := taken.Set(key, value); err != nil {
			cause = errors.Join(cause, fmt.Errorf("failed to restore pending write: %w", err))
		}
	}
	s.mutex.Lock()
	s.working = taken
	s.mutex.Unlock()
	return cause
}

// Commit forces all pending writes to be physically committed.
func (s *Store) Commit() error {
	if err := s.nodes.Commit(); err != nil {
		return s.addError(err)
	}
	return nil
}

// ---- Reading ----

// reader reads leaves of the trie with the given root.
type reader struct {
	store *Store
	root  trie.NodeRef
}

func (r reader) GetLeaf(key common.Key) ([]byte, bool, error) {
	return r.store.get(r.root, key, r.store.accountRepair(key))
}

func (s *Store) reader(root trie.NodeRef) layer.LeafReader {
	return reader{store: s, root: root}
}

type repairRequest func(root common.Hash) *healing.Repair

func (s *Store) accountRepair(key common.Key) repairRequest {
	if s.healer == nil {
		return nil
	}
	return func(root common.Hash) *healing.Repair {
		return s.healer.RecoverAccount(key, root)
	}
}

func (s *Store) storageRepair(account, slot common.Key) repairRequest {
	if s.healer == nil {
		return nil
	}
	return func(root common.Hash) *healing.Repair {
		return s.healer.RecoverStorageSlot(slot, account, root)
	}
}

// get reads a key from the trie with the given root. Missing nodes are
// routed to the healer according to the configured policy.
func (s *Store) get(root trie.NodeRef, key common.Key, request repairRequest) ([]byte, bool, error) {
	value, found, err := trie.Get(s.nodes, root, key)
	if err == nil || request == nil || !errors.Is(err, trie.ErrMissingNode) {
		return value, found, err
	}
	repair := request(root.Hash())
	if s.config.HealingPolicy != AwaitRepair {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RepairTimeout)
	defer cancel()
	if repairErr := repair.Wait(ctx); repairErr != nil {
		return nil, false, errors.Join(err, repairErr)
	}
	return trie.Get(s.nodes, root, key)
}

// GetLeaf returns the value of the given key, including pending writes of the
// working overlay.
func (s *Store) GetLeaf(key common.Key) ([]byte, bool, error) {
	s.mutex.RLock()
	working, root := s.working, s.root
	s.mutex.RUnlock()
	if value, touched := working.Get(key); touched {
		return value, len(value) > 0, nil
	}
	return s.get(root, key, s.accountRepair(key))
}

// GetStorage returns the value of a storage slot of an account.
func (s *Store) GetStorage(account, slot common.Key) ([]byte, bool, error) {
	key := common.StorageKey(account, slot)
	s.mutex.RLock()
	working, root := s.working, s.root
	s.mutex.RUnlock()
	if value, touched := working.Get(key); touched {
		return value, len(value) > 0, nil
	}
	return s.get(root, key, s.storageRepair(account, slot))
}

// GetInternalNode returns the commitment of the node located at the given
// path of the head trie.
func (s *Store) GetInternalNode(path trie.Path) (common.Hash, bool, error) {
	_, root := s.head()
	node, found, err := trie.GetNode(s.nodes, root, path)
	if err != nil || !found {
		return common.Hash{}, false, err
	}
	return node.Hash(), true, nil
}

// ---- Maintenance ----

// liveRoots lists all roots whose nodes have to be retained.
func (s *Store) liveRoots() []common.Hash {
	roots := s.history.Roots()
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	roots = append(roots, s.root.Hash())
	for view := range s.views {
		roots = append(roots, view.Root())
	}
	for root := range s.syncs {
		roots = append(roots, root)
	}
	return roots
}

func (s *Store) isRetained(root common.Hash) bool {
	for _, cur := range s.liveRoots() {
		if cur == root {
			return true
		}
	}
	return false
}

// GetMemoryFootprint provides an overview of the memory used by the store.
func (s *Store) GetMemoryFootprint() *common.MemoryFootprint {
	mf := common.NewMemoryFootprint(0)
	mf.AddChild("nodes", s.nodes.GetMemoryFootprint())
	mf.AddChild("history", s.history.GetMemoryFootprint())
	mf.AddChild("kv", s.kv.GetMemoryFootprint())
	merged := uintptr(0)
	for _, cs := range s.merged.Values() {
		merged += cs.Merged.Size()
	}
	mf.AddChild("mergedDiffs", common.NewMemoryFootprint(merged))
	return mf
}

// Close stops all background activities, commits pending writes and
// releases the underlying storage.
func (s *Store) Close() error {
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return nil
	}
	s.closed = true
	s.mutex.Unlock()

	// Watchers may be waiting for a transition, they have to end before the
	// running transition is awaited.
	close(s.done)
	s.watchers.Wait()
	s.transition.Lock()
	defer s.transition.Unlock()

	var err error
	if s.healer != nil {
		err = s.healer.Close()
	}
	err = errors.Join(err, s.nodes.Close(), s.writer.Close(), s.kv.Close())
	if s.lock != nil {
		err = errors.Join(err, s.lock.Release())
	}
	return err
}
