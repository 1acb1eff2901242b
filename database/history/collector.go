// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package history

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/Fantom-foundation/Tessera/backend"
	"github.com/Fantom-foundation/Tessera/backend/pacer"
	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/layer"
	"github.com/Fantom-foundation/Tessera/database/trie"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"
)

const (
	// ErrReorgBeyondRetention is reported for requests reaching beyond the
	// oldest retained layer. It can only be resolved by a full re-sync.
	ErrReorgBeyondRetention = common.ConstError("reorg beyond retention window")
	// ErrOutOfOrder is reported when inserting a layer that does not extend
	// or replace the retained chain of layers.
	ErrOutOfOrder = common.ConstError("layer out of order")
)

// Config tunes the retention of a collector.
type Config struct {
	// RetentionDepth is the number of most recent layers retained.
	RetentionDepth uint64
	// ParkedCapacity is the number of reversed layers kept for re-application.
	ParkedCapacity int
	// BloomItems is the number of distinct keys the bloom filter is sized
	// for before it gets rebuilt.
	BloomItems uint64
}

// DefaultConfig is used for all fields left zero in a custom config.
var DefaultConfig = Config{
	RetentionDepth: 128,
	ParkedCapacity: 256,
	BloomItems:     1 << 20,
}

// bloomTargetError is the targeted false positive rate of the bloom filter
// when filled with BloomItems keys.
const bloomTargetError = 0.02

// Collector retains the layers of the most recent blocks and serves the
// values leaves and internal nodes had at the end of a retained block.
//
// Every layer's pre-images hold complete prior values. Dropping the oldest
// layer thus never affects the validity of any newer layer.
type Collector struct {
	config Config
	kv     backend.LevelDB // nil if not persisted
	writer *pacer.Pacer

	mutex      sync.RWMutex
	layers     []*layer.Layer // ascending, contiguous blocks
	bloom      *bloomfilter.Filter
	bloomFuncs uint64
	bloomSize  uint64

	parked *lru.Cache[common.Hash, *layer.Layer]

	log log.Logger
}

// NewCollector creates a collector retaining layers in memory only.
func NewCollector(config Config) *Collector {
	if config.RetentionDepth == 0 {
		config.RetentionDepth = DefaultConfig.RetentionDepth
	}
	if config.ParkedCapacity <= 0 {
		config.ParkedCapacity = DefaultConfig.ParkedCapacity
	}
	if config.BloomItems == 0 {
		config.BloomItems = DefaultConfig.BloomItems
	}
	size := math.Ceil(float64(config.BloomItems) * math.Log(bloomTargetError) / math.Log(1/math.Pow(2, math.Log(2))))
	funcs := math.Max(1, math.Round((size/float64(config.BloomItems))*math.Log(2)))
	parked, _ := lru.New[common.Hash, *layer.Layer](config.ParkedCapacity)
	res := &Collector{
		config:     config,
		bloomSize:  uint64(size),
		bloomFuncs: uint64(funcs),
		parked:     parked,
		log:        log.New("module", "history"),
	}
	res.rebloom()
	return res
}

// Open creates a collector persisting its layers in the given store through
// the given pacer. Previously persisted layers are restored.
func Open(kv backend.LevelDB, writer *pacer.Pacer, config Config) (*Collector, error) {
	res := NewCollector(config)
	res.kv = kv
	res.writer = writer

	keyRange := getLayerKeyRangeFromHighest()
	iter := kv.NewIterator(&keyRange, nil)
	defer iter.Release()

	stale := [][]byte{}
	loaded := []*layer.Layer{}
	for iter.Next() {
		var key layerKey
		copy(key[:], iter.Key())
		l, err := layer.DecodeLayer(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("failed to restore layer of block %d: %w", key.get(), err)
		}
		if n := len(loaded); uint64(n) >= res.config.RetentionDepth ||
			n > 0 && (loaded[n-1].Block != l.Block+1 || loaded[n-1].ParentRoot != l.Root) {
			stale = append(stale, append([]byte(nil), iter.Key()...))
			continue
		}
		loaded = append(loaded, l)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	for i := len(loaded) - 1; i >= 0; i-- {
		res.layers = append(res.layers, loaded[i])
		res.addToBloom(loaded[i])
	}
	if len(stale) > 0 {
		batch, err := writer.StartBatch()
		if err != nil {
			return nil, err
		}
		for _, key := range stale {
			err = errors.Join(err, batch.Delete(key))
		}
		if err := errors.Join(err, batch.Dispose()); err != nil {
			return nil, err
		}
	}
	res.log.Info("Restored history", "layers", len(res.layers), "dropped", len(stale))
	return res, nil
}

func bloomHash(key common.Key) uint64 {
	return binary.BigEndian.Uint64(key[0:8]) ^
		binary.BigEndian.Uint64(key[8:16]) ^
		binary.BigEndian.Uint64(key[16:24]) ^
		binary.BigEndian.Uint64(key[24:32])
}

func (c *Collector) addToBloom(l *layer.Layer) {
	for key := range l.Leaves.Post {
		c.bloom.AddHash(bloomHash(key))
	}
}

// rebloom discards the bloom filter and rebuilds it from the retained layers.
func (c *Collector) rebloom() {
	c.bloom, _ = bloomfilter.New(c.bloomSize, c.bloomFuncs)
	for _, l := range c.layers {
		c.addToBloom(l)
	}
}

// InsertDiff records the given layer. The collector takes ownership of the
// layer; it must not be modified afterwards. The layer must either extend the
// newest retained layer or replace a retained layer, in which case all newer
// layers are dropped.
func (c *Collector) InsertDiff(l *layer.Layer) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if n := len(c.layers); n > 0 {
		oldest, newest := c.layers[0], c.layers[n-1]
		if l.Block <= newest.Block {
			if l.Block < oldest.Block {
				return fmt.Errorf("%w: block %d is older than retained block %d", ErrReorgBeyondRetention, l.Block, oldest.Block)
			}
			if _, err := c.removeFrom(l.Block); err != nil {
				return err
			}
		}
		if n := len(c.layers); n > 0 {
			newest = c.layers[n-1]
			if l.Block != newest.Block+1 || l.ParentRoot != newest.Root {
				return fmt.Errorf("%w: block %d with parent %v does not extend block %d with root %v",
					ErrOutOfOrder, l.Block, l.ParentRoot, newest.Block, newest.Root)
			}
		}
	}

	if err := c.persist(l); err != nil {
		return err
	}
	c.layers = append(c.layers, l)
	c.addToBloom(l)

	if excess := uint64(len(c.layers)); excess > c.config.RetentionDepth {
		if err := c.dropOldest(int(excess - c.config.RetentionDepth)); err != nil {
			return err
		}
	}
	return nil
}

// InsertDiffView records a copy of the given borrowed layer.
func (c *Collector) InsertDiffView(view layer.LayerView) error {
	return c.InsertDiff(layer.Copy(view))
}

func (c *Collector) persist(l *layer.Layer) error {
	if c.writer == nil {
		return nil
	}
	data, err := layer.EncodeLayer(l)
	if err != nil {
		return err
	}
	var key layerKey
	key.set(l.Block)
	batch, err := c.writer.StartBatch()
	if err != nil {
		return err
	}
	return errors.Join(batch.Put(key[:], data), batch.Dispose())
}

func (c *Collector) unpersist(layers []*layer.Layer) error {
	if c.writer == nil || len(layers) == 0 {
		return nil
	}
	batch, err := c.writer.StartBatch()
	if err != nil {
		return err
	}
	for _, l := range layers {
		var key layerKey
		key.set(l.Block)
		err = errors.Join(err, batch.Delete(key[:]))
	}
	return errors.Join(err, batch.Dispose())
}

func (c *Collector) dropOldest(n int) error {
	if n > len(c.layers) {
		n = len(c.layers)
	}
	dropped := c.layers[:n]
	if err := c.unpersist(dropped); err != nil {
		return err
	}
	c.layers = append([]*layer.Layer(nil), c.layers[n:]...)
	if c.bloom.N() > c.config.BloomItems {
		c.rebloom()
	}
	return nil
}

// removeFrom drops all layers starting at the given block and returns them
// in descending block order.
func (c *Collector) removeFrom(block uint64) ([]*layer.Layer, error) {
	i := sort.Search(len(c.layers), func(i int) bool { return c.layers[i].Block >= block })
	removed := c.layers[i:]
	if err := c.unpersist(removed); err != nil {
		return nil, err
	}
	res := make([]*layer.Layer, len(removed))
	for j, l := range removed {
		res[len(res)-1-j] = l
	}
	c.layers = c.layers[:i:i]
	if len(removed) > 0 {
		c.rebloom()
	}
	return res, nil
}

// Truncate removes all layers above the given block and returns them in
// descending block order.
func (c *Collector) Truncate(block uint64) ([]*layer.Layer, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if block == math.MaxUint64 {
		return nil, nil
	}
	return c.removeFrom(block + 1)
}

// Prune removes all layers below the given block.
func (c *Collector) Prune(keepFrom uint64) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	n := sort.Search(len(c.layers), func(i int) bool { return c.layers[i].Block >= keepFrom })
	return c.dropOldest(n)
}

// Reset drops all retained and parked layers.
func (c *Collector) Reset() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err := c.unpersist(c.layers); err != nil {
		return err
	}
	c.layers = nil
	c.parked.Purge()
	c.rebloom()
	return nil
}

// checkRange verifies that the state at the end of the given block can be
// reconstructed from the retained layers.
func (c *Collector) checkRange(block uint64) error {
	if len(c.layers) == 0 {
		return fmt.Errorf("%w: no layers retained", ErrReorgBeyondRetention)
	}
	if oldest := c.layers[0].Block; oldest > 0 && block < oldest-1 {
		return fmt.Errorf("%w: block %d, oldest retained block %d", ErrReorgBeyondRetention, block, oldest)
	}
	return nil
}

// firstAbove returns the index of the first layer above the given block.
func (c *Collector) firstAbove(block uint64) int {
	return sort.Search(len(c.layers), func(i int) bool { return c.layers[i].Block > block })
}

// GetLeaf returns the value of the given key at the end of the given block.
// If found is false, the key was not modified after the block and the
// current value has to be read from the canonical store. Otherwise a nil
// value reports that the key did not exist.
func (c *Collector) GetLeaf(key common.Key, block uint64) (value []byte, found bool, err error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.checkRange(block); err != nil {
		return nil, false, err
	}
	if !c.bloom.ContainsHash(bloomHash(key)) {
		return nil, false, nil
	}
	// The oldest layer above the block touching the key holds its value at
	// the end of the block as pre-image.
	for _, l := range c.layers[c.firstAbove(block):] {
		if pre, touched := l.Leaves.GetPre(key); touched {
			return pre, true, nil
		}
	}
	return nil, false, nil
}

// GetInternalNode returns the commitment of the node located at the given
// path at the end of the given block. If found is false, the node was not
// modified after the block. Otherwise a zero hash reports the absence of a
// node at this path.
func (c *Collector) GetInternalNode(path trie.Path, block uint64) (hash common.Hash, found bool, err error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.checkRange(block); err != nil {
		return common.Hash{}, false, err
	}
	for _, l := range c.layers[c.firstAbove(block):] {
		if pre, touched := l.Nodes.GetPre(path); touched {
			return pre, true, nil
		}
	}
	return common.Hash{}, false, nil
}

// RootAt returns the root the state had at the end of the given block.
func (c *Collector) RootAt(block uint64) (common.Hash, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if err := c.checkRange(block); err != nil {
		return common.Hash{}, err
	}
	i := c.firstAbove(block)
	if i < len(c.layers) {
		return c.layers[i].ParentRoot, nil
	}
	return c.layers[len(c.layers)-1].Root, nil
}

// Layer returns the retained layer of the given block. The result is shared
// and must not be modified.
func (c *Collector) Layer(block uint64) (*layer.Layer, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if len(c.layers) == 0 || block < c.layers[0].Block {
		return nil, false
	}
	i := block - c.layers[0].Block
	if i >= uint64(len(c.layers)) {
		return nil, false
	}
	return c.layers[i], true
}

// Range returns the layers of the blocks from..to in ascending order.
func (c *Collector) Range(from, to uint64) ([]*layer.Layer, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if from > to {
		return nil, fmt.Errorf("invalid block range %d-%d", from, to)
	}
	if len(c.layers) == 0 || from < c.layers[0].Block || to > c.layers[len(c.layers)-1].Block {
		return nil, fmt.Errorf("%w: blocks %d-%d not retained", ErrReorgBeyondRetention, from, to)
	}
	start := from - c.layers[0].Block
	return append([]*layer.Layer(nil), c.layers[start:start+to-from+1]...), nil
}

// Oldest returns the block of the oldest retained layer.
func (c *Collector) Oldest() (uint64, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if len(c.layers) == 0 {
		return 0, false
	}
	return c.layers[0].Block, true
}

// Newest returns the block of the newest retained layer.
func (c *Collector) Newest() (uint64, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if len(c.layers) == 0 {
		return 0, false
	}
	return c.layers[len(c.layers)-1].Block, true
}

// Len returns the number of retained layers.
func (c *Collector) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.layers)
}

// Roots lists the roots of all retained and parked layers, including the
// parent root of the oldest retained layer.
func (c *Collector) Roots() []common.Hash {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	res := make([]common.Hash, 0, len(c.layers)+1+c.parked.Len())
	if len(c.layers) > 0 {
		res = append(res, c.layers[0].ParentRoot)
	}
	for _, l := range c.layers {
		res = append(res, l.Root)
	}
	for _, l := range c.parked.Values() {
		res = append(res, l.Root)
	}
	return res
}

// Park retains a layer removed from the canonical chain, indexed by the root
// it leads to, so that it can be re-applied when switching back to its fork.
func (c *Collector) Park(l *layer.Layer) {
	c.parked.Add(l.Root, l)
}

// Parked returns the parked layer leading to the given root.
func (c *Collector) Parked(root common.Hash) (*layer.Layer, bool) {
	return c.parked.Peek(root)
}

// DropParkedUpTo removes all parked layers of blocks up to the given block.
func (c *Collector) DropParkedUpTo(block uint64) int {
	dropped := 0
	for _, root := range c.parked.Keys() {
		if l, found := c.parked.Peek(root); found && l.Block <= block {
			c.parked.Remove(root)
			dropped++
		}
	}
	return dropped
}

// GetMemoryFootprint provides an overview of the memory used by the layers.
func (c *Collector) GetMemoryFootprint() *common.MemoryFootprint {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	mf := common.NewMemoryFootprint(0)
	size := uintptr(0)
	for _, l := range c.layers {
		size += l.Size()
	}
	mf.AddChild("layers", common.NewMemoryFootprint(size))
	parked := uintptr(0)
	for _, l := range c.parked.Values() {
		parked += l.Size()
	}
	mf.AddChild("parked", common.NewMemoryFootprint(parked))
	mf.AddChild("bloom", common.NewMemoryFootprint(uintptr(c.bloom.M()/8)))
	return mf
}
