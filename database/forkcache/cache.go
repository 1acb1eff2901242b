// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package forkcache

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	ErrUnknownBlock   = common.ConstError("unknown block")
	ErrBrokenChain    = common.ConstError("broken chain of blocks")
	ErrFinalizedReorg = common.ConstError("reorg would revert finalized block")
)

// DefaultCapacity is the number of blocks retained by a cache created with
// a non-positive capacity.
const DefaultCapacity = 1024

// Block is the information on a block required for tracking forks.
type Block struct {
	Hash       common.Hash
	ParentHash common.Hash // zero for blocks without a known parent
	Number     uint64
	StateRoot  common.Hash
	Payload    any // opaque data of the owner, not interpreted by the cache
}

func (b *Block) String() string {
	return fmt.Sprintf("#%d(%x)", b.Number, b.Hash[:4])
}

// Path describes the blocks to be reverted and applied for switching from one
// block to another.
type Path struct {
	Ancestor *Block   // the latest common ancestor
	Revert   []*Block // blocks to revert, in descending order, excluding the ancestor
	Apply    []*Block // blocks to apply, in ascending order, excluding the ancestor
}

// IsNoop is true if both ends of the path are the same block.
func (p *Path) IsNoop() bool {
	return len(p.Revert) == 0 && len(p.Apply) == 0
}

// FinalizedEvent is published whenever a block got finalized.
type FinalizedEvent struct {
	Block   *Block
	Dropped []common.Hash
}

// Cache is a bounded index of recent blocks by hash and by parent hash. It
// is a pure graph index; both indices are always updated atomically.
type Cache struct {
	mutex     sync.RWMutex
	blocks    *lru.Cache[common.Hash, *Block]
	children  map[common.Hash][]common.Hash
	finalized *Block

	finalizedFeed event.Feed
	scope         event.SubscriptionScope

	log log.Logger
}

// NewCache creates a cache retaining up to the given number of blocks.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	res := &Cache{
		children: map[common.Hash][]common.Hash{},
		log:      log.New("module", "forkcache"),
	}
	// The eviction callback runs within operations already holding the mutex.
	res.blocks, _ = lru.NewWithEvict[common.Hash, *Block](capacity, func(_ common.Hash, block *Block) {
		res.unindex(block)
	})
	return res
}

func (c *Cache) unindex(block *Block) {
	if block.ParentHash == (common.Hash{}) {
		return
	}
	siblings := c.children[block.ParentHash]
	for i, hash := range siblings {
		if hash == block.Hash {
			siblings = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(c.children, block.ParentHash)
	} else {
		c.children[block.ParentHash] = siblings
	}
}

// Add registers the given block. Re-adding a known block has no effect.
func (c *Cache) Add(block *Block) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.blocks.Contains(block.Hash) {
		return
	}
	if block.ParentHash != (common.Hash{}) {
		c.children[block.ParentHash] = append(c.children[block.ParentHash], block.Hash)
	}
	c.blocks.Add(block.Hash, block)
}

// Get returns the block with the given hash.
func (c *Cache) Get(hash common.Hash) (*Block, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.blocks.Peek(hash)
}

// GetChildren returns the known children of the given block, ordered by hash.
func (c *Cache) GetChildren(hash common.Hash) []*Block {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	hashes := c.children[hash]
	res := make([]*Block, 0, len(hashes))
	for _, child := range hashes {
		if block, found := c.blocks.Peek(child); found {
			res = append(res, block)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return bytes.Compare(res[i].Hash[:], res[j].Hash[:]) < 0
	})
	return res
}

// Len returns the number of retained blocks.
func (c *Cache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.blocks.Len()
}

// Clear drops all blocks from both indices.
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.blocks.Purge()
	c.children = map[common.Hash][]common.Hash{}
	c.finalized = nil
}

// Finalized returns the last finalized block, nil if there is none.
func (c *Cache) Finalized() *Block {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.finalized
}

// FindPath computes the blocks to revert and to apply for switching the
// state from block from to block to.
func (c *Cache) FindPath(from, to common.Hash) (*Path, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	oldBlock, found := c.blocks.Peek(from)
	if !found {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBlock, from)
	}
	newBlock, found := c.blocks.Peek(to)
	if !found {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBlock, to)
	}

	res := &Path{}
	var apply []*Block
	parent := func(block *Block) (*Block, error) {
		if block.Number == 0 {
			return nil, fmt.Errorf("%w: no common ancestor of %v and %v", ErrBrokenChain, from, to)
		}
		next, found := c.blocks.Peek(block.ParentHash)
		if !found || next.Number+1 != block.Number {
			return nil, fmt.Errorf("%w: parent of %v not available", ErrBrokenChain, block)
		}
		return next, nil
	}

	var err error
	for oldBlock.Number > newBlock.Number {
		res.Revert = append(res.Revert, oldBlock)
		if oldBlock, err = parent(oldBlock); err != nil {
			return nil, err
		}
	}
	for newBlock.Number > oldBlock.Number {
		apply = append(apply, newBlock)
		if newBlock, err = parent(newBlock); err != nil {
			return nil, err
		}
	}
	for oldBlock.Hash != newBlock.Hash {
		res.Revert = append(res.Revert, oldBlock)
		apply = append(apply, newBlock)
		if oldBlock, err = parent(oldBlock); err != nil {
			return nil, err
		}
		if newBlock, err = parent(newBlock); err != nil {
			return nil, err
		}
	}
	res.Ancestor = oldBlock

	if c.finalized != nil && len(res.Revert) > 0 && res.Ancestor.Number < c.finalized.Number {
		return nil, fmt.Errorf("%w: ancestor %v is below finalized block %v", ErrFinalizedReorg, res.Ancestor, c.finalized)
	}

	res.Apply = make([]*Block, len(apply))
	for i, block := range apply {
		res.Apply[len(apply)-1-i] = block
	}
	return res, nil
}

// Finalize marks the given block as final. All blocks at or below its height
// which are not its ancestors are dropped, as are their descendants.
// Subscribers are notified about the finalization.
func (c *Cache) Finalize(hash common.Hash) error {
	c.mutex.Lock()
	block, found := c.blocks.Peek(hash)
	if !found {
		c.mutex.Unlock()
		return fmt.Errorf("%w: %v", ErrUnknownBlock, hash)
	}

	canonical := map[common.Hash]bool{}
	for cur := block; ; {
		canonical[cur.Hash] = true
		next, found := c.blocks.Peek(cur.ParentHash)
		if !found {
			break
		}
		cur = next
	}

	all := c.blocks.Values()
	sort.Slice(all, func(i, j int) bool { return all[i].Number < all[j].Number })
	dropped := map[common.Hash]bool{}
	for _, cur := range all {
		if canonical[cur.Hash] {
			continue
		}
		if cur.Number <= block.Number || dropped[cur.ParentHash] {
			dropped[cur.Hash] = true
		}
	}
	droppedHashes := make([]common.Hash, 0, len(dropped))
	for _, cur := range all {
		if dropped[cur.Hash] {
			c.blocks.Remove(cur.Hash)
			droppedHashes = append(droppedHashes, cur.Hash)
		}
	}
	c.finalized = block
	c.mutex.Unlock()

	c.log.Debug("Finalized block", "number", block.Number, "hash", block.Hash, "dropped", len(droppedHashes))
	c.finalizedFeed.Send(FinalizedEvent{Block: block, Dropped: droppedHashes})
	return nil
}

// SubscribeFinalized registers a channel receiving finalization events. The
// subscription has to be ended by calling Unsubscribe.
func (c *Cache) SubscribeFinalized(ch chan<- FinalizedEvent) event.Subscription {
	return c.scope.Track(c.finalizedFeed.Subscribe(ch))
}

// Close ends all subscriptions.
func (c *Cache) Close() {
	c.scope.Close()
}
