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
	"errors"
	"testing"
	"time"

	"github.com/Fantom-foundation/Tessera/common"
)

func hash(number uint64, fork byte) common.Hash {
	return common.Hash{fork, byte(number >> 8), byte(number), 0xCC}
}

// addChain adds blocks from..to of the given fork, the first one being a
// child of the given parent.
func addChain(c *Cache, parent common.Hash, from, to uint64, fork byte) {
	for i := from; i <= to; i++ {
		c.Add(&Block{Hash: hash(i, fork), ParentHash: parent, Number: i})
		parent = hash(i, fork)
	}
}

func hashes(blocks []*Block) []common.Hash {
	res := make([]common.Hash, 0, len(blocks))
	for _, block := range blocks {
		res = append(res, block.Hash)
	}
	return res
}

func equalHashes(a, b []common.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCache_AddedBlocksCanBeRetrieved(t *testing.T) {
	c := NewCache(16)
	block := &Block{Hash: hash(1, 0), Number: 1, StateRoot: common.Hash{0x01}, Payload: "header"}
	c.Add(block)
	got, found := c.Get(block.Hash)
	if !found || got != block || got.Payload != "header" {
		t.Errorf("unexpected block %v, %t", got, found)
	}
	if _, found := c.Get(hash(2, 0)); found {
		t.Errorf("unknown block should not be found")
	}
	if c.Len() != 1 {
		t.Errorf("unexpected size %d", c.Len())
	}
}

func TestCache_ChildrenOfSharedParentAreListed(t *testing.T) {
	c := NewCache(16)
	parent := &Block{Hash: hash(1, 0), Number: 1}
	c.Add(parent)
	for fork := byte(1); fork <= 3; fork++ {
		c.Add(&Block{Hash: hash(2, fork), ParentHash: parent.Hash, Number: 2})
	}
	children := c.GetChildren(parent.Hash)
	want := []common.Hash{hash(2, 1), hash(2, 2), hash(2, 3)}
	if got := hashes(children); !equalHashes(got, want) {
		t.Errorf("unexpected children, wanted %v, got %v", want, got)
	}
	if got := c.GetChildren(hash(2, 1)); len(got) != 0 {
		t.Errorf("leaf block should have no children, got %v", got)
	}
}

func TestCache_BlocksWithoutParentAreNotIndexedAsChildren(t *testing.T) {
	c := NewCache(16)
	c.Add(&Block{Hash: hash(5, 0), Number: 5})
	if got := c.GetChildren(common.Hash{}); len(got) != 0 {
		t.Errorf("orphan should not be indexed under the zero hash, got %v", got)
	}
	if _, found := c.Get(hash(5, 0)); !found {
		t.Errorf("orphan should be retrievable by hash")
	}
}

func TestCache_ClearEmptiesBothIndices(t *testing.T) {
	c := NewCache(16)
	addChain(c, common.Hash{}, 1, 4, 0)
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("cache should be empty")
	}
	for i := uint64(1); i <= 4; i++ {
		if _, found := c.Get(hash(i, 0)); found {
			t.Errorf("block %d should be gone", i)
		}
		if got := c.GetChildren(hash(i, 0)); len(got) != 0 {
			t.Errorf("children of block %d should be gone", i)
		}
	}
}

func TestCache_EvictionRemovesBothIndexEntries(t *testing.T) {
	c := NewCache(2)
	addChain(c, common.Hash{}, 1, 3, 0)
	if _, found := c.Get(hash(1, 0)); found {
		t.Errorf("oldest block should be evicted")
	}
	if got := c.GetChildren(hash(1, 0)); len(got) != 1 {
		t.Errorf("child of evicted block should remain indexed, got %v", got)
	}
	if len(c.children[common.Hash{}]) != 0 {
		t.Errorf("evicted block should not be indexed")
	}
	addChain(c, hash(3, 0), 4, 4, 0)
	if got := c.GetChildren(hash(1, 0)); len(got) != 0 {
		t.Errorf("evicted child should be removed from parent index, got %v", got)
	}
	if _, found := c.children[hash(1, 0)]; found {
		t.Errorf("empty child lists should be dropped")
	}
}

func TestCache_FindPath(t *testing.T) {
	c := NewCache(64)
	addChain(c, common.Hash{}, 0, 5, 0)
	addChain(c, hash(3, 0), 4, 7, 1)

	tests := map[string]struct {
		from, to common.Hash
		ancestor common.Hash
		revert   []common.Hash
		apply    []common.Hash
	}{
		"same block": {
			hash(5, 0), hash(5, 0), hash(5, 0), nil, nil,
		},
		"forward": {
			hash(2, 0), hash(5, 0), hash(2, 0), nil, []common.Hash{hash(3, 0), hash(4, 0), hash(5, 0)},
		},
		"backward": {
			hash(5, 0), hash(3, 0), hash(3, 0), []common.Hash{hash(5, 0), hash(4, 0)}, nil,
		},
		"sibling fork": {
			hash(5, 0), hash(6, 1), hash(3, 0),
			[]common.Hash{hash(5, 0), hash(4, 0)},
			[]common.Hash{hash(4, 1), hash(5, 1), hash(6, 1)},
		},
		"back from fork": {
			hash(4, 1), hash(4, 0), hash(3, 0),
			[]common.Hash{hash(4, 1)},
			[]common.Hash{hash(4, 0)},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			path, err := c.FindPath(test.from, test.to)
			if err != nil {
				t.Fatalf("failed to find path: %v", err)
			}
			if path.Ancestor.Hash != test.ancestor {
				t.Errorf("unexpected ancestor, wanted %x, got %x", test.ancestor, path.Ancestor.Hash)
			}
			if got := hashes(path.Revert); !equalHashes(got, test.revert) {
				t.Errorf("unexpected revert sequence, wanted %v, got %v", test.revert, got)
			}
			if got := hashes(path.Apply); !equalHashes(got, test.apply) {
				t.Errorf("unexpected apply sequence, wanted %v, got %v", test.apply, got)
			}
			if path.IsNoop() != (test.from == test.to) {
				t.Errorf("unexpected no-op flag")
			}
		})
	}
}

func TestCache_FindPathReportsUnknownAndBrokenChains(t *testing.T) {
	c := NewCache(64)
	addChain(c, common.Hash{}, 0, 3, 0)
	c.Add(&Block{Hash: hash(6, 2), ParentHash: hash(5, 2), Number: 6})

	if _, err := c.FindPath(hash(3, 0), hash(9, 9)); !errors.Is(err, ErrUnknownBlock) {
		t.Errorf("expected unknown block, got %v", err)
	}
	if _, err := c.FindPath(hash(3, 0), hash(6, 2)); !errors.Is(err, ErrBrokenChain) {
		t.Errorf("expected broken chain, got %v", err)
	}
}

func TestCache_FinalizeDropsNonCanonicalBlocksAndNotifies(t *testing.T) {
	c := NewCache(64)
	defer c.Close()
	addChain(c, common.Hash{}, 0, 5, 0)
	addChain(c, hash(1, 0), 2, 6, 1)

	events := make(chan FinalizedEvent, 1)
	sub := c.SubscribeFinalized(events)
	defer sub.Unsubscribe()

	if err := c.Finalize(hash(3, 0)); err != nil {
		t.Fatalf("failed to finalize: %v", err)
	}
	select {
	case event := <-events:
		if event.Block.Hash != hash(3, 0) {
			t.Errorf("unexpected finalized block %v", event.Block)
		}
		if len(event.Dropped) != 5 {
			t.Errorf("unexpected number of dropped blocks: %d", len(event.Dropped))
		}
	case <-time.After(time.Second):
		t.Fatalf("no finalization event received")
	}

	for i := uint64(2); i <= 6; i++ {
		if _, found := c.Get(hash(i, 1)); found {
			t.Errorf("block %d of abandoned fork should be dropped", i)
		}
	}
	for i := uint64(0); i <= 5; i++ {
		if _, found := c.Get(hash(i, 0)); !found {
			t.Errorf("canonical block %d should be retained", i)
		}
	}
	if c.Finalized().Hash != hash(3, 0) {
		t.Errorf("unexpected finalized block")
	}
}

func TestCache_FindPathRefusesToRevertFinalizedBlocks(t *testing.T) {
	c := NewCache(64)
	addChain(c, common.Hash{}, 0, 5, 0)
	if err := c.Finalize(hash(2, 0)); err != nil {
		t.Fatalf("failed to finalize: %v", err)
	}
	if _, err := c.FindPath(hash(5, 0), hash(2, 0)); err != nil {
		t.Errorf("reverting to the finalized block should be allowed, got %v", err)
	}
	if err := c.Finalize(hash(4, 0)); err != nil {
		t.Fatalf("failed to finalize: %v", err)
	}
	addChain(c, hash(3, 0), 4, 4, 3)
	if _, err := c.FindPath(hash(5, 0), hash(4, 3)); !errors.Is(err, ErrFinalizedReorg) {
		t.Errorf("expected finalized reorg error, got %v", err)
	}
}

func TestCache_UnsubscribedChannelsReceiveNoEvents(t *testing.T) {
	c := NewCache(16)
	addChain(c, common.Hash{}, 0, 2, 0)
	events := make(chan FinalizedEvent, 1)
	c.SubscribeFinalized(events).Unsubscribe()
	if err := c.Finalize(hash(1, 0)); err != nil {
		t.Fatalf("failed to finalize: %v", err)
	}
	select {
	case event := <-events:
		t.Errorf("unexpected event %v", event)
	default:
	}
	if err := c.Finalize(hash(9, 9)); !errors.Is(err, ErrUnknownBlock) {
		t.Errorf("expected unknown block, got %v", err)
	}
}
