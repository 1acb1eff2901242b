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
	"errors"
	"testing"
	"time"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/forkcache"
	"github.com/Fantom-foundation/Tessera/database/history"
	"github.com/Fantom-foundation/Tessera/database/trie"
)

func blockHash(number uint64, fork byte) common.Hash {
	return common.Hash{0xB1, fork, byte(number)}
}

// chain commits blocks to a store and registers them in a fork cache.
type chain struct {
	t      *testing.T
	store  *Store
	cache  *forkcache.Cache
	states map[common.Hash]map[common.Key][]byte // state per block hash
	keys   map[common.Key]bool
}

func newChain(t *testing.T, s *Store) *chain {
	res := &chain{
		t:      t,
		store:  s,
		cache:  forkcache.NewCache(128),
		states: map[common.Hash]map[common.Key][]byte{},
		keys:   map[common.Key]bool{},
	}
	genesis := blockHash(0, 0)
	res.cache.Add(&forkcache.Block{Hash: genesis, Number: 0, StateRoot: trie.EmptyRootHash})
	res.states[genesis] = map[common.Key][]byte{}
	return res
}

// extend commits a new block on top of the given parent, which has to be
// the current head of the store.
func (c *chain) extend(parent common.Hash, fork byte, seed int64) common.Hash {
	c.t.Helper()
	parentBlock, found := c.cache.Get(parent)
	if !found {
		c.t.Fatalf("unknown parent %x", parent)
	}
	writes := randomWrites(seed, 25)
	state := copyState(c.states[parent])
	apply(state, writes)
	for key := range writes {
		c.keys[key] = true
	}
	root := commit(c.t, c.store, writes)
	hash := blockHash(parentBlock.Number+1, fork)
	c.cache.Add(&forkcache.Block{Hash: hash, ParentHash: parent, Number: parentBlock.Number + 1, StateRoot: root})
	c.states[hash] = state
	return hash
}

func (c *chain) switchTo(from, to common.Hash) {
	c.t.Helper()
	path, err := c.cache.FindPath(from, to)
	if err != nil {
		c.t.Fatalf("failed to find path: %v", err)
	}
	if err := c.store.SwitchTo(path); err != nil {
		c.t.Fatalf("failed to switch to %x: %v", to, err)
	}
	block, _ := c.cache.Get(to)
	if number, root := c.store.Head(); number != block.Number || root != block.StateRoot {
		c.t.Errorf("unexpected head after switch, wanted %d/%x, got %d/%x", block.Number, block.StateRoot, number, root)
	}
	checkState(c.t, c.store, c.states[to], c.keys)
}

func TestStore_ReorgEqualsRecomputationFromScratch(t *testing.T) {
	s := openStore(t, Config{})
	c := newChain(t, s)

	a1 := c.extend(blockHash(0, 0), 0xA, 1)
	a2 := c.extend(a1, 0xA, 2)
	a3 := c.extend(a2, 0xA, 3)

	if err := s.RevertTo(1); err != nil {
		t.Fatalf("failed to revert: %v", err)
	}
	b2 := c.extend(a1, 0xB, 12)
	b3 := c.extend(b2, 0xB, 13)
	b4 := c.extend(b3, 0xB, 14)

	c.switchTo(b4, a3)
	c.switchTo(a3, b4)
	c.switchTo(b4, a2)

	// Recomputing the state of a3 from its key/value pairs yields the same root.
	c.switchTo(a2, a3)
	fresh := openStore(t, Config{})
	writes := map[common.Key][]byte{}
	for key := range c.keys {
		writes[key] = c.states[a3][key]
	}
	root := commit(t, fresh, writes)
	if _, want := s.Head(); root != want {
		t.Errorf("reorged root %x differs from recomputed root %x", want, root)
	}
}

func TestStore_SwitchToUnknownForkLeavesStateUntouched(t *testing.T) {
	s := openStore(t, Config{})
	c := newChain(t, s)
	a1 := c.extend(blockHash(0, 0), 0xA, 1)
	a2 := c.extend(a1, 0xA, 2)

	// a sibling block that was never executed by this store
	c.cache.Add(&forkcache.Block{Hash: blockHash(2, 0xC), ParentHash: a1, Number: 2, StateRoot: common.Hash{0x42}})
	path, err := c.cache.FindPath(a2, blockHash(2, 0xC))
	if err != nil {
		t.Fatalf("failed to find path: %v", err)
	}
	_, before := s.Head()
	if err := s.SwitchTo(path); !errors.Is(err, ErrUnknownFork) {
		t.Errorf("expected unknown fork, got %v", err)
	}
	if block, root := s.Head(); block != 2 || root != before {
		t.Errorf("failed switch should not modify the head, got %d/%x", block, root)
	}
	checkState(t, s, c.states[a2], c.keys)
}

func TestStore_SwitchToRequiresPathStartingAtHead(t *testing.T) {
	s := openStore(t, Config{})
	c := newChain(t, s)
	a1 := c.extend(blockHash(0, 0), 0xA, 1)
	c.extend(a1, 0xA, 2)
	path, err := c.cache.FindPath(a1, blockHash(0, 0))
	if err != nil {
		t.Fatalf("failed to find path: %v", err)
	}
	if err := s.SwitchTo(path); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("expected invalid block, got %v", err)
	}
}

func TestStore_MergedDiffsSpanRanges(t *testing.T) {
	s := openStore(t, Config{})
	roots := []common.Hash{trie.EmptyRootHash}
	for i := int64(1); i <= 4; i++ {
		roots = append(roots, commit(t, s, randomWrites(i, 20)))
	}

	forward, err := s.GetForwardMergedDiff(2, 4)
	if err != nil {
		t.Fatalf("failed to get forward diff: %v", err)
	}
	if forward.FromRoot() != roots[1] || forward.ToRoot() != roots[4] || !forward.IsForward() {
		t.Errorf("unexpected forward diff %x -> %x", forward.FromRoot(), forward.ToRoot())
	}
	if again, _ := s.GetForwardMergedDiff(2, 4); again != forward {
		t.Errorf("merged diffs should be cached")
	}
	reverse, err := s.GetReverseMergedDiff(2, 4)
	if err != nil {
		t.Fatalf("failed to get reverse diff: %v", err)
	}
	if reverse.FromRoot() != roots[4] || reverse.ToRoot() != roots[1] || reverse.IsForward() {
		t.Errorf("unexpected reverse diff %x -> %x", reverse.FromRoot(), reverse.ToRoot())
	}

	tests := map[string]struct{ from, to uint64 }{
		"genesis":  {0, 2},
		"inverted": {3, 2},
		"future":   {3, 9},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := s.GetForwardMergedDiff(test.from, test.to); err == nil {
				t.Errorf("range %d-%d should be rejected", test.from, test.to)
			}
		})
	}
}

func TestStore_RevertAndFastForwardWithMergedDiffs(t *testing.T) {
	s := openStore(t, Config{})
	states := []map[common.Key][]byte{{}}
	keys := map[common.Key]bool{}
	for i := int64(1); i <= 4; i++ {
		writes := randomWrites(i, 20)
		state := copyState(states[len(states)-1])
		apply(state, writes)
		states = append(states, state)
		for key := range writes {
			keys[key] = true
		}
		commit(t, s, writes)
	}
	_, head := s.Head()
	forward, err := s.GetForwardMergedDiff(2, 4)
	if err != nil {
		t.Fatalf("failed to get forward diff: %v", err)
	}

	if err := s.RevertTo(1); err != nil {
		t.Fatalf("failed to revert: %v", err)
	}
	checkState(t, s, states[1], keys)
	if err := s.ApplyDiffLayer(forward.Invert()); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("reverse change sets should be rejected, got %v", err)
	}
	if err := s.ApplyDiffLayer(forward); err != nil {
		t.Fatalf("failed to apply diff: %v", err)
	}
	if block, root := s.Head(); block != 4 || root != head {
		t.Errorf("unexpected head after fast-forward: %d/%x", block, root)
	}
	checkState(t, s, states[4], keys)
	if err := s.ApplyDiffLayer(forward); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("applying a change set twice should fail, got %v", err)
	}
	// the re-applied layers are retained in the history again
	for i := 0; i < 4; i++ {
		if err := s.ReverseState(); err != nil {
			t.Fatalf("failed to reverse: %v", err)
		}
		block, _ := s.Head()
		checkState(t, s, states[block], keys)
	}
}

func TestStore_ReverseBeyondRetentionFails(t *testing.T) {
	s := openStore(t, Config{History: history.Config{RetentionDepth: 2}})
	for i := int64(1); i <= 4; i++ {
		commit(t, s, randomWrites(i, 10))
	}
	if from, to, ok := s.Retained(); !ok || from != 2 || to != 4 {
		t.Errorf("unexpected retained range %d-%d, %t", from, to, ok)
	}
	if err := s.RevertTo(1); !errors.Is(err, history.ErrReorgBeyondRetention) {
		t.Errorf("expected reorg beyond retention, got %v", err)
	}
	if err := s.RevertTo(2); err != nil {
		t.Errorf("failed to revert within retention: %v", err)
	}
	if err := s.RevertTo(3); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("reverting to a future block should fail, got %v", err)
	}
}

func TestStore_FinalizationDropsParkedLayers(t *testing.T) {
	s := openStore(t, Config{})
	c := newChain(t, s)
	defer c.cache.Close()
	s.WatchFinalization(c.cache)

	a1 := c.extend(blockHash(0, 0), 0xA, 1)
	a2 := c.extend(a1, 0xA, 2)
	if err := s.ReverseState(); err != nil {
		t.Fatalf("failed to reverse: %v", err)
	}
	b2 := c.extend(a1, 0xB, 3)
	a2Block, _ := c.cache.Get(a2)
	if _, found := s.history.Parked(a2Block.StateRoot); !found {
		t.Fatalf("reverted layer should be parked")
	}

	if err := c.cache.Finalize(b2); err != nil {
		t.Fatalf("failed to finalize: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, found := s.history.Parked(a2Block.StateRoot); !found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("parked layer of abandoned fork was not dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	checkState(t, s, c.states[b2], c.keys)
}
