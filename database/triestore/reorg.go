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
	"fmt"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/forkcache"
	"github.com/Fantom-foundation/Tessera/database/history"
	"github.com/Fantom-foundation/Tessera/database/layer"
	"github.com/Fantom-foundation/Tessera/database/trie"
)

// ReverseState undoes the head block, moving the head back by one block.
// The reverted layer is parked for a later re-application.
func (s *Store) ReverseState() error {
	end, err := s.beginTransition(Reorging)
	if err != nil {
		return err
	}
	defer end()

	block, _ := s.head()
	if block == 0 {
		return fmt.Errorf("%w: cannot reverse genesis", history.ErrReorgBeyondRetention)
	}
	return s.revertTo(block - 1)
}

// RevertTo undoes all blocks above the given block in a single step.
func (s *Store) RevertTo(block uint64) error {
	end, err := s.beginTransition(Reorging)
	if err != nil {
		return err
	}
	defer end()
	return s.revertTo(block)
}

func (s *Store) revertTo(block uint64) error {
	head, root := s.head()
	if block == head {
		return nil
	}
	if block > head {
		return fmt.Errorf("%w: cannot revert block %d to future block %d", ErrInvalidBlock, head, block)
	}
	reverse, err := s.GetReverseMergedDiff(block+1, head)
	if err != nil {
		return err
	}
	if reverse.FromRoot() != root.Hash() {
		return fmt.Errorf("%w: %w: head root %v does not match recorded root %v of block %d",
			ErrRootMismatch, trie.ErrCorruptEncoding, root.Hash(), reverse.FromRoot(), head)
	}
	if _, err := s.applyLeaves(root, reverse.Merged.Leaves, reverse.ToRoot()); err != nil {
		return err
	}

	removed, err := s.history.Truncate(block)
	if err != nil {
		return s.addError(err)
	}
	for _, l := range removed {
		s.history.Park(l)
	}
	s.merged.Purge()
	if err := s.writeHead(block, reverse.ToRoot()); err != nil {
		return s.addError(err)
	}
	s.log.Debug("Reverted state", "from", head, "to", block, "root", reverse.ToRoot())
	return s.setHead(block, reverse.ToRoot(), false)
}

// applyLeaves applies the post-images of the given diff to the trie with the
// given root. The resulting root must match the expected root, only then
// new nodes are persisted.
func (s *Store) applyLeaves(root trie.NodeRef, leaves layer.LeafDiff, want common.Hash) (trie.NodeRef, error) {
	newRoot, err := trie.UpdateAll(s.nodes, root, leaves.Post)
	if err != nil {
		return trie.NodeRef{}, err
	}
	if got := newRoot.Hash(); got != want {
		return trie.NodeRef{}, fmt.Errorf("%w: %w: expected root %v, got %v", ErrRootMismatch, trie.ErrCorruptEncoding, want, got)
	}
	if err := s.nodes.Put(trie.CollectNew(newRoot)...); err != nil {
		return trie.NodeRef{}, s.addError(err)
	}
	return newRoot, nil
}

// ApplyDiffLayer fast-forwards the head by applying a forward change set
// starting at the successor of the head block.
func (s *Store) ApplyDiffLayer(changes *layer.ChangeSet) error {
	end, err := s.beginTransition(Reorging)
	if err != nil {
		return err
	}
	defer end()
	return s.applyForward(changes)
}

func (s *Store) applyForward(changes *layer.ChangeSet) error {
	if !changes.IsForward() {
		return fmt.Errorf("%w: change set from block %d to %d is not forward", ErrInvalidBlock, changes.From, changes.To)
	}
	head, root := s.head()
	if changes.From != head+1 {
		return fmt.Errorf("%w: change set starts at block %d, expected %d", ErrInvalidBlock, changes.From, head+1)
	}
	if changes.FromRoot() != root.Hash() {
		return fmt.Errorf("%w: change set starts at root %v, head is at %v", ErrInvalidBlock, changes.FromRoot(), root.Hash())
	}
	if _, err := s.applyLeaves(root, changes.Merged.Leaves, changes.ToRoot()); err != nil {
		return err
	}
	for _, l := range changes.Layers {
		if err := s.history.InsertDiff(l); err != nil {
			return s.addError(err)
		}
	}
	if err := s.writeHead(changes.To, changes.ToRoot()); err != nil {
		return s.addError(err)
	}
	s.log.Debug("Applied change set", "from", changes.From, "to", changes.To, "root", changes.ToRoot())
	return s.setHead(changes.To, changes.ToRoot(), false)
}

// GetForwardMergedDiff returns the change set of the blocks from..to, moving
// the state from the end of block from-1 to the end of block to. The result
// is shared and must not be modified.
func (s *Store) GetForwardMergedDiff(from, to uint64) (*layer.ChangeSet, error) {
	if from == 0 || from > to {
		return nil, fmt.Errorf("%w: invalid range %d-%d", ErrInvalidBlock, from, to)
	}
	if oldest, found := s.history.Oldest(); !found || from < oldest {
		return nil, fmt.Errorf("%w: block %d not retained", history.ErrReorgBeyondRetention, from)
	}
	key := mergedRange{from: from, to: to, forward: true}
	if res, found := s.merged.Get(key); found {
		return res, nil
	}
	layers, err := s.history.Range(from, to)
	if err != nil {
		return nil, err
	}
	res, err := layer.NewChangeSet(layers...)
	if err != nil {
		return nil, err
	}
	s.merged.Add(key, res)
	return res, nil
}

// GetReverseMergedDiff returns the change set undoing the blocks from..to,
// moving the state from the end of block to back to the end of block
// from-1. The result is shared and must not be modified.
func (s *Store) GetReverseMergedDiff(from, to uint64) (*layer.ChangeSet, error) {
	key := mergedRange{from: from, to: to}
	if res, found := s.merged.Get(key); found {
		if oldest, found := s.history.Oldest(); found && from >= oldest {
			return res, nil
		}
	}
	forward, err := s.GetForwardMergedDiff(from, to)
	if err != nil {
		return nil, err
	}
	res := forward.Invert()
	s.merged.Add(key, res)
	return res, nil
}

// SwitchTo moves the head along the given path: blocks to be reverted are
// undone and parked, the blocks to be applied are re-applied from parked
// layers. All layers of the target branch must be available.
func (s *Store) SwitchTo(path *forkcache.Path) error {
	end, err := s.beginTransition(Reorging)
	if err != nil {
		return err
	}
	defer end()

	head, root := s.head()
	start := path.Ancestor
	if len(path.Revert) > 0 {
		start = path.Revert[0]
	}
	if start.Number != head || !matchesRoot(start, root.Hash()) {
		return fmt.Errorf("%w: path starts at %v, head is block %d with root %v", ErrInvalidBlock, start, head, root.Hash())
	}
	ancestorRoot := root.Hash()
	if path.Ancestor.Number != head {
		if ancestorRoot, err = s.history.RootAt(path.Ancestor.Number); err != nil {
			return err
		}
	}
	if !matchesRoot(path.Ancestor, ancestorRoot) {
		return fmt.Errorf("%w: ancestor %v does not match recorded root %v", ErrUnknownFork, path.Ancestor, ancestorRoot)
	}

	// All layers of the target branch are collected before touching the state.
	layers := make([]*layer.Layer, 0, len(path.Apply))
	for _, block := range path.Apply {
		l, found := s.history.Parked(block.StateRoot)
		if !found || l.Block != block.Number {
			return fmt.Errorf("%w: no layer for block %v", ErrUnknownFork, block)
		}
		layers = append(layers, l)
	}
	var forward *layer.ChangeSet
	if len(layers) > 0 {
		if forward, err = layer.NewChangeSet(layers...); err != nil {
			return fmt.Errorf("%w: %w", ErrUnknownFork, err)
		}
		if forward.FromRoot() != ancestorRoot {
			return fmt.Errorf("%w: branch starts at root %v, ancestor is at %v", ErrUnknownFork, forward.FromRoot(), ancestorRoot)
		}
	}

	if err := s.revertTo(path.Ancestor.Number); err != nil {
		return err
	}
	if forward != nil {
		if err := s.applyForward(forward); err != nil {
			return err
		}
	}
	s.log.Info("Switched fork", "ancestor", path.Ancestor.Number, "reverted", len(path.Revert), "applied", len(path.Apply))
	return nil
}

// matchesRoot checks the state root of a block, if it is known.
func matchesRoot(block *forkcache.Block, root common.Hash) bool {
	return block.StateRoot == (common.Hash{}) || block.StateRoot == root
}
