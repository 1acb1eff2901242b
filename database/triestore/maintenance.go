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
	"fmt"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/forkcache"
	"github.com/Fantom-foundation/Tessera/database/trie"
)

// BeginSync announces a snap sync towards the given root. Until the sync is
// completed by AdoptRoot or abandoned by AbortSync, nodes may be ingested and
// pruning is suspended.
func (s *Store) BeginSync(root common.Hash) error {
	end, err := s.beginTransition(Ready)
	if err != nil {
		return err
	}
	defer end()
	s.mutex.Lock()
	s.syncs[root] = struct{}{}
	s.mutex.Unlock()
	s.log.Info("Started sync", "root", root)
	return nil
}

// AbortSync abandons a sync started by BeginSync. Nodes ingested for it
// become subject to pruning once no other sync is in progress.
func (s *Store) AbortSync(root common.Hash) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, found := s.syncs[root]; found {
		delete(s.syncs, root)
		s.log.Info("Aborted sync", "root", root)
	}
}

func (s *Store) syncInProgress() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.syncs) > 0
}

// IngestNodes inserts encoded nodes received during a snap sync. Every node
// must reproduce the commitment it is listed under. A sync has to be started
// by BeginSync first.
func (s *Store) IngestNodes(nodes map[common.Hash][]byte) error {
	end, err := s.beginTransition(Ready)
	if err != nil {
		return err
	}
	defer end()
	if !s.syncInProgress() {
		return ErrNoSync
	}
	for hash, blob := range nodes {
		if _, err := s.nodes.PutBlob(hash, blob); err != nil {
			return fmt.Errorf("rejected node %v: %w", hash, err)
		}
	}
	return nil
}

// AdoptRoot makes the trie with the given root the head of the store at the
// given block, typically after completing a snap sync. The root node must be
// present; missing nodes below it are subject to healing. The history is
// dropped since it does not lead to the adopted root. A sync started for the
// root is completed.
func (s *Store) AdoptRoot(block uint64, root common.Hash) error {
	end, err := s.beginTransition(Reorging)
	if err != nil {
		return err
	}
	defer end()

	if present, err := s.nodes.Has(root); err != nil {
		return err
	} else if !present {
		return &trie.MissingNodeError{Hash: root}
	}
	if err := s.history.Reset(); err != nil {
		return s.addError(err)
	}
	s.merged.Purge()
	if err := s.writeHead(block, root); err != nil {
		return s.addError(err)
	}
	s.mutex.Lock()
	delete(s.syncs, root)
	s.mutex.Unlock()
	s.log.Info("Adopted root", "block", block, "root", root)
	return s.setHead(block, root, true)
}

// Verify walks all nodes of the head trie, checking every commitment. It
// returns the number of visited nodes.
func (s *Store) Verify() (int, error) {
	_, root := s.head()
	count := 0
	err := trie.Visit(s.nodes, root, func(trie.Path, trie.Node) (bool, error) {
		count++
		return true, nil
	})
	return count, err
}

// Prune deletes all nodes which are neither reachable from the head, from
// the roots of retained or parked layers, nor from active views. Nothing is
// deleted while a sync is in progress or while a live trie is incomplete; in
// the latter case the missing node is reported and the store stays usable.
func (s *Store) Prune() (int, error) {
	end, err := s.beginTransition(Ready)
	if err != nil {
		return 0, err
	}
	defer end()
	if s.syncInProgress() {
		return 0, ErrSyncInProgress
	}
	deleted, err := s.nodes.Prune(s.liveRoots())
	if errors.Is(err, trie.ErrMissingNode) {
		s.log.Warn("Pruning skipped, live trie is incomplete", "err", err)
		return 0, err
	}
	if err != nil {
		return 0, s.addError(err)
	}
	return deleted, nil
}

// WatchFinalization subscribes to finalization events of the given cache.
// On every finalization, parked layers of blocks that can no longer become
// canonical are dropped and unreachable nodes are pruned. The subscription
// ends when the store or the cache is closed.
func (s *Store) WatchFinalization(cache *forkcache.Cache) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.closed {
		return
	}
	events := make(chan forkcache.FinalizedEvent, 16)
	sub := cache.SubscribeFinalized(events)
	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer sub.Unsubscribe()
		for {
			select {
			case event := <-events:
				s.onFinalized(event)
			case err := <-sub.Err():
				if err != nil {
					s.log.Warn("Finalization subscription failed", "err", err)
				}
				return
			case <-s.done:
				return
			}
		}
	}()
}

func (s *Store) onFinalized(event forkcache.FinalizedEvent) {
	dropped := s.history.DropParkedUpTo(event.Block.Number)
	deleted, err := s.Prune()
	if errors.Is(err, ErrSyncInProgress) {
		s.log.Info("Pruning deferred until sync completes", "block", event.Block.Number, "parked", dropped)
		return
	}
	if err != nil {
		s.log.Warn("Pruning after finalization failed", "block", event.Block.Number, "err", err)
		return
	}
	s.log.Info("Pruned finalized state", "block", event.Block.Number, "parked", dropped, "nodes", deleted)
}
