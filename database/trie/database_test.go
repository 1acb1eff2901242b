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
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/Fantom-foundation/Tessera/common"
)

func TestDatabase_EmptyNodeIsAlwaysAvailable(t *testing.T) {
	db, _ := newTestDatabase(t)
	if found, err := db.Has(EmptyRootHash); err != nil || !found {
		t.Errorf("empty node should always be present: %t, %v", found, err)
	}
	node, err := db.Resolve(EmptyRootHash, Path{})
	if err != nil {
		t.Fatalf("failed to resolve empty node: %v", err)
	}
	if _, ok := node.(EmptyNode); !ok {
		t.Errorf("unexpected node: %v", node)
	}
}

func TestDatabase_PutNodesAreVisibleBeforeCommit(t *testing.T) {
	db, _ := newTestDatabase(t)
	leaf := NewLeafNode([]Nibble{1, 2}, []byte{3})
	if found, _ := db.Has(leaf.Hash()); found {
		t.Fatalf("node should not be present")
	}
	if err := db.Put(leaf); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if found, err := db.Has(leaf.Hash()); err != nil || !found {
		t.Errorf("written node should be visible: %t, %v", found, err)
	}
	if err := db.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
	node, err := db.Resolve(leaf.Hash(), Path{})
	if err != nil || node.Hash() != leaf.Hash() {
		t.Errorf("failed to resolve committed node: %v, %v", node, err)
	}
}

func TestDatabase_PutBlobVerifiesCommitment(t *testing.T) {
	db, _ := newTestDatabase(t)
	leaf := NewLeafNode([]Nibble{1, 2}, []byte{3})
	blob := bytes.Clone(leaf.Encode())
	blob[len(blob)-1] ^= 0xff
	if _, err := db.PutBlob(leaf.Hash(), blob); !errors.Is(err, ErrCorruptEncoding) {
		t.Errorf("tampered blob should be rejected, got %v", err)
	}
	if found, _ := db.Has(leaf.Hash()); found {
		t.Errorf("rejected blob should not be stored")
	}
	if _, err := db.PutBlob(leaf.Hash(), leaf.Encode()); err != nil {
		t.Fatalf("valid blob should be accepted: %v", err)
	}
	if found, _ := db.Has(leaf.Hash()); !found {
		t.Errorf("accepted blob should be stored")
	}
}

func TestDatabase_PruneRemovesUnreachableNodesOnly(t *testing.T) {
	db, kv := newTestDatabase(t)
	entries := randomEntries(30, 80)
	first := build(t, db, entries)
	if err := db.Put(CollectNew(first)...); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}

	updates := map[common.Key][]byte{}
	for key := range randomEntries(31, 10) {
		updates[key] = []byte{7}
	}
	second, err := UpdateAll(db, HashRef(first.Hash()), updates)
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	if err := db.Put(CollectNew(second)...); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}

	deleted, err := db.Prune([]common.Hash{second.Hash()})
	if err != nil {
		t.Fatalf("failed to prune: %v", err)
	}
	if deleted == 0 {
		t.Errorf("expected nodes exclusive to the first trie to be pruned")
	}

	fresh := NewDatabase(kv, db.pacer, DatabaseConfig{CleanCacheSize: 1 << 20})
	for key := range entries {
		want := entries[key]
		if value, found := updates[key]; found {
			want = value
		}
		got, _, err := Get(fresh, HashRef(second.Hash()), key)
		if err != nil || !bytes.Equal(got, want) {
			t.Fatalf("live trie damaged by pruning: %x, %v", got, err)
		}
	}
	if found, _ := fresh.Has(first.Hash()); found {
		t.Errorf("root of pruned trie should be gone")
	}

	deleted, err = db.Prune([]common.Hash{second.Hash()})
	if err != nil || deleted != 0 {
		t.Errorf("pruning should be idempotent: %d, %v", deleted, err)
	}
}

func TestDatabase_ReportsMemoryFootprint(t *testing.T) {
	db, _ := newTestDatabase(t)
	root := build(t, db, randomEntries(32, 10))
	if err := db.Put(CollectNew(root)...); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}
	if _, err := db.Resolve(root.Hash(), Path{}); err != nil {
		t.Fatalf("failed to resolve: %v", err)
	}
	mf := db.GetMemoryFootprint()
	if mf.Total() == 0 {
		t.Errorf("expected non-zero memory footprint")
	}
}

func TestDatabase_PruneWithIncompleteLiveTrieDeletesNothing(t *testing.T) {
	db, _ := newTestDatabase(t)
	complete := build(t, db, randomEntries(40, 50))
	orphan := build(t, db, randomEntries(41, 50))
	partial := build(t, db, randomEntries(42, 50))
	if err := db.Put(append(CollectNew(complete), CollectNew(orphan)...)...); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}
	for _, node := range CollectNew(partial) {
		if node.Hash() == partial.Hash() {
			if err := db.Put(node); err != nil {
				t.Fatalf("failed to persist root: %v", err)
			}
		}
	}

	deleted, err := db.Prune([]common.Hash{complete.Hash(), partial.Hash()})
	if !errors.Is(err, ErrMissingNode) {
		t.Fatalf("expected missing node error, got %v", err)
	}
	if deleted != 0 {
		t.Errorf("no node should be deleted, got %d", deleted)
	}
	for _, node := range CollectNew(orphan) {
		if found, err := db.Has(node.Hash()); err != nil || !found {
			t.Fatalf("node %v of unreachable trie was deleted: %v", node.Hash(), err)
		}
	}
	if found, _ := db.Has(partial.Hash()); !found {
		t.Errorf("root of incomplete trie should be retained")
	}
}

func TestMissingNodeError_MessageNamesHash(t *testing.T) {
	hash := common.Keccak256([]byte{1, 2, 3})
	err := &MissingNodeError{Hash: hash, Path: NewPath(1, 2)}
	if !strings.Contains(err.Error(), hash.String()) {
		t.Errorf("message %q does not contain hash %v", err.Error(), hash)
	}
	wrapped := fmt.Errorf("failed to mark nodes reachable from %v: %w", hash, err)
	if !strings.Contains(wrapped.Error(), hash.String()) || !errors.Is(wrapped, ErrMissingNode) {
		t.Errorf("unexpected wrapped error: %v", wrapped)
	}
}
