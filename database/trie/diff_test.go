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
	"testing"

	"github.com/Fantom-foundation/Tessera/common"
)

func TestDiff_IdenticalTriesHaveNoChanges(t *testing.T) {
	source := noSource(t)
	root := build(t, source, randomEntries(20, 20))
	changes, err := Diff(source, root, root)
	if err != nil {
		t.Fatalf("failed to diff: %v", err)
	}
	if len(changes.Leaves) != 0 || len(changes.Nodes) != 0 {
		t.Errorf("unexpected changes: %v", changes)
	}
}

func TestDiff_ReportsLeafChanges(t *testing.T) {
	source := noSource(t)
	k1, k2, k3 := common.Key{0x10}, common.Key{0x20}, common.Key{0x11}
	before := build(t, source, map[common.Key][]byte{k1: {1}, k2: {2}})
	after := build(t, source, map[common.Key][]byte{k1: {4}, k3: {3}})

	changes, err := Diff(source, before, after)
	if err != nil {
		t.Fatalf("failed to diff: %v", err)
	}
	want := map[common.Key]Change[[]byte]{
		k1: {Before: []byte{1}, After: []byte{4}},
		k2: {Before: []byte{2}},
		k3: {After: []byte{3}},
	}
	if len(changes.Leaves) != len(want) {
		t.Fatalf("unexpected changes: %v", changes)
	}
	for key, change := range want {
		got := changes.Leaves[key]
		if !bytes.Equal(got.Before, change.Before) || !bytes.Equal(got.After, change.After) {
			t.Errorf("unexpected change for %v: %x -> %x", key, got.Before, got.After)
		}
	}

	// the leaf of k1 got replaced by a branch at path 1
	if got := changes.Nodes[NewPath(1)]; got.Before == (common.Hash{}) || got.After == (common.Hash{}) {
		t.Errorf("expected replaced node at path 1, got %v", got)
	}
	if got := changes.Nodes[NewPath(2)]; got.After != (common.Hash{}) {
		t.Errorf("expected removed node at path 2, got %v", got)
	}
	if got := changes.Nodes[NewPath(1, 1)]; got.Before != (common.Hash{}) {
		t.Errorf("expected new node at path 11, got %v", got)
	}
}

func TestDiff_AgreesWithPointLookups(t *testing.T) {
	source := noSource(t)
	entries := randomEntries(21, 150)
	before := build(t, source, entries)

	updates := map[common.Key][]byte{}
	i := 0
	for key := range entries {
		switch i % 3 {
		case 0:
			updates[key] = nil
		case 1:
			updates[key] = []byte{0xAA, byte(i)}
		}
		i++
		if i > 60 {
			break
		}
	}
	for key, value := range randomEntries(22, 30) {
		updates[key] = value
	}
	after, err := UpdateAll(source, before, updates)
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}

	changes, err := Diff(source, before, after)
	if err != nil {
		t.Fatalf("failed to diff: %v", err)
	}

	// every reported leaf change matches point lookups
	for key, change := range changes.Leaves {
		pre, _, _ := Get(source, before, key)
		post, _, _ := Get(source, after, key)
		if !bytes.Equal(pre, change.Before) || !bytes.Equal(post, change.After) {
			t.Errorf("inconsistent change for %v", key)
		}
	}
	// every modified key is reported
	for key := range updates {
		pre, _, _ := Get(source, before, key)
		post, _, _ := Get(source, after, key)
		if _, found := changes.Leaves[key]; found == bytes.Equal(pre, post) {
			t.Errorf("change of %v not correctly reported", key)
		}
	}

	// node changes agree with GetNode and cover all nodes of both tries
	nodeAt := func(root NodeRef, path Path) common.Hash {
		node, found, err := GetNode(source, root, path)
		if err != nil {
			t.Fatalf("failed to get node: %v", err)
		}
		if !found {
			return common.Hash{}
		}
		return node.Hash()
	}
	for path, change := range changes.Nodes {
		if got := nodeAt(before, path); got != change.Before {
			t.Errorf("inconsistent before node at %v", path)
		}
		if got := nodeAt(after, path); got != change.After {
			t.Errorf("inconsistent after node at %v", path)
		}
	}
	for _, root := range []NodeRef{before, after} {
		err := Visit(source, root, func(path Path, node Node) (bool, error) {
			if nodeAt(before, path) != nodeAt(after, path) {
				if _, found := changes.Nodes[path]; !found {
					t.Errorf("node change at %v not reported", path)
				}
			}
			return true, nil
		})
		if err != nil {
			t.Fatalf("failed to visit: %v", err)
		}
	}
}

func TestCollectNew_ListsOnlyInMemoryNodes(t *testing.T) {
	db, _ := newTestDatabase(t)
	root := build(t, db, randomEntries(23, 30))
	if err := db.Put(CollectNew(root)...); err != nil {
		t.Fatalf("failed to persist: %v", err)
	}
	persisted := HashRef(root.Hash())
	if got := CollectNew(persisted); len(got) != 0 {
		t.Errorf("unresolved roots have no new nodes, got %d", len(got))
	}

	updated, err := Update(db, persisted, common.Key{0x01, 0x02}, []byte{1})
	if err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	fresh := CollectNew(updated)
	if len(fresh) == 0 || len(fresh) > 66 {
		t.Errorf("unexpected number of new nodes: %d", len(fresh))
	}
	if fresh[len(fresh)-1].Hash() != updated.Hash() {
		t.Errorf("the root should be the last new node")
	}
}
