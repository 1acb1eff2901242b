// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package layer

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/trie"
)

// randomLayer creates a layer modifying the given state and applies it.
func randomLayer(t *testing.T, r *rand.Rand, state mapState, block uint64) *Layer {
	t.Helper()
	overlay := NewOverlay(state)
	for i := 0; i < 20; i++ {
		key := common.Key{byte(r.Intn(32))}
		var value []byte
		if r.Intn(4) > 0 {
			value = []byte{byte(r.Intn(8)), byte(block)}
		}
		if err := overlay.Set(key, value); err != nil {
			t.Fatalf("failed to set: %v", err)
		}
	}
	res := NewLayer(block, common.Hash{byte(block - 1)}, common.Hash{byte(block)})
	res.Leaves = overlay.ToLeafDiff()
	res.Nodes.Record(trie.NewPath(byte2nibble(block)), common.Hash{byte(block), 1}, common.Hash{byte(block), 2})
	res.Leaves.Apply(state)
	return res
}

func byte2nibble(b uint64) trie.Nibble {
	return trie.Nibble(b & 0xF)
}

func TestLayer_ReverseRestoresPriorState(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		state := mapState{}
		for j := 0; j < 16; j++ {
			state[common.Key{byte(r.Intn(32))}] = []byte{byte(j + 1)}
		}
		before := state.clone()
		layer := randomLayer(t, r, state, 1)
		layer.Invert().Leaves.Apply(state)
		if !state.equal(before) {
			t.Fatalf("reversing layer %v did not restore state", layer)
		}
	}
}

func TestLayer_InvertTwiceRestoresLayer(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	state := mapState{common.Key{1}: {1}, common.Key{2}: {2}}
	layer := randomLayer(t, r, state, 5)
	if !layer.Invert().Invert().Equal(layer) {
		t.Errorf("double inversion should restore the layer")
	}
}

func TestLayer_MergeIsAssociative(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		state := mapState{common.Key{1}: {1}, common.Key{7}: {7}}
		a := randomLayer(t, r, state, 1)
		b := randomLayer(t, r, state, 2)
		c := randomLayer(t, r, state, 3)

		ab, err := MergeLayers(a, b)
		if err != nil {
			t.Fatalf("failed to merge: %v", err)
		}
		left, err := MergeLayers(ab, c)
		if err != nil {
			t.Fatalf("failed to merge: %v", err)
		}
		bc, err := MergeLayers(b, c)
		if err != nil {
			t.Fatalf("failed to merge: %v", err)
		}
		right, err := MergeLayers(a, bc)
		if err != nil {
			t.Fatalf("failed to merge: %v", err)
		}
		if !left.Equal(right) {
			t.Fatalf("merge is not associative:\n%v\n%v", left, right)
		}
	}
}

func TestLayer_MergedLayerEqualsSequentialApplication(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	state := mapState{common.Key{1}: {1}, common.Key{2}: {2}, common.Key{3}: {3}}
	start := state.clone()
	layers := []*Layer{}
	for block := uint64(1); block <= 6; block++ {
		layers = append(layers, randomLayer(t, r, state, block))
	}
	changes, err := NewChangeSet(layers...)
	if err != nil {
		t.Fatalf("failed to create change set: %v", err)
	}
	if changes.From != 1 || changes.To != 6 || changes.FromRoot() != (common.Hash{0}) || changes.ToRoot() != (common.Hash{6}) {
		t.Errorf("unexpected change set bounds: %d-%d", changes.From, changes.To)
	}

	forward := start.clone()
	changes.Merged.Leaves.Apply(forward)
	if !forward.equal(state) {
		t.Errorf("merged layer does not reproduce sequential application")
	}

	reverse := changes.Invert()
	reverse.Merged.Leaves.Apply(forward)
	if !forward.equal(start) {
		t.Errorf("inverted change set does not restore the start state")
	}

	// inverting the merged layer equals merging the inverted layers
	stepwise, err := NewChangeSet(reverse.Layers...)
	if err != nil {
		t.Fatalf("failed to merge inverted layers: %v", err)
	}
	if !stepwise.Merged.Equal(reverse.Merged) {
		t.Errorf("inverse of merge differs from merge of inverses:\n%v\n%v", stepwise.Merged, reverse.Merged)
	}
	if stepwise.IsForward() || !changes.IsForward() {
		t.Errorf("unexpected change set directions")
	}
}

func TestChangeSet_ConcatEqualsMergeOfAllLayers(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	state := mapState{}
	layers := []*Layer{}
	for block := uint64(1); block <= 4; block++ {
		layers = append(layers, randomLayer(t, r, state, block))
	}
	first, err := NewChangeSet(layers[:2]...)
	if err != nil {
		t.Fatalf("failed to create change set: %v", err)
	}
	second, err := NewChangeSet(layers[2:]...)
	if err != nil {
		t.Fatalf("failed to create change set: %v", err)
	}
	combined, err := first.Concat(second)
	if err != nil {
		t.Fatalf("failed to concat: %v", err)
	}
	all, err := NewChangeSet(layers...)
	if err != nil {
		t.Fatalf("failed to create change set: %v", err)
	}
	if !combined.Merged.Equal(all.Merged) {
		t.Errorf("concatenation differs from merge of all layers")
	}
}

func TestChangeSet_RejectsNonContiguousLayers(t *testing.T) {
	a := NewLayer(1, common.Hash{0}, common.Hash{1})
	b := NewLayer(2, common.Hash{1}, common.Hash{2})
	c := NewLayer(3, common.Hash{9}, common.Hash{3})
	d := NewLayer(4, common.Hash{2}, common.Hash{4})

	tests := map[string][]*Layer{
		"empty":          {},
		"root mismatch":  {a, b, c},
		"gap":            {a, b, d},
		"direction flip": {a, b, b.Invert()},
	}
	for name, layers := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := NewChangeSet(layers...); !errors.Is(err, ErrNotContiguous) {
				t.Errorf("expected %v, got %v", ErrNotContiguous, err)
			}
		})
	}
}

func TestLayer_CopyOfViewEqualsClone(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	l := randomLayer(t, r, mapState{common.Key{1}: {1}}, 3)

	// hide the concrete type to force copying through the view interface
	var view LayerView = struct{ LayerView }{l}
	copied := Copy(view)
	if !copied.Equal(l) || !Copy(l).Equal(l) {
		t.Errorf("copy differs from original")
	}
	for key := range copied.Leaves.Post {
		if value := copied.Leaves.Post[key]; len(value) > 0 {
			value[0]++
			if bytes.Equal(value, l.Leaves.Post[key]) {
				t.Errorf("copy shares memory with original")
			}
			break
		}
	}
}

func TestLayer_EncodingRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	state := mapState{common.Key{1}: {1}, common.Key{2}: {2}}
	for block := uint64(1); block < 5; block++ {
		l := randomLayer(t, r, state, block)
		data, err := EncodeLayer(l)
		if err != nil {
			t.Fatalf("failed to encode: %v", err)
		}
		again, err := EncodeLayer(l.Clone())
		if err != nil || !bytes.Equal(data, again) {
			t.Errorf("encoding is not deterministic")
		}
		restored, err := DecodeLayer(data)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if !restored.Equal(l) {
			t.Errorf("round trip failed:\n%v\n%v", l, restored)
		}
	}
	if _, err := DecodeLayer([]byte{1, 2, 3}); err == nil {
		t.Errorf("invalid data should be rejected")
	}
}

func TestLayer_FromChangesCapturesTrieDiff(t *testing.T) {
	changes := &trie.Changes{
		Leaves: map[common.Key]trie.Change[[]byte]{
			{1}: {Before: []byte{1}, After: []byte{2}},
			{2}: {After: []byte{3}},
			{3}: {Before: []byte{4}},
		},
		Nodes: map[trie.Path]trie.Change[common.Hash]{
			trie.NewPath(): {Before: common.Hash{1}, After: common.Hash{2}},
		},
	}
	l := FromChanges(7, common.Hash{1}, common.Hash{2}, changes)
	state := mapState{common.Key{1}: {1}, common.Key{3}: {4}}
	l.Leaves.Apply(state)
	if !state.equal(mapState{common.Key{1}: {2}, common.Key{2}: {3}}) {
		t.Errorf("unexpected state after applying layer: %v", state)
	}
	l.Invert().Leaves.Apply(state)
	if !state.equal(mapState{common.Key{1}: {1}, common.Key{3}: {4}}) {
		t.Errorf("unexpected state after reverting layer: %v", state)
	}
}
