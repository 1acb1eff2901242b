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
	"fmt"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/trie"
)

// ErrNotContiguous is reported when merging layers that do not form a
// chain of consecutive state transitions.
const ErrNotContiguous = common.ConstError("layers are not contiguous")

// Layer describes the state transition of a single block: the modified
// leaves and the modified internal nodes, each with post- and pre-images.
// Applying the post-images to the state at ParentRoot yields the state at
// Root; applying the pre-images to the state at Root yields ParentRoot.
type Layer struct {
	Block      uint64
	ParentRoot common.Hash
	Root       common.Hash
	Leaves     LeafDiff
	Nodes      NodeDiff
}

// NewLayer creates an empty layer for the given block.
func NewLayer(block uint64, parentRoot, root common.Hash) *Layer {
	return &Layer{
		Block:      block,
		ParentRoot: parentRoot,
		Root:       root,
		Leaves:     NewDiff[common.Key, []byte](),
		Nodes:      NewDiff[trie.Path, common.Hash](),
	}
}

// FromChanges creates a layer from the differences of two tries.
func FromChanges(block uint64, parentRoot, root common.Hash, changes *trie.Changes) *Layer {
	res := NewLayer(block, parentRoot, root)
	for key, change := range changes.Leaves {
		res.Leaves.Record(key, change.Before, change.After)
	}
	for path, change := range changes.Nodes {
		res.Nodes.Record(path, change.Before, change.After)
	}
	return res
}

// LayerView provides read-only access to a layer owned by someone else.
type LayerView interface {
	Header() (block uint64, parentRoot, root common.Hash)
	// RangeLeaves calls the given function for every touched key until it
	// returns false. The provided slices must not be retained.
	RangeLeaves(func(key common.Key, post, pre []byte) bool)
	// RangeNodes calls the given function for every touched internal node
	// until it returns false.
	RangeNodes(func(path trie.Path, post, pre common.Hash) bool)
}

func (l *Layer) Header() (uint64, common.Hash, common.Hash) {
	return l.Block, l.ParentRoot, l.Root
}

func (l *Layer) RangeLeaves(fn func(key common.Key, post, pre []byte) bool) {
	for key, post := range l.Leaves.Post {
		if !fn(key, post, l.Leaves.Pre[key]) {
			return
		}
	}
}

func (l *Layer) RangeNodes(fn func(path trie.Path, post, pre common.Hash) bool) {
	for path, post := range l.Nodes.Post {
		if !fn(path, post, l.Nodes.Pre[path]) {
			return
		}
	}
}

// Copy creates an owned layer with the content of the given view.
func Copy(view LayerView) *Layer {
	if l, ok := view.(*Layer); ok {
		return l.Clone()
	}
	res := NewLayer(view.Header())
	view.RangeLeaves(func(key common.Key, post, pre []byte) bool {
		res.Leaves.Record(key, pre, post)
		return true
	})
	view.RangeNodes(func(path trie.Path, post, pre common.Hash) bool {
		res.Nodes.Record(path, pre, post)
		return true
	})
	return res
}

// Clone creates a deep copy of this layer.
func (l *Layer) Clone() *Layer {
	return &Layer{
		Block:      l.Block,
		ParentRoot: l.ParentRoot,
		Root:       l.Root,
		Leaves:     l.Leaves.Clone(),
		Nodes:      l.Nodes.Clone(),
	}
}

// Invert creates the layer undoing this layer. The block number is retained.
func (l *Layer) Invert() *Layer {
	return &Layer{
		Block:      l.Block,
		ParentRoot: l.Root,
		Root:       l.ParentRoot,
		Leaves:     l.Leaves.Invert(),
		Nodes:      l.Nodes.Invert(),
	}
}

// Equal compares the content of two layers.
func (l *Layer) Equal(other *Layer) bool {
	return l.Block == other.Block &&
		l.ParentRoot == other.ParentRoot &&
		l.Root == other.Root &&
		l.Leaves.Equal(other.Leaves) &&
		l.Nodes.Equal(other.Nodes)
}

func (l *Layer) String() string {
	return fmt.Sprintf("Layer{block: %d, %x -> %x, leaves: %d, nodes: %d}", l.Block, l.ParentRoot[:4], l.Root[:4], l.Leaves.Len(), l.Nodes.Len())
}

// Size approximates the memory used by this layer in bytes.
func (l *Layer) Size() uintptr {
	size := uintptr(0)
	for _, value := range l.Leaves.Post {
		size += common.KeySize + uintptr(len(value))
	}
	for _, value := range l.Leaves.Pre {
		size += common.KeySize + uintptr(len(value))
	}
	size += uintptr(len(l.Nodes.Post)+len(l.Nodes.Pre)) * (common.HashSize + 33)
	return size
}

// MergeLayers composes two consecutive layers into a single layer moving
// from the parent root of the first to the root of the second. The merged
// layer carries the block number of the second layer.
func MergeLayers(first, second *Layer) (*Layer, error) {
	if first.Root != second.ParentRoot {
		return nil, fmt.Errorf("%w: root %v of block %d does not match parent root %v of block %d",
			ErrNotContiguous, first.Root, first.Block, second.ParentRoot, second.Block)
	}
	return &Layer{
		Block:      second.Block,
		ParentRoot: first.ParentRoot,
		Root:       second.Root,
		Leaves:     mergeDiffs(first.Leaves, second.Leaves),
		Nodes:      mergeDiffs(first.Nodes, second.Nodes),
	}, nil
}

// ChangeSet is the composition of a sequence of layers. Layers are listed in
// the order of application; for a forward change set the blocks ascend, for
// a reverse change set composed of inverted layers they descend.
type ChangeSet struct {
	From   uint64 // block of the first layer
	To     uint64 // block of the last layer
	Merged *Layer
	Layers []*Layer
}

// NewChangeSet merges the given layers in order of application.
func NewChangeSet(layers ...*Layer) (*ChangeSet, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: no layers", ErrNotContiguous)
	}
	merged := layers[0].Clone()
	for i := 1; i < len(layers); i++ {
		step := int64(layers[i].Block) - int64(layers[i-1].Block)
		if step != 1 && step != -1 || (i > 1 && step != int64(layers[i-1].Block)-int64(layers[i-2].Block)) {
			return nil, fmt.Errorf("%w: block %d follows block %d", ErrNotContiguous, layers[i].Block, layers[i-1].Block)
		}
		var err error
		if merged, err = MergeLayers(merged, layers[i]); err != nil {
			return nil, err
		}
	}
	return &ChangeSet{
		From:   layers[0].Block,
		To:     layers[len(layers)-1].Block,
		Merged: merged,
		Layers: append([]*Layer(nil), layers...),
	}, nil
}

// FromRoot is the root the change set has to be applied to.
func (c *ChangeSet) FromRoot() common.Hash {
	return c.Merged.ParentRoot
}

// ToRoot is the root reached by applying the change set.
func (c *ChangeSet) ToRoot() common.Hash {
	return c.Merged.Root
}

// IsForward reports whether the change set moves to higher blocks.
func (c *ChangeSet) IsForward() bool {
	return c.To >= c.From && (len(c.Layers) < 2 || c.Layers[1].Block > c.Layers[0].Block)
}

// Concat composes this change set with a change set continuing it.
func (c *ChangeSet) Concat(next *ChangeSet) (*ChangeSet, error) {
	layers := make([]*Layer, 0, len(c.Layers)+len(next.Layers))
	layers = append(layers, c.Layers...)
	layers = append(layers, next.Layers...)
	return NewChangeSet(layers...)
}

// Invert creates the change set undoing this change set.
func (c *ChangeSet) Invert() *ChangeSet {
	layers := make([]*Layer, len(c.Layers))
	for i, l := range c.Layers {
		layers[len(layers)-1-i] = l.Invert()
	}
	merged := c.Merged.Invert()
	merged.Block = c.From
	return &ChangeSet{
		From:   c.To,
		To:     c.From,
		Merged: merged,
		Layers: layers,
	}
}
