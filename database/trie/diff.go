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
	"fmt"
	"sort"
	"strings"

	"github.com/Fantom-foundation/Tessera/common"
	"golang.org/x/exp/maps"
)

// Change describes the value of an entry before and after a modification.
// Absent entries are represented by the zero value.
type Change[T any] struct {
	Before T
	After  T
}

// Changes summarizes the differences between two tries.
type Changes struct {
	// Leaves lists the modified keys. A nil value marks an absent key.
	Leaves map[common.Key]Change[[]byte]
	// Nodes lists the positions at which the node starting there changed. A
	// zero hash marks the absence of a node.
	Nodes map[Path]Change[common.Hash]
}

func (c *Changes) String() string {
	keys := maps.Keys(c.Leaves)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(&keys[j]) < 0 })
	paths := maps.Keys(c.Nodes)
	sort.Slice(paths, func(i, j int) bool { return paths[i].Compare(paths[j]) < 0 })

	builder := strings.Builder{}
	builder.WriteString("Changes {\n")
	for _, key := range keys {
		change := c.Leaves[key]
		builder.WriteString(fmt.Sprintf("\t%x: %x -> %x\n", key[:], change.Before, change.After))
	}
	for _, path := range paths {
		change := c.Nodes[path]
		builder.WriteString(fmt.Sprintf("\t%v: %x -> %x\n", path, change.Before[:], change.After[:]))
	}
	builder.WriteString("}")
	return builder.String()
}

// Diff computes the changes required to transform the trie with the given
// before root into the trie with the given after root. Both tries are walked
// in lock step, skipping sub-tries with identical commitments.
func Diff(source NodeSource, before, after NodeRef) (*Changes, error) {
	context := &diffContext{
		source: source,
		result: &Changes{
			Leaves: map[common.Key]Change[[]byte]{},
			Nodes:  map[Path]Change[common.Hash]{},
		},
	}
	if before.Hash() == after.Hash() {
		return context.result, nil
	}
	if err := collectDiff(context, &triePosition{ref: before}, &triePosition{ref: after}, Path{}); err != nil {
		return nil, err
	}
	return context.result, nil
}

// CollectNew returns all nodes reachable from the given root through resolved
// references, children before their parents. These are nodes created in
// memory that have not been persisted yet.
func CollectNew(root NodeRef) []Node {
	res := []Node{}
	var collect func(ref NodeRef)
	collect = func(ref NodeRef) {
		if ref.node == nil || ref.IsEmpty() {
			return
		}
		switch n := ref.node.(type) {
		case *ExtensionNode:
			collect(n.next)
		case *BranchNode:
			for _, child := range n.children {
				collect(child)
			}
		}
		res = append(res, ref.node)
	}
	collect(root)
	return res
}

// -----

type triePosition struct {
	ref    NodeRef
	node   Node // resolved lazily
	start  Path // the path at which the referenced node is located
	offset int  // number of nibbles consumed of leaf or extension paths
}

func (p *triePosition) isNodeStart() bool {
	return p.offset == 0 && !p.ref.IsEmpty()
}

func (p *triePosition) isLeaf() bool {
	if p.ref.IsEmpty() {
		return true
	}
	_, ok := p.node.(*LeafNode)
	return ok
}

func (p *triePosition) resolve(source NodeSource) error {
	if p.node != nil {
		return nil
	}
	node, err := resolve(source, p.ref, p.start)
	if err != nil {
		return err
	}
	p.node = node
	return nil
}

func (p *triePosition) getChild(nibble Nibble) *triePosition {
	empty := &triePosition{}
	switch n := p.node.(type) {
	case *LeafNode:
		if n.suffix[p.offset] == nibble {
			return &triePosition{ref: p.ref, node: p.node, start: p.start, offset: p.offset + 1}
		}
		return empty
	case *BranchNode:
		return &triePosition{ref: n.children[nibble], start: p.start.Append(nibble)}
	case *ExtensionNode:
		// If the requested child is deviating from the extension's path, return an empty position.
		if nibble != n.path[p.offset] {
			return empty
		}
		// If the end of the path would be reached, return the next node.
		if p.offset+1 == len(n.path) {
			return &triePosition{ref: n.next, start: p.start.AppendAll(n.path)}
		}
		return &triePosition{ref: p.ref, node: p.node, start: p.start, offset: p.offset + 1}
	}
	return empty
}

func (p *triePosition) leafKey() (common.Key, error) {
	leaf := p.node.(*LeafNode)
	return NibblesToKey(concat(p.start.Nibbles(), leaf.suffix...))
}

// ------

type diffContext struct {
	source NodeSource
	result *Changes
}

func collectDiff(
	context *diffContext,
	before *triePosition,
	after *triePosition,
	path Path,
) error {
	if before.ref.Hash() == after.ref.Hash() && before.offset == after.offset {
		return nil
	}

	var change Change[common.Hash]
	if before.isNodeStart() {
		change.Before = before.ref.Hash()
	}
	if after.isNodeStart() {
		change.After = after.ref.Hash()
	}
	if change.Before != change.After {
		context.result.Nodes[path] = change
	}

	if err := before.resolve(context.source); err != nil {
		return err
	}
	if err := after.resolve(context.source); err != nil {
		return err
	}

	if before.isLeaf() && after.isLeaf() {
		return collectDiffFromLeafs(context, before, after)
	}

	for i := Nibble(0); i < Nibble(16); i++ {
		if err := collectDiff(context, before.getChild(i), after.getChild(i), path.Append(i)); err != nil {
			return err
		}
	}
	return nil
}

func collectDiffFromLeafs(context *diffContext, before, after *triePosition) error {
	if !before.ref.IsEmpty() && !after.ref.IsEmpty() {
		lhs, err := before.leafKey()
		if err != nil {
			return err
		}
		rhs, err := after.leafKey()
		if err != nil {
			return err
		}
		if lhs == rhs {
			beforeValue := before.node.(*LeafNode).value
			afterValue := after.node.(*LeafNode).value
			if !bytes.Equal(beforeValue, afterValue) {
				context.result.Leaves[lhs] = Change[[]byte]{Before: beforeValue, After: afterValue}
			}
			return nil
		}
	}
	if !before.ref.IsEmpty() {
		key, err := before.leafKey()
		if err != nil {
			return err
		}
		change := context.result.Leaves[key]
		change.Before = before.node.(*LeafNode).value
		context.result.Leaves[key] = change
	}
	if !after.ref.IsEmpty() {
		key, err := after.leafKey()
		if err != nil {
			return err
		}
		change := context.result.Leaves[key]
		change.After = after.node.(*LeafNode).value
		context.result.Leaves[key] = change
	}
	return nil
}
