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

//go:generate mockgen -source trie.go -destination trie_mocks.go -package trie

import (
	"bytes"
	"sort"

	"github.com/Fantom-foundation/Tessera/common"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/errgroup"
)

// NodeSource provides access to persisted nodes.
type NodeSource interface {
	// Resolve fetches the node with the given commitment. The path is the
	// position at which the node is referenced and is used for reporting
	// missing nodes only.
	Resolve(hash common.Hash, path Path) (Node, error)
}

func resolve(source NodeSource, ref NodeRef, path Path) (Node, error) {
	if node := ref.Node(); node != nil {
		return node, nil
	}
	return source.Resolve(ref.hash, path)
}

// Get looks up the value of the given key in the trie with the given root.
func Get(source NodeSource, root NodeRef, key common.Key) ([]byte, bool, error) {
	rest := KeyToNibbles(key)
	path := Path{}
	ref := root
	for {
		node, err := resolve(source, ref, path)
		if err != nil {
			return nil, false, err
		}
		switch n := node.(type) {
		case EmptyNode:
			return nil, false, nil
		case *LeafNode:
			if equalNibbles(n.suffix, rest) {
				return n.value, true, nil
			}
			return nil, false, nil
		case *ExtensionNode:
			if !hasPrefix(rest, n.path) {
				return nil, false, nil
			}
			path = path.AppendAll(n.path)
			rest = rest[len(n.path):]
			ref = n.next
		case *BranchNode:
			ref = n.children[rest[0]]
			path = path.Append(rest[0])
			rest = rest[1:]
		}
	}
}

// Update sets the value of the given key in the trie with the given root and
// returns the root of the resulting trie. An empty value deletes the key.
// Nodes are never modified; all nodes on the path to the key are replaced
// by new nodes.
func Update(source NodeSource, root NodeRef, key common.Key, value []byte) (NodeRef, error) {
	var res NodeRef
	var err error
	if len(value) == 0 {
		res, _, err = remove(source, root, Path{}, KeyToNibbles(key))
	} else {
		res, _, err = insert(source, root, Path{}, KeyToNibbles(key), value)
	}
	return res, err
}

// UpdateAll applies all the given changes in key order and hashes the
// resulting trie.
func UpdateAll(source NodeSource, root NodeRef, changes map[common.Key][]byte) (NodeRef, error) {
	keys := maps.Keys(changes)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(&keys[j]) < 0 })
	var err error
	for _, key := range keys {
		root, err = Update(source, root, key, changes[key])
		if err != nil {
			return NodeRef{}, err
		}
	}
	return root, Hash(root)
}

// Hash computes the commitments of all nodes reachable through resolved
// references, hashing the subtries below a root branch in parallel.
func Hash(root NodeRef) error {
	node := root.node
	if ext, ok := node.(*ExtensionNode); ok {
		node = ext.next.node
	}
	if branch, ok := node.(*BranchNode); ok {
		var group errgroup.Group
		for _, child := range branch.children {
			if child.node == nil {
				continue
			}
			child := child
			group.Go(func() error {
				child.Hash()
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
	}
	root.Hash()
	return nil
}

func insert(source NodeSource, ref NodeRef, path Path, rest []Nibble, value []byte) (NodeRef, bool, error) {
	node, err := resolve(source, ref, path)
	if err != nil {
		return NodeRef{}, false, err
	}
	switch n := node.(type) {
	case EmptyNode:
		return RefTo(NewLeafNode(rest, value)), true, nil

	case *LeafNode:
		if equalNibbles(n.suffix, rest) {
			if bytes.Equal(n.value, value) {
				return ref, false, nil
			}
			return RefTo(NewLeafNode(rest, value)), true, nil
		}
		shared := commonPrefixLength(n.suffix, rest)
		var children [16]NodeRef
		children[n.suffix[shared]] = RefTo(NewLeafNode(n.suffix[shared+1:], n.value))
		children[rest[shared]] = RefTo(NewLeafNode(rest[shared+1:], value))
		return withPrefix(rest[:shared], NewBranchNode(children)), true, nil

	case *ExtensionNode:
		shared := commonPrefixLength(n.path, rest)
		if shared == len(n.path) {
			next, changed, err := insert(source, n.next, path.AppendAll(n.path), rest[shared:], value)
			if err != nil || !changed {
				return ref, false, err
			}
			return RefTo(NewExtensionNode(n.path, next)), true, nil
		}
		var children [16]NodeRef
		if remaining := n.path[shared+1:]; len(remaining) > 0 {
			children[n.path[shared]] = RefTo(NewExtensionNode(remaining, n.next))
		} else {
			children[n.path[shared]] = n.next
		}
		children[rest[shared]] = RefTo(NewLeafNode(rest[shared+1:], value))
		return withPrefix(rest[:shared], NewBranchNode(children)), true, nil

	case *BranchNode:
		pos := rest[0]
		child, changed, err := insert(source, n.children[pos], path.Append(pos), rest[1:], value)
		if err != nil || !changed {
			return ref, false, err
		}
		children := n.children
		children[pos] = child
		return RefTo(NewBranchNode(children)), true, nil
	}
	panic("unsupported node type")
}

func withPrefix(prefix []Nibble, node Node) NodeRef {
	if len(prefix) == 0 {
		return RefTo(node)
	}
	return RefTo(NewExtensionNode(prefix, RefTo(node)))
}

func remove(source NodeSource, ref NodeRef, path Path, rest []Nibble) (NodeRef, bool, error) {
	node, err := resolve(source, ref, path)
	if err != nil {
		return NodeRef{}, false, err
	}
	switch n := node.(type) {
	case EmptyNode:
		return ref, false, nil

	case *LeafNode:
		if !equalNibbles(n.suffix, rest) {
			return ref, false, nil
		}
		return NodeRef{}, true, nil

	case *ExtensionNode:
		if !hasPrefix(rest, n.path) {
			return ref, false, nil
		}
		next, changed, err := remove(source, n.next, path.AppendAll(n.path), rest[len(n.path):])
		if err != nil || !changed {
			return ref, false, err
		}
		merged, err := prependPath(source, n.path, next, path.AppendAll(n.path))
		return merged, true, err

	case *BranchNode:
		pos := rest[0]
		child, changed, err := remove(source, n.children[pos], path.Append(pos), rest[1:])
		if err != nil || !changed {
			return ref, false, err
		}
		children := n.children
		children[pos] = child
		branch := NewBranchNode(children)
		count, last := branch.numChildren()
		if count > 1 {
			return RefTo(branch), true, nil
		}
		if count == 0 {
			return NodeRef{}, true, nil
		}
		// A branch with a single child is merged into the child.
		merged, err := prependPath(source, []Nibble{last}, children[last], path.Append(last))
		return merged, true, err
	}
	panic("unsupported node type")
}

// prependPath creates a reference to a node covering the given prefix
// followed by the referenced node, merging consecutive paths.
func prependPath(source NodeSource, prefix []Nibble, ref NodeRef, path Path) (NodeRef, error) {
	if ref.IsEmpty() {
		return NodeRef{}, nil
	}
	node, err := resolve(source, ref, path)
	if err != nil {
		return NodeRef{}, err
	}
	switch n := node.(type) {
	case *LeafNode:
		return RefTo(NewLeafNode(concat(prefix, n.suffix...), n.value)), nil
	case *ExtensionNode:
		return RefTo(NewExtensionNode(concat(prefix, n.path...), n.next)), nil
	}
	return RefTo(NewExtensionNode(prefix, ref)), nil
}

// GetNode returns the node starting at the given path in the trie with the
// given root. If the path ends within a leaf or extension, or leaves the
// trie, no node is reported.
func GetNode(source NodeSource, root NodeRef, target Path) (Node, bool, error) {
	ref := root
	path := Path{}
	for !ref.IsEmpty() {
		node, err := resolve(source, ref, path)
		if err != nil {
			return nil, false, err
		}
		if path.Length() == target.Length() {
			return node, true, nil
		}
		switch n := node.(type) {
		case *LeafNode:
			return nil, false, nil
		case *ExtensionNode:
			for _, cur := range n.path {
				if path.Length() >= target.Length() || target.Get(path.Length()) != cur {
					return nil, false, nil
				}
				path = path.Append(cur)
			}
			ref = n.next
		case *BranchNode:
			pos := target.Get(path.Length())
			path = path.Append(pos)
			ref = n.children[pos]
		}
	}
	return nil, false, nil
}

// ProofPath returns the encodings of all nodes on the way from the root to
// the given key, starting with the root. The sequence ends early if the key is
// not present.
func ProofPath(source NodeSource, root NodeRef, key common.Key) ([][]byte, error) {
	rest := KeyToNibbles(key)
	path := Path{}
	ref := root
	res := [][]byte{}
	for !ref.IsEmpty() {
		node, err := resolve(source, ref, path)
		if err != nil {
			return nil, err
		}
		res = append(res, node.Encode())
		switch n := node.(type) {
		case *LeafNode:
			return res, nil
		case *ExtensionNode:
			if !hasPrefix(rest, n.path) {
				return res, nil
			}
			path = path.AppendAll(n.path)
			rest = rest[len(n.path):]
			ref = n.next
		case *BranchNode:
			ref = n.children[rest[0]]
			path = path.Append(rest[0])
			rest = rest[1:]
		}
	}
	return res, nil
}

// Visitor is called for every node reachable from a root together with the
// path it is located at. Returning false prunes the sub-trie of the node.
type Visitor func(path Path, node Node) (bool, error)

// Visit walks all nodes of the trie with the given root in depth-first order.
func Visit(source NodeSource, root NodeRef, visitor Visitor) error {
	type entry struct {
		ref  NodeRef
		path Path
	}
	stack := []entry{{ref: root}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.ref.IsEmpty() {
			continue
		}
		node, err := resolve(source, cur.ref, cur.path)
		if err != nil {
			return err
		}
		descend, err := visitor(cur.path, node)
		if err != nil {
			return err
		}
		if !descend {
			continue
		}
		switch n := node.(type) {
		case *ExtensionNode:
			stack = append(stack, entry{n.next, cur.path.AppendAll(n.path)})
		case *BranchNode:
			for i := len(n.children) - 1; i >= 0; i-- {
				if !n.children[i].IsEmpty() {
					stack = append(stack, entry{n.children[i], cur.path.Append(Nibble(i))})
				}
			}
		}
	}
	return nil
}
