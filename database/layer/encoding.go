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
	"fmt"
	"sort"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/trie"
	"github.com/ethereum/go-ethereum/rlp"
)

// encodedLayer is the persistent form of a layer. Entries are sorted to make
// the encoding deterministic.
type encodedLayer struct {
	Block      uint64
	ParentRoot common.Hash
	Root       common.Hash
	Leaves     []encodedLeaf
	Nodes      []encodedNode
}

type encodedLeaf struct {
	Key     common.Key
	Post    []byte
	Existed bool
	Pre     []byte
}

type encodedNode struct {
	Path    []byte
	Post    common.Hash
	Existed bool
	Pre     common.Hash
}

// EncodeLayer produces the canonical binary form of the given layer.
func EncodeLayer(l *Layer) ([]byte, error) {
	res := encodedLayer{
		Block:      l.Block,
		ParentRoot: l.ParentRoot,
		Root:       l.Root,
		Leaves:     make([]encodedLeaf, 0, len(l.Leaves.Post)),
		Nodes:      make([]encodedNode, 0, len(l.Nodes.Post)),
	}
	for key, post := range l.Leaves.Post {
		pre, existed := l.Leaves.Pre[key]
		res.Leaves = append(res.Leaves, encodedLeaf{Key: key, Post: post, Existed: existed, Pre: pre})
	}
	sort.Slice(res.Leaves, func(i, j int) bool {
		return bytes.Compare(res.Leaves[i].Key[:], res.Leaves[j].Key[:]) < 0
	})

	paths := make([]trie.Path, 0, len(l.Nodes.Post))
	for path := range l.Nodes.Post {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i].Compare(paths[j]) < 0 })
	for _, path := range paths {
		pre, existed := l.Nodes.Pre[path]
		res.Nodes = append(res.Nodes, encodedNode{Path: path.Bytes(), Post: l.Nodes.Post[path], Existed: existed, Pre: pre})
	}
	return rlp.EncodeToBytes(&res)
}

// DecodeLayer is the inverse of EncodeLayer.
func DecodeLayer(data []byte) (*Layer, error) {
	var encoded encodedLayer
	if err := rlp.DecodeBytes(data, &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode layer: %w", err)
	}
	res := NewLayer(encoded.Block, encoded.ParentRoot, encoded.Root)
	for _, leaf := range encoded.Leaves {
		res.Leaves.Post[leaf.Key] = leaf.Post
		if leaf.Existed {
			res.Leaves.Pre[leaf.Key] = leaf.Pre
		}
	}
	for _, node := range encoded.Nodes {
		path, err := trie.PathFromBytes(node.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to decode layer: %w", err)
		}
		res.Nodes.Post[path] = node.Post
		if node.Existed {
			res.Nodes.Pre[path] = node.Pre
		}
	}
	return res, nil
}
