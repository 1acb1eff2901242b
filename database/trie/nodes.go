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
	"strings"
	"sync"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Node is an immutable node of a hexary Merkle-Patricia trie. A node's
// commitment is the keccak256 hash of its encoding. Internal nodes only
// encode the commitments of their children, never their content.
type Node interface {
	// Hash returns the commitment of this node. It is computed once and
	// cached for the lifetime of the node.
	Hash() common.Hash
	// Encode returns the canonical encoding of this node. The result must
	// not be modified.
	Encode() []byte
	// Clone creates a structurally identical, independent copy.
	Clone() Node

	fmt.Stringer
}

// EmptyNode is the node of an empty (sub-)trie.
type EmptyNode struct{}

var (
	emptyNodeEncoding = []byte{0x80} // the RLP encoding of the empty string
	// EmptyRootHash is the commitment of an empty trie.
	EmptyRootHash = common.Keccak256(emptyNodeEncoding)
)

func (EmptyNode) Hash() common.Hash { return EmptyRootHash }
func (EmptyNode) Encode() []byte    { return emptyNodeEncoding }
func (EmptyNode) Clone() Node       { return EmptyNode{} }
func (EmptyNode) String() string    { return "Empty" }

// cached holds the lazily computed encoding and commitment of a node.
type cached struct {
	once    sync.Once
	encoded []byte
	hash    common.Hash
}

func (c *cached) get(encode func() []byte) ([]byte, common.Hash) {
	c.once.Do(func() {
		c.encoded = encode()
		c.hash = common.Keccak256(c.encoded)
	})
	return c.encoded, c.hash
}

// LeafNode holds the value of a single key. The suffix is the part of the key
// not consumed by the nodes above the leaf.
type LeafNode struct {
	suffix []Nibble
	value  []byte
	cache  cached
}

// NewLeafNode creates a leaf storing the given value. The arguments are
// copied.
func NewLeafNode(suffix []Nibble, value []byte) *LeafNode {
	return &LeafNode{
		suffix: append([]Nibble(nil), suffix...),
		value:  bytes.Clone(value),
	}
}

// Suffix returns the key nibbles covered by this leaf. The result must not be
// modified.
func (n *LeafNode) Suffix() []Nibble { return n.suffix }

// Value returns the value stored in this leaf. The result must not be
// modified.
func (n *LeafNode) Value() []byte { return n.value }

func (n *LeafNode) Encode() []byte {
	encoded, _ := n.cache.get(func() []byte {
		return mustEncode([][]byte{compactEncode(n.suffix, true), n.value})
	})
	return encoded
}

func (n *LeafNode) Hash() common.Hash {
	_, hash := n.cache.get(func() []byte {
		return mustEncode([][]byte{compactEncode(n.suffix, true), n.value})
	})
	return hash
}

func (n *LeafNode) Clone() Node {
	return NewLeafNode(n.suffix, n.value)
}

func (n *LeafNode) String() string {
	return fmt.Sprintf("Leaf{%s: %x}", NewPath(n.suffix...), n.value)
}

// ExtensionNode shortcuts a sequence of nibbles shared by all keys below it.
type ExtensionNode struct {
	path  []Nibble
	next  NodeRef
	cache cached
}

// NewExtensionNode creates an extension covering the given non-empty path.
func NewExtensionNode(path []Nibble, next NodeRef) *ExtensionNode {
	if len(path) == 0 {
		panic("extension nodes must not have an empty path")
	}
	return &ExtensionNode{
		path: append([]Nibble(nil), path...),
		next: next,
	}
}

// Path returns the nibbles covered by this extension. The result must not be
// modified.
func (n *ExtensionNode) Path() []Nibble { return n.path }

// Next returns the reference to the node following the extension.
func (n *ExtensionNode) Next() NodeRef { return n.next }

func (n *ExtensionNode) encode() []byte {
	next := n.next.Hash()
	return mustEncode([][]byte{compactEncode(n.path, false), next[:]})
}

func (n *ExtensionNode) Encode() []byte {
	encoded, _ := n.cache.get(n.encode)
	return encoded
}

func (n *ExtensionNode) Hash() common.Hash {
	_, hash := n.cache.get(n.encode)
	return hash
}

func (n *ExtensionNode) Clone() Node {
	return NewExtensionNode(n.path, n.next)
}

func (n *ExtensionNode) String() string {
	return fmt.Sprintf("Extension{%s -> %s}", NewPath(n.path...), n.next)
}

// BranchNode splits the key space by the next nibble. Empty children are
// represented by the zero NodeRef.
type BranchNode struct {
	children [16]NodeRef
	cache    cached
}

// NewBranchNode creates a branch with the given children.
func NewBranchNode(children [16]NodeRef) *BranchNode {
	for i := range children {
		if children[i].IsEmpty() {
			children[i] = NodeRef{}
		}
	}
	return &BranchNode{children: children}
}

// Child returns the reference to the child at the given position.
func (n *BranchNode) Child(i Nibble) NodeRef { return n.children[i&0xF] }

// Children returns a copy of the child references of this branch.
func (n *BranchNode) Children() [16]NodeRef { return n.children }

func (n *BranchNode) encode() []byte {
	items := make([][]byte, len(n.children))
	for i, child := range n.children {
		if child.IsEmpty() {
			items[i] = []byte{}
			continue
		}
		hash := child.Hash()
		items[i] = hash[:]
	}
	return mustEncode(items)
}

func (n *BranchNode) Encode() []byte {
	encoded, _ := n.cache.get(n.encode)
	return encoded
}

func (n *BranchNode) Hash() common.Hash {
	_, hash := n.cache.get(n.encode)
	return hash
}

func (n *BranchNode) Clone() Node {
	return NewBranchNode(n.children)
}

func (n *BranchNode) String() string {
	builder := strings.Builder{}
	builder.WriteString("Branch{")
	first := true
	for i, child := range n.children {
		if child.IsEmpty() {
			continue
		}
		if !first {
			builder.WriteString(", ")
		}
		first = false
		builder.WriteString(fmt.Sprintf("%s: %s", Nibble(i), child))
	}
	builder.WriteString("}")
	return builder.String()
}

// numChildren returns the number of non-empty children and the position of
// the last of them.
func (n *BranchNode) numChildren() (int, Nibble) {
	count, last := 0, Nibble(0)
	for i, child := range n.children {
		if !child.IsEmpty() {
			count++
			last = Nibble(i)
		}
	}
	return count, last
}

// NodeRef references a node by its commitment. A reference may carry the
// resolved node, in which case the commitment is derived from it on demand.
// The zero value references the empty node.
type NodeRef struct {
	hash common.Hash
	node Node
}

// RefTo creates a reference to the given in-memory node.
func RefTo(node Node) NodeRef {
	if _, ok := node.(EmptyNode); ok || node == nil {
		return NodeRef{}
	}
	return NodeRef{node: node}
}

// HashRef creates a reference to a node that is yet to be resolved.
func HashRef(hash common.Hash) NodeRef {
	if hash == EmptyRootHash {
		return NodeRef{}
	}
	return NodeRef{hash: hash}
}

// Hash returns the commitment of the referenced node.
func (r NodeRef) Hash() common.Hash {
	if r.node != nil {
		return r.node.Hash()
	}
	if r.hash == (common.Hash{}) {
		return EmptyRootHash
	}
	return r.hash
}

// Node returns the referenced node if it is resolved, nil otherwise.
func (r NodeRef) Node() Node {
	if r.IsEmpty() {
		return EmptyNode{}
	}
	return r.node
}

// IsEmpty reports whether this reference points to the empty node.
func (r NodeRef) IsEmpty() bool {
	if r.node != nil {
		_, ok := r.node.(EmptyNode)
		return ok
	}
	return r.hash == (common.Hash{}) || r.hash == EmptyRootHash
}

// Unresolved returns a reference with the same commitment but without the
// in-memory node.
func (r NodeRef) Unresolved() NodeRef {
	return HashRef(r.Hash())
}

func (r NodeRef) String() string {
	if r.IsEmpty() {
		return "-"
	}
	hash := r.Hash()
	return fmt.Sprintf("%x", hash[:4])
}

func mustEncode(items [][]byte) []byte {
	res, err := rlp.EncodeToBytes(items)
	if err != nil {
		// encoding a list of byte strings can not fail
		panic(fmt.Sprintf("failed to encode node: %v", err))
	}
	return res
}

// Decode parses the given encoding of a node and verifies that it matches the
// expected commitment. Child nodes are referenced by hash only.
func Decode(hash common.Hash, blob []byte) (Node, error) {
	if got := common.Keccak256(blob); got != hash {
		return nil, fmt.Errorf("%w: node %v encodes to %v", ErrCorruptEncoding, hash, got)
	}
	return decode(blob)
}

func decode(blob []byte) (Node, error) {
	if bytes.Equal(blob, emptyNodeEncoding) {
		return EmptyNode{}, nil
	}
	var items [][]byte
	if err := rlp.DecodeBytes(blob, &items); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptEncoding, err)
	}
	switch len(items) {
	case 2:
		path, leaf, err := compactDecode(items[0])
		if err != nil {
			return nil, err
		}
		if leaf {
			return NewLeafNode(path, items[1]), nil
		}
		if len(path) == 0 || len(items[1]) != common.HashSize {
			return nil, fmt.Errorf("%w: invalid extension node", ErrCorruptEncoding)
		}
		return NewExtensionNode(path, HashRef(common.HashFromBytes(items[1]))), nil
	case 16:
		var children [16]NodeRef
		for i, item := range items {
			switch len(item) {
			case 0:
			case common.HashSize:
				children[i] = HashRef(common.HashFromBytes(item))
			default:
				return nil, fmt.Errorf("%w: invalid branch child of length %d", ErrCorruptEncoding, len(item))
			}
		}
		return NewBranchNode(children), nil
	}
	return nil, fmt.Errorf("%w: unexpected number of node items: %d", ErrCorruptEncoding, len(items))
}
