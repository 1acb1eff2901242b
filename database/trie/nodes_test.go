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
	"testing"

	"github.com/Fantom-foundation/Tessera/common"
)

func TestEmptyNode_HasWellKnownCommitment(t *testing.T) {
	want := "56e81f171bcc55a6ff8345e692c0f86e5b48e01b996cadc001622fb5e363b421"
	if got := fmt.Sprintf("%x", EmptyRootHash[:]); got != want {
		t.Errorf("unexpected empty root hash, wanted %s, got %s", want, got)
	}
	if got := (NodeRef{}).Hash(); got != EmptyRootHash {
		t.Errorf("zero reference should refer to the empty node, got %x", got)
	}
}

func TestNibbles_CompactEncodingRoundTrip(t *testing.T) {
	for length := 0; length < 8; length++ {
		for _, leaf := range []bool{true, false} {
			nibbles := make([]Nibble, length)
			for i := range nibbles {
				nibbles[i] = Nibble((i*7 + 3) % 16)
			}
			encoded := compactEncode(nibbles, leaf)
			decoded, isLeaf, err := compactDecode(encoded)
			if err != nil {
				t.Fatalf("failed to decode %x: %v", encoded, err)
			}
			if isLeaf != leaf || !equalNibbles(decoded, nibbles) {
				t.Errorf("round trip failed for %v/%t: got %v/%t", nibbles, leaf, decoded, isLeaf)
			}
		}
	}
}

func TestNibbles_KeyConversionRoundTrip(t *testing.T) {
	key := common.Key{0x12, 0x34, 31: 0xff}
	nibbles := KeyToNibbles(key)
	if len(nibbles) != 64 || nibbles[0] != 1 || nibbles[1] != 2 || nibbles[63] != 0xf {
		t.Fatalf("unexpected nibbles: %v", nibbles)
	}
	restored, err := NibblesToKey(nibbles)
	if err != nil || restored != key {
		t.Errorf("round trip failed: %v, %v", restored, err)
	}
	if _, err := NibblesToKey(nibbles[1:]); err == nil {
		t.Errorf("short nibble sequences should be rejected")
	}
}

func testNodes() map[string]Node {
	leaf := NewLeafNode([]Nibble{1, 2, 3}, []byte("value"))
	return map[string]Node{
		"empty":     EmptyNode{},
		"leaf":      leaf,
		"extension": NewExtensionNode([]Nibble{4, 5}, RefTo(leaf)),
		"branch": NewBranchNode([16]NodeRef{
			2:  RefTo(leaf),
			12: HashRef(common.Hash{1, 2, 3}),
		}),
	}
}

func TestNode_DecodeRestoresNode(t *testing.T) {
	for name, node := range testNodes() {
		t.Run(name, func(t *testing.T) {
			decoded, err := Decode(node.Hash(), node.Encode())
			if err != nil {
				t.Fatalf("failed to decode: %v", err)
			}
			if decoded.Hash() != node.Hash() {
				t.Errorf("decoded node has different commitment")
			}
			if !bytes.Equal(decoded.Encode(), node.Encode()) {
				t.Errorf("decoded node has different encoding")
			}
		})
	}
}

func TestNode_DecodeDetectsCorruption(t *testing.T) {
	for name, node := range testNodes() {
		t.Run(name, func(t *testing.T) {
			blob := bytes.Clone(node.Encode())
			blob[len(blob)-1]++
			if _, err := Decode(node.Hash(), blob); !errors.Is(err, ErrCorruptEncoding) {
				t.Errorf("tampered blob should be rejected, got %v", err)
			}
			if _, err := Decode(common.Hash{1}, node.Encode()); !errors.Is(err, ErrCorruptEncoding) {
				t.Errorf("blob should be rejected for wrong hash, got %v", err)
			}
		})
	}
}

func TestNode_DecodeRejectsMalformedBlobs(t *testing.T) {
	blobs := map[string][]byte{
		"not a list":      {0x83, 1, 2, 3},
		"three items":     mustEncode([][]byte{{0x20}, {1}, {2}}),
		"short child":     mustEncode([][]byte{{0x00}, {1, 2}}),
		"bad path flag":   mustEncode([][]byte{{0x50}, {1}}),
		"fifteen items":   mustEncode(make([][]byte, 15)),
	}
	for name, blob := range blobs {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(common.Keccak256(blob), blob); !errors.Is(err, ErrCorruptEncoding) {
				t.Errorf("malformed blob should be rejected, got %v", err)
			}
		})
	}
}

func TestNode_CloneIsIndependentButEqual(t *testing.T) {
	for name, node := range testNodes() {
		t.Run(name, func(t *testing.T) {
			clone := node.Clone()
			if clone.Hash() != node.Hash() {
				t.Errorf("clone has different commitment")
			}
			if _, ok := node.(EmptyNode); !ok && clone == node {
				t.Errorf("clone should be a distinct instance")
			}
		})
	}
}

func TestNode_LeafCopiesItsInputs(t *testing.T) {
	value := []byte{1, 2, 3}
	leaf := NewLeafNode([]Nibble{1}, value)
	hash := leaf.Hash()
	value[0] = 9
	if !bytes.Equal(leaf.Value(), []byte{1, 2, 3}) || leaf.Hash() != hash {
		t.Errorf("leaf should not be affected by modifications of its inputs")
	}
}

func TestMissingNodeError_MatchesErrMissingNode(t *testing.T) {
	var err error = &MissingNodeError{Hash: common.Hash{1}, Path: NewPath(1, 2)}
	if !errors.Is(err, ErrMissingNode) {
		t.Errorf("missing node error should match ErrMissingNode")
	}
	if errors.Is(err, ErrCorruptEncoding) {
		t.Errorf("missing node error should not match ErrCorruptEncoding")
	}
	wrapped := fmt.Errorf("failed read: %w", err)
	var missing *MissingNodeError
	if !errors.As(wrapped, &missing) || missing.Path != NewPath(1, 2) {
		t.Errorf("failed to extract missing node error from %v", wrapped)
	}
}
