// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package common

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

const (
	// HashSize is the size of a commitment in bytes.
	HashSize = 32
	// KeySize is the size of a leaf key in bytes.
	KeySize = 32
)

// Hash is the commitment of a trie node or an entire trie. It is derived
// deterministically from the encoding of a node and compared by value.
type Hash [HashSize]byte

// Key is the fixed-length key of a leaf in the state trie.
type Key [KeySize]byte

// HashFromBytes converts the given bytes into a hash. Shorter inputs are
// left-padded with zeros, longer inputs are truncated from the left.
func HashFromBytes(data []byte) Hash {
	var res Hash
	copyRightAligned(res[:], data)
	return res
}

// KeyFromBytes converts the given bytes into a key, left-padding shorter
// inputs with zeros such that 0x01 and 0x0001 address the same leaf.
func KeyFromBytes(data []byte) Key {
	var res Key
	copyRightAligned(res[:], data)
	return res
}

// StorageKey derives the flat state key of a storage slot owned by the given
// account. Accounts and their slots share a single key space.
func StorageKey(account Key, slot Key) Key {
	var buffer [2 * KeySize]byte
	copy(buffer[:], account[:])
	copy(buffer[KeySize:], slot[:])
	return Key(Keccak256(buffer[:]))
}

func copyRightAligned(trg []byte, src []byte) {
	if len(src) > len(trg) {
		src = src[len(src)-len(trg):]
	}
	copy(trg[len(trg)-len(src):], src)
}

func (h Hash) String() string {
	return fmt.Sprintf("0x%x", h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h *Hash) Compare(other *Hash) int {
	return bytes.Compare(h[:], other[:])
}

func (k Key) String() string {
	return fmt.Sprintf("0x%x", k[:])
}

func (k *Key) Compare(other *Key) int {
	return bytes.Compare(k[:], other[:])
}

// ParseKey parses a hex string, with or without 0x prefix, into a key.
func ParseKey(s string) (Key, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid key %q: %w", s, err)
	}
	if len(data) > KeySize {
		return Key{}, fmt.Errorf("key %q exceeds %d bytes", s, KeySize)
	}
	return KeyFromBytes(data), nil
}
