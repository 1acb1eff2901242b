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
	"fmt"
	"strings"
)

// Path is a sequence of nibbles describing a navigation path in a trie,
// starting at the root. Paths address internal nodes. Unlike []Nibble slices,
// Paths are comparable and can be used as map keys. They are encoding pairs
// of 4-bit Nibbles into 8-bit values and are limited to 64 Nibbles.
type Path struct {
	// The zero-padded navigation path. Nibbles are encoded high nibble first.
	path [32]byte
	// The number of nibbles on the path. Limited to <= 64.
	length uint8
}

// MaxPathLength is the maximum number of nibbles on a path.
const MaxPathLength = 64

// NewPath creates a path consisting of the given nibbles.
func NewPath(nibbles ...Nibble) Path {
	res := Path{}
	for _, cur := range nibbles {
		res = res.Append(cur)
	}
	return res
}

// Length returns the number of nibbles on the path.
func (p Path) Length() int {
	return int(p.length)
}

// Get returns the Nibble value at the given path position, where pos == 0
// is the first position and Length()-1 the last. For positions outside this
// range the value 0 is returned.
func (p Path) Get(pos int) Nibble {
	if pos < 0 || pos >= int(p.length) {
		return 0
	}
	twin := p.path[pos/2]
	if pos%2 == 0 {
		return Nibble(twin >> 4)
	}
	return Nibble(twin & 0xF)
}

// Append returns a copy of this path extended by the given nibble.
func (p Path) Append(n Nibble) Path {
	if p.length >= MaxPathLength {
		panic(fmt.Sprintf("path exceeds maximum length of %d", MaxPathLength))
	}
	trg := &p.path[p.length/2]
	if p.length%2 == 0 {
		*trg |= byte(n&0xF) << 4
	} else {
		*trg |= byte(n & 0xF)
	}
	p.length++
	return p
}

// AppendAll returns a copy of this path extended by the given nibbles.
func (p Path) AppendAll(nibbles []Nibble) Path {
	for _, n := range nibbles {
		p = p.Append(n)
	}
	return p
}

// Nibbles returns the nibbles on this path.
func (p Path) Nibbles() []Nibble {
	res := make([]Nibble, p.length)
	for i := range res {
		res[i] = p.Get(i)
	}
	return res
}

// IsPrefixOf determines whether this path is a prefix of the given path.
func (p Path) IsPrefixOf(other Path) bool {
	if p.length > other.length {
		return false
	}
	for i := 0; i < int(p.length); i++ {
		if p.Get(i) != other.Get(i) {
			return false
		}
	}
	return true
}

// Compare orders paths lexicographically by their nibbles, shorter paths
// first if one is a prefix of the other.
func (p Path) Compare(other Path) int {
	for i := 0; i < int(p.length) && i < int(other.length); i++ {
		a, b := p.Get(i), other.Get(i)
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	switch {
	case p.length < other.length:
		return -1
	case p.length > other.length:
		return 1
	}
	return 0
}

// Bytes provides a compact binary representation of this path: the length
// followed by the packed nibbles.
func (p Path) Bytes() []byte {
	res := make([]byte, 1+(int(p.length)+1)/2)
	res[0] = p.length
	copy(res[1:], p.path[:])
	return res
}

// PathFromBytes is the inverse of Bytes.
func PathFromBytes(data []byte) (Path, error) {
	if len(data) == 0 || data[0] > MaxPathLength || len(data) != 1+(int(data[0])+1)/2 {
		return Path{}, fmt.Errorf("invalid path encoding: %x", data)
	}
	res := Path{length: data[0]}
	copy(res.path[:], data[1:])
	if res.length%2 == 1 && res.path[res.length/2]&0xF != 0 {
		return Path{}, fmt.Errorf("invalid path encoding, non-zero padding: %x", data)
	}
	return res, nil
}

// ParsePath parses a path given as a sequence of hex digits. The empty path
// may be given as an empty string or "-".
func ParsePath(s string) (Path, error) {
	res := Path{}
	if s == "-" || s == "-empty-" {
		return res, nil
	}
	if len(s) > MaxPathLength {
		return res, fmt.Errorf("path too long: %d nibbles", len(s))
	}
	for _, c := range strings.ToLower(s) {
		switch {
		case '0' <= c && c <= '9':
			res = res.Append(Nibble(c - '0'))
		case 'a' <= c && c <= 'f':
			res = res.Append(Nibble(c - 'a' + 10))
		default:
			return Path{}, fmt.Errorf("invalid nibble %q in path %q", c, s)
		}
	}
	return res, nil
}

func (p Path) String() string {
	if p.length == 0 {
		return "-empty-"
	}
	builder := strings.Builder{}
	for i := 0; i < p.Length(); i++ {
		builder.WriteRune(p.Get(i).Rune())
	}
	return builder.String()
}
