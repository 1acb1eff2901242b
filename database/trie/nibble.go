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

	"github.com/Fantom-foundation/Tessera/common"
)

// Nibble is a 4-bit unsigned integer in the range 0-F. It is a single letter
// of the navigation alphabet of the trie.
type Nibble byte

// Rune converts a Nibble in a hexa-decimal rune (0-9a-f).
func (n Nibble) Rune() rune {
	if n < 10 {
		return rune('0' + n)
	} else if n < 16 {
		return rune('a' + n - 10)
	}
	return '?'
}

// String converts a Nibble in a hexa-decimal string (0-9a-f).
func (n Nibble) String() string {
	return string(n.Rune())
}

// KeyToNibbles converts the given key into the 64 nibbles of its navigation
// path, high nibble first.
func KeyToNibbles(key common.Key) []Nibble {
	res := make([]Nibble, 2*len(key))
	for i, b := range key {
		res[2*i] = Nibble(b >> 4)
		res[2*i+1] = Nibble(b & 0xF)
	}
	return res
}

// NibblesToKey is the inverse of KeyToNibbles.
func NibblesToKey(nibbles []Nibble) (common.Key, error) {
	var res common.Key
	if len(nibbles) != 2*len(res) {
		return res, fmt.Errorf("invalid key length: %d nibbles", len(nibbles))
	}
	for i := range res {
		res[i] = byte(nibbles[2*i])<<4 | byte(nibbles[2*i+1]&0xF)
	}
	return res, nil
}

func commonPrefixLength(a, b []Nibble) int {
	i := 0
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	return i
}

func hasPrefix(list, prefix []Nibble) bool {
	return len(prefix) <= len(list) && commonPrefixLength(list, prefix) == len(prefix)
}

func equalNibbles(a, b []Nibble) bool {
	return len(a) == len(b) && commonPrefixLength(a, b) == len(a)
}

func concat(a []Nibble, b ...Nibble) []Nibble {
	res := make([]Nibble, 0, len(a)+len(b))
	res = append(res, a...)
	return append(res, b...)
}

// compactEncode converts a nibble sequence into its hex-prefix encoding. The
// first nibble of the result carries the leaf flag and the parity of the
// sequence length.
func compactEncode(nibbles []Nibble, leaf bool) []byte {
	flag := byte(0)
	if leaf {
		flag = 2
	}
	res := make([]byte, len(nibbles)/2+1)
	if len(nibbles)%2 == 1 {
		res[0] = (flag+1)<<4 | byte(nibbles[0])
		nibbles = nibbles[1:]
	} else {
		res[0] = flag << 4
	}
	for i := 0; i < len(nibbles); i += 2 {
		res[i/2+1] = byte(nibbles[i])<<4 | byte(nibbles[i+1])
	}
	return res
}

// compactDecode is the inverse of compactEncode.
func compactDecode(data []byte) ([]Nibble, bool, error) {
	if len(data) == 0 {
		return nil, false, fmt.Errorf("%w: empty compact path", ErrCorruptEncoding)
	}
	flag := data[0] >> 4
	if flag > 3 {
		return nil, false, fmt.Errorf("%w: invalid compact path flag %d", ErrCorruptEncoding, flag)
	}
	leaf := flag >= 2
	odd := flag%2 == 1
	if !odd && data[0]&0xF != 0 {
		return nil, false, fmt.Errorf("%w: non-zero padding in compact path", ErrCorruptEncoding)
	}
	res := make([]Nibble, 0, 2*len(data))
	if odd {
		res = append(res, Nibble(data[0]&0xF))
	}
	for _, b := range data[1:] {
		res = append(res, Nibble(b>>4), Nibble(b&0xF))
	}
	return res, leaf, nil
}
