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

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/trie"
)

// Value is the type of entries tracked by a Diff. The zero value marks an
// absent entry: nil or empty values for leaves, the zero hash for nodes.
type Value interface {
	[]byte | common.Hash
}

func isPresent[V Value](v V) bool {
	switch v := any(v).(type) {
	case []byte:
		return len(v) > 0
	case common.Hash:
		return v != common.Hash{}
	}
	return false
}

func equalValues[V Value](a, b V) bool {
	switch a := any(a).(type) {
	case []byte:
		return bytes.Equal(a, any(b).([]byte))
	case common.Hash:
		return a == any(b).(common.Hash)
	}
	return false
}

func cloneValue[V Value](v V) V {
	if b, ok := any(v).([]byte); ok {
		return any(bytes.Clone(b)).(V)
	}
	return v
}

// Diff captures the modifications of a set of entries. Post holds the new
// value of every touched entry, with the zero value marking a deletion. Pre
// holds the prior value of touched entries that existed before; touched
// entries missing in Pre did not exist.
type Diff[K comparable, V Value] struct {
	Post map[K]V
	Pre  map[K]V
}

// LeafDiff is the diff of key/value pairs of a layer.
type LeafDiff = Diff[common.Key, []byte]

// NodeDiff is the diff of internal node commitments of a layer, indexed by
// the path the nodes are located at.
type NodeDiff = Diff[trie.Path, common.Hash]

// NewDiff creates an empty diff.
func NewDiff[K comparable, V Value]() Diff[K, V] {
	return Diff[K, V]{Post: map[K]V{}, Pre: map[K]V{}}
}

// Record registers the modification of the given entry. The pre-image is
// only recorded on the first modification of an entry; post-images are
// overwritten.
func (d Diff[K, V]) Record(key K, pre V, post V) {
	if _, touched := d.Post[key]; !touched && isPresent(pre) {
		d.Pre[key] = cloneValue(pre)
	}
	d.Post[key] = cloneValue(post)
}

// Len returns the number of touched entries.
func (d Diff[K, V]) Len() int {
	return len(d.Post)
}

// Get returns the post-image of the given entry and whether it was touched.
func (d Diff[K, V]) Get(key K) (V, bool) {
	v, touched := d.Post[key]
	return v, touched
}

// GetPre returns the pre-image of the given entry and whether the entry was
// touched. An untouched or previously absent entry reports the zero value.
func (d Diff[K, V]) GetPre(key K) (V, bool) {
	_, touched := d.Post[key]
	return d.Pre[key], touched
}

// Apply applies the post-images of this diff to the given state.
func (d Diff[K, V]) Apply(state map[K]V) {
	for key, value := range d.Post {
		if isPresent(value) {
			state[key] = value
		} else {
			delete(state, key)
		}
	}
}

// Invert creates the diff undoing this diff.
func (d Diff[K, V]) Invert() Diff[K, V] {
	res := NewDiff[K, V]()
	for key, post := range d.Post {
		res.Post[key] = d.Pre[key]
		if isPresent(post) {
			res.Pre[key] = post
		}
	}
	return res
}

// Clone creates a deep copy of this diff.
func (d Diff[K, V]) Clone() Diff[K, V] {
	res := Diff[K, V]{Post: make(map[K]V, len(d.Post)), Pre: make(map[K]V, len(d.Pre))}
	for key, value := range d.Post {
		res.Post[key] = cloneValue(value)
	}
	for key, value := range d.Pre {
		res.Pre[key] = cloneValue(value)
	}
	return res
}

// Equal compares the content of two diffs.
func (d Diff[K, V]) Equal(other Diff[K, V]) bool {
	if len(d.Post) != len(other.Post) || len(d.Pre) != len(other.Pre) {
		return false
	}
	for key, value := range d.Post {
		if o, found := other.Post[key]; !found || !equalValues(value, o) {
			return false
		}
	}
	for key, value := range d.Pre {
		if o, found := other.Pre[key]; !found || !equalValues(value, o) {
			return false
		}
	}
	return true
}

// mergeDiffs composes two consecutive diffs. Post-images of the later diff
// win, pre-images of the earlier diff win.
func mergeDiffs[K comparable, V Value](first, second Diff[K, V]) Diff[K, V] {
	res := first.Clone()
	for key, post := range second.Post {
		if _, touched := first.Post[key]; !touched {
			if pre, existed := second.Pre[key]; existed {
				res.Pre[key] = cloneValue(pre)
			}
		}
		res.Post[key] = cloneValue(post)
	}
	return res
}

// DropNoOps removes entries whose post-image equals their pre-image.
func (d Diff[K, V]) DropNoOps() {
	for key, post := range d.Post {
		if equalValues(post, d.Pre[key]) {
			delete(d.Post, key)
			delete(d.Pre, key)
		}
	}
}
