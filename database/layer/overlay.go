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

//go:generate mockgen -source overlay.go -destination overlay_mocks.go -package layer

import (
	"bytes"
	"sort"
	"sync"

	"github.com/Fantom-foundation/Tessera/common"
	"golang.org/x/exp/maps"
)

// LeafReader provides read access to the values of a state.
type LeafReader interface {
	// GetLeaf returns the value of the given key and whether it exists.
	GetLeaf(key common.Key) ([]byte, bool, error)
}

// Overlay collects the writes of a single block on top of a base state.
// Lookups are served from the overlay's own writes only; reads never fall
// through to the base. The base is consulted to record the pre-image of a
// key the first time it is touched.
type Overlay struct {
	base  LeafReader
	mutex sync.RWMutex
	diff  LeafDiff
}

// NewOverlay creates an empty overlay on top of the given base state.
func NewOverlay(base LeafReader) *Overlay {
	return &Overlay{
		base: base,
		diff: NewDiff[common.Key, []byte](),
	}
}

// Base returns the state this overlay is built on.
func (o *Overlay) Base() LeafReader {
	return o.base
}

// Set updates the value of the given key. An empty value removes the key.
func (o *Overlay) Set(key common.Key, value []byte) error {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	var pre []byte
	if _, touched := o.diff.Post[key]; !touched && o.base != nil {
		current, found, err := o.base.GetLeaf(key)
		if err != nil {
			return err
		}
		if found {
			pre = current
		}
	}
	o.diff.Record(key, pre, value)
	return nil
}

// Remove deletes the given key.
func (o *Overlay) Remove(key common.Key) error {
	return o.Set(key, nil)
}

// Get returns the value written to the given key in this overlay. The second
// result reports whether the key was touched at all; a removed key reports a
// nil value.
func (o *Overlay) Get(key common.Key) ([]byte, bool) {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.diff.Get(key)
}

// PreImageOf returns the value the given key had before it was first touched
// by this overlay. The second result reports whether the key was touched.
func (o *Overlay) PreImageOf(key common.Key) ([]byte, bool) {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.diff.GetPre(key)
}

// Len returns the number of touched keys.
func (o *Overlay) Len() int {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return o.diff.Len()
}

// Keys returns the touched keys in ascending order.
func (o *Overlay) Keys() []common.Key {
	o.mutex.RLock()
	keys := maps.Keys(o.diff.Post)
	o.mutex.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	return keys
}

// Clone creates an independent copy sharing the same base.
func (o *Overlay) Clone() *Overlay {
	o.mutex.RLock()
	defer o.mutex.RUnlock()
	return &Overlay{base: o.base, diff: o.diff.Clone()}
}

// Rebase creates a copy of this overlay on top of a new base. Pre-images are
// not carried over; they are recorded again against the new base.
func (o *Overlay) Rebase(base LeafReader) (*Overlay, error) {
	res := NewOverlay(base)
	for _, key := range o.Keys() {
		value, _ := o.Get(key)
		if err := res.Set(key, value); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ToLeafDiff returns the diff of this overlay without writes leaving a key
// unchanged.
func (o *Overlay) ToLeafDiff() LeafDiff {
	o.mutex.RLock()
	res := o.diff.Clone()
	o.mutex.RUnlock()
	res.DropNoOps()
	return res
}

// Reset drops all writes of this overlay.
func (o *Overlay) Reset() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.diff = NewDiff[common.Key, []byte]()
}
