// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package history

import (
	"encoding/binary"

	"github.com/Fantom-foundation/Tessera/backend"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const blockSize = 8                   // block number (uint64)
const maxBlock = 0xFFFFFFFFFFFFFFFE // max block number (uint64) - must be less than the max value to fit into limit range

var limitBlock = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF} // max range value, must be greater than maxBlock

// layerKey is a key for the layer table, it consists of
// * the tablespace
// * the block number, represented as an inverse value to sort from the highest block
type layerKey [1 + blockSize]byte

func (k *layerKey) set(block uint64) {
	k[0] = byte(backend.HistoryKey)
	binary.BigEndian.PutUint64(k[1:], maxBlock-block)
}

func (k *layerKey) get() (block uint64) {
	return maxBlock - binary.BigEndian.Uint64(k[1:])
}

// getLayerKeyRangeFromHighest provides a key range for iterating from the highest block to the first
func getLayerKeyRangeFromHighest() util.Range {
	var start, end layerKey
	start.set(maxBlock)
	end[0] = start[0]
	copy(end[1:], limitBlock)
	return util.Range{Start: start[:], Limit: end[:]}
}
