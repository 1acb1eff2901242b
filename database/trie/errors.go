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

const (
	// ErrMissingNode is matched by errors reporting a referenced node that is
	// not available locally. Such nodes can be recovered through healing.
	ErrMissingNode = common.ConstError("missing trie node")
	// ErrCorruptEncoding is reported when a node encoding does not reproduce
	// the expected commitment or can not be parsed.
	ErrCorruptEncoding = common.ConstError("corrupt node encoding")
)

// MissingNodeError reports the commitment of a node that is not available
// and the path at which it was referenced.
type MissingNodeError struct {
	Hash common.Hash
	Path Path
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("%v: %v at path %v", ErrMissingNode, e.Hash, e.Path)
}

func (e *MissingNodeError) Is(target error) bool {
	return target == ErrMissingNode
}
