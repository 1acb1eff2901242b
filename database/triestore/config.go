// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package triestore

import (
	"fmt"
	"time"

	"github.com/Fantom-foundation/Tessera/backend/pacer"
	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/healing"
	"github.com/Fantom-foundation/Tessera/database/history"
	"github.com/Fantom-foundation/Tessera/database/trie"
)

const (
	ErrClosed       = common.ConstError("store closed")
	ErrInvalidBlock = common.ConstError("invalid block")
	ErrUnknownFork  = common.ConstError("unknown fork")
	ErrReleased     = common.ConstError("view released")
	// ErrNoSync is reported when nodes are ingested without a sync having
	// been started for their root.
	ErrNoSync = common.ConstError("no sync in progress")
	// ErrSyncInProgress is reported by Prune while ingested nodes may not
	// yet be reachable from any live root.
	ErrSyncInProgress = common.ConstError("sync in progress")
	// ErrRootMismatch is reported when applying recorded changes does not
	// reproduce the recorded root. It is always reported together with
	// trie.ErrCorruptEncoding.
	ErrRootMismatch = common.ConstError("root mismatch")
)

// HealingPolicy defines how reads hitting a missing node are handled.
type HealingPolicy int

const (
	// FailFast reports missing nodes to the reader immediately while the
	// repair proceeds in the background.
	FailFast HealingPolicy = iota
	// AwaitRepair blocks readers until the repair finished or timed out.
	AwaitRepair
)

func (p HealingPolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case AwaitRepair:
		return "await-repair"
	}
	return fmt.Sprintf("HealingPolicy(%d)", int(p))
}

// Config is the configuration of a store.
type Config struct {
	// Directory of the key/value store. An empty directory creates a store
	// retained in memory only.
	Directory string
	Nodes     trie.DatabaseConfig
	History   history.Config
	Pacer     pacer.Config
	// MergedDiffCacheSize is the number of merged change sets kept for
	// repeated reorgs over the same ranges.
	MergedDiffCacheSize int

	// Fetcher provides missing nodes. If nil, missing nodes are reported
	// to readers without any repair.
	Fetcher       healing.Fetcher
	Healing       healing.Config
	HealingPolicy HealingPolicy
	// RepairTimeout bounds the time readers wait for a repair under the
	// AwaitRepair policy.
	RepairTimeout time.Duration
}

// DefaultConfig is used for all fields left zero in a custom config.
var DefaultConfig = Config{
	MergedDiffCacheSize: 64,
	RepairTimeout:       5 * time.Second,
}

// State is the structural state of a store.
type State int32

const (
	Ready    State = iota // accepting reads and writes
	Flushing              // committing a block
	Reorging              // moving the head to a different block
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Flushing:
		return "flushing"
	case Reorging:
		return "reorging"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}
