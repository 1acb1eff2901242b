// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package main

import (
	"fmt"
	"time"

	"github.com/Fantom-foundation/Tessera/database/triestore"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var verifyCommand = cli.Command{
	Action: verify,
	Name:   "verify",
	Usage:  "checks the commitments of all nodes of the head trie",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
	},
}

func verify(ctx *cli.Context) error {
	return withStore(ctx, func(store *triestore.Store) error {
		start := time.Now()
		count, err := store.Verify()
		if err != nil {
			return fmt.Errorf("verification failed after %d nodes: %w", count, err)
		}
		log.Info("Verification successful", "nodes", count, "elapsed", time.Since(start))
		fmt.Fprintf(ctx.App.Writer, "Verified %d nodes\n", count)
		return nil
	})
}

var pruneCommand = cli.Command{
	Action: prune,
	Name:   "prune",
	Usage:  "deletes nodes no longer reachable from the head or retained blocks",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
	},
}

func prune(ctx *cli.Context) error {
	return withStore(ctx, func(store *triestore.Store) error {
		deleted, err := store.Prune()
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "Deleted %d nodes\n", deleted)
		return nil
	})
}

var (
	targetBlockFlag = cli.Uint64Flag{
		Name:     "block",
		Usage:    "the block to revert the head to",
		Required: true,
	}
)

var revertCommand = cli.Command{
	Action: revert,
	Name:   "revert",
	Usage:  "reverts the head to a retained block",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&targetBlockFlag,
	},
}

func revert(ctx *cli.Context) error {
	return withStore(ctx, func(store *triestore.Store) error {
		if err := store.RevertTo(ctx.Uint64(targetBlockFlag.Name)); err != nil {
			return err
		}
		block, root := store.Head()
		fmt.Fprintf(ctx.App.Writer, "Head block: %d\nState root: %v\n", block, root)
		return store.Commit()
	})
}
