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

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/triestore"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/urfave/cli/v2"
)

var getInfoCommand = cli.Command{
	Action: getInfo,
	Name:   "info",
	Usage:  "prints summary information about a trie store directory",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
	},
}

func getInfo(ctx *cli.Context) error {
	return withStore(ctx, func(store *triestore.Store) error {
		block, root := store.Head()
		fmt.Fprintf(ctx.App.Writer, "Head block: %d\n", block)
		fmt.Fprintf(ctx.App.Writer, "State root: %v\n", root)
		if from, to, ok := store.Retained(); ok {
			fmt.Fprintf(ctx.App.Writer, "Retained blocks: %d-%d\n", from, to)
		} else {
			fmt.Fprintf(ctx.App.Writer, "Retained blocks: none\n")
		}
		fmt.Fprintf(ctx.App.Writer, "Memory usage:\n%v", store.GetMemoryFootprint())
		return nil
	})
}

var (
	blockFlag = cli.Uint64Flag{
		Name:  "block",
		Usage: "the block to read the state of, defaults to the head",
	}
)

var getCommand = cli.Command{
	Action:    getValue,
	Name:      "get",
	Usage:     "prints the value of a key",
	ArgsUsage: "<key>",
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&blockFlag,
	},
}

func getValue(ctx *cli.Context) error {
	if ctx.Args().Len() != 1 {
		return fmt.Errorf("missing key")
	}
	key, err := common.ParseKey(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	return withStore(ctx, func(store *triestore.Store) error {
		block, _ := store.Head()
		if ctx.IsSet(blockFlag.Name) {
			block = ctx.Uint64(blockFlag.Name)
		}
		view, err := store.ViewAt(block)
		if err != nil {
			return err
		}
		defer view.Release()
		value, found, err := view.GetLeaf(key)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintf(ctx.App.Writer, "%v: not found at block %d\n", key, block)
			return nil
		}
		fmt.Fprintf(ctx.App.Writer, "%v: %s\n", key, hexutil.Encode(value))
		return nil
	})
}
