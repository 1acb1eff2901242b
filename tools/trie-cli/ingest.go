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
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/common/interrupt"
	"github.com/Fantom-foundation/Tessera/database/triestore"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

var (
	inputFileFlag = cli.StringFlag{
		Name:     "file",
		Usage:    "the file listing the updates of each block",
		Required: true,
	}
)

var ingestCommand = cli.Command{
	Action: ingest,
	Name:   "ingest",
	Usage:  "applies blocks of key/value updates on top of the head",
	Description: `The input lists one update per line, a hex key followed by a
0x-prefixed hex value. A key without value deletes the key. Blocks are
separated by empty lines, lines starting with # are ignored.`,
	Flags: []cli.Flag{
		&dbDirectoryFlag,
		&inputFileFlag,
	},
}

func ingest(ctx *cli.Context) error {
	file, err := os.Open(ctx.String(inputFileFlag.Name))
	if err != nil {
		return err
	}
	defer file.Close()
	blocks, err := parseBlocks(file)
	if err != nil {
		return err
	}

	cancel := interrupt.Register(ctx.Context)
	return withStore(ctx, func(store *triestore.Store) error {
		start := time.Now()
		for i, updates := range blocks {
			if err := interrupt.Check(cancel); err != nil {
				log.Warn("Ingestion stopped", "ingested", i, "remaining", len(blocks)-i)
				return err
			}
			for key, value := range updates {
				if err := store.Set(key, value); err != nil {
					return err
				}
			}
			block, _ := store.Head()
			if err := store.Flush(block+1, nil); err != nil {
				return fmt.Errorf("failed to flush block %d: %w", block+1, err)
			}
			_, root := store.Head()
			log.Debug("Ingested block", "block", block+1, "updates", len(updates), "root", root)
		}
		if err := store.Commit(); err != nil {
			return err
		}
		block, root := store.Head()
		log.Info("Ingestion complete", "blocks", len(blocks), "elapsed", time.Since(start))
		fmt.Fprintf(ctx.App.Writer, "Head block: %d\nState root: %v\n", block, root)
		return nil
	})
}

// parseBlocks reads the updates of consecutive blocks. Empty blocks are
// skipped.
func parseBlocks(in io.Reader) ([]map[common.Key][]byte, error) {
	res := []map[common.Key][]byte{}
	current := map[common.Key][]byte{}
	scanner := bufio.NewScanner(in)
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(text, "#") {
			continue
		}
		if text == "" {
			if len(current) > 0 {
				res = append(res, current)
				current = map[common.Key][]byte{}
			}
			continue
		}
		fields := strings.Fields(text)
		if len(fields) > 2 {
			return nil, fmt.Errorf("line %d: expected key and value, got %d fields", line, len(fields))
		}
		key, err := common.ParseKey(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var value []byte
		if len(fields) == 2 {
			if value, err = hexutil.Decode(fields[1]); err != nil {
				return nil, fmt.Errorf("line %d: invalid value: %w", line, err)
			}
		}
		current[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(current) > 0 {
		res = append(res, current)
	}
	return res, nil
}
