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
	"os"
	"runtime/pprof"
	"strings"

	"github.com/Fantom-foundation/Tessera/database/triestore"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
)

var (
	dbDirectoryFlag = cli.StringFlag{
		Name:     "dir",
		Usage:    "the targeted store directory",
		Required: true,
	}
	verbosityFlag = cli.StringFlag{
		Name:  "verbosity",
		Usage: "log level, one of trace, debug, info, warn, error",
		Value: "info",
	}
	cpuProfilingFlag = cli.StringFlag{
		Name:  "cpu-profile",
		Usage: "enable the recording of a CPU profile",
	}
)

var logLevels = map[string]slog.Level{
	"trace": log.LevelTrace,
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

func setupLogging(ctx *cli.Context) error {
	name := strings.ToLower(ctx.String(verbosityFlag.Name))
	level, found := logLevels[name]
	if !found {
		return fmt.Errorf("unknown log level %q", name)
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, false)))
	return nil
}

// withStore opens the store in the directory named by the dir flag, runs the
// given action on it and closes the store again.
func withStore(ctx *cli.Context, action func(*triestore.Store) error) (err error) {
	profileTarget := ctx.String(cpuProfilingFlag.Name)
	if len(profileTarget) != 0 {
		if err := startCPUProfile(profileTarget); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	dir := ctx.String(dbDirectoryFlag.Name)
	log.Info("Opening store", "dir", dir)
	store, err := triestore.Open(triestore.Config{Directory: dir})
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing store", "dir", dir)
		if closeError := store.Close(); closeError != nil {
			if err == nil {
				err = closeError
			} else {
				log.Error("Failure closing store", "err", closeError)
			}
		}
	}()
	return action(store)
}

func startCPUProfile(profileName string) error {
	f, err := os.Create(profileName)
	if err != nil {
		return fmt.Errorf("could not create CPU profile: %s", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		return fmt.Errorf("could not start CPU profile: %s", err)
	}
	return nil
}
