// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package interrupt

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/ethereum/go-ethereum/log"
)

const ErrCanceled = common.ConstError("interrupted")

// IsCancelled returns true if the given context's CancelFunc has been called.
func IsCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// Check returns ErrCanceled if the given context is done.
func Check(ctx context.Context) error {
	if IsCancelled(ctx) {
		return ErrCanceled
	}
	return nil
}

// Register catches SIGTERM and SIGINT signals and cancels the returned
// context when one is received.
func Register(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			log.Warn("Interrupted, finishing current block before shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
