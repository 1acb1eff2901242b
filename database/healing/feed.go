// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package healing

//go:generate mockgen -source feed.go -destination feed_mocks.go -package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/Fantom-foundation/Tessera/database/trie"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	ErrClosed       = common.ConstError("healing feed closed")
	ErrRepairFailed = common.ConstError("failed to repair trie path")

	errAbandoned = common.ConstError("repair abandoned")
)

// ---- Interfaces ----

// Fetcher retrieves trie nodes from remote peers.
type Fetcher interface {
	// FetchPath returns encoded nodes on the path from the given root to the
	// given key. The order of the nodes is irrelevant and nodes not on the
	// path are ignored.
	FetchPath(ctx context.Context, root common.Hash, key common.Key) ([][]byte, error)
}

// NodeStore is the local node storage repaired by the feed.
type NodeStore interface {
	trie.NodeSource
	// PutBlob verifies and inserts an encoded node.
	PutBlob(hash common.Hash, blob []byte) (trie.Node, error)
}

// ---- Configuration ----

// Config tunes the retry and rate limiting policy of a feed.
type Config struct {
	MaxAttempts  int           // number of fetches per repair
	RetryBackoff time.Duration // delay before the second fetch, doubled per attempt
	FetchRate    rate.Limit    // fetches per second, over all repairs
	FetchBurst   int
	FetchTimeout time.Duration // deadline of a single fetch
	// Retained reports whether a root is still part of the retained state.
	// Repairs of roots that are no longer retained are abandoned. If nil,
	// all roots are considered retained.
	Retained func(root common.Hash) bool
}

// DefaultConfig is used for all fields left zero in a custom config.
var DefaultConfig = Config{
	MaxAttempts:  5,
	RetryBackoff: 200 * time.Millisecond,
	FetchRate:    64,
	FetchBurst:   16,
	FetchTimeout: 10 * time.Second,
}

// Stats summarizes the work performed by a feed.
type Stats struct {
	Requests  uint64 // repair requests issued by readers
	Fetches   uint64 // fetches sent to the fetcher
	Inserted  uint64 // nodes inserted into the node store
	Repaired  uint64 // completed repairs
	Failed    uint64
	Abandoned uint64
}

// ---- Repair handle ----

// Repair tracks the progress of an asynchronous repair of a trie path.
type Repair struct {
	done      chan struct{}
	err       error
	abandoned bool
}

func newRepair() *Repair {
	return &Repair{done: make(chan struct{})}
}

func (r *Repair) finish(err error) {
	if errors.Is(err, errAbandoned) {
		r.abandoned = true
		err = nil
	}
	r.err = err
	close(r.done)
}

// Done is closed once the repair has ended.
func (r *Repair) Done() <-chan struct{} {
	return r.done
}

// Err reports the reason of a failed repair. It is nil while the repair is in
// progress, after a successful repair, and for abandoned repairs.
func (r *Repair) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Abandoned is true if the repair was given up since its root was no longer
// retained.
func (r *Repair) Abandoned() bool {
	select {
	case <-r.done:
		return r.abandoned
	default:
		return false
	}
}

// Wait blocks until the repair has ended or the context is done.
func (r *Repair) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- Feed ----

// Feed repairs missing trie nodes by fetching them from remote peers. Repairs
// run asynchronously; concurrent requests for the same key and root share a
// single repair.
type Feed struct {
	nodes   NodeStore
	fetcher Fetcher
	config  Config
	limiter *rate.Limiter
	group   singleflight.Group

	ctx     context.Context
	cancel  context.CancelFunc
	mutex   sync.Mutex // guards closed and the registration of workers
	closed  bool
	workers sync.WaitGroup

	requests, fetches, inserted atomic.Uint64
	repaired, failed, abandoned atomic.Uint64

	log log.Logger
}

// NewFeed creates a feed repairing the given node store.
func NewFeed(nodes NodeStore, fetcher Fetcher, config Config) *Feed {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultConfig.RetryBackoff
	}
	if config.FetchRate <= 0 {
		config.FetchRate = DefaultConfig.FetchRate
	}
	if config.FetchBurst <= 0 {
		config.FetchBurst = DefaultConfig.FetchBurst
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultConfig.FetchTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		nodes:   nodes,
		fetcher: fetcher,
		config:  config,
		limiter: rate.NewLimiter(config.FetchRate, config.FetchBurst),
		ctx:     ctx,
		cancel:  cancel,
		log:     log.New("module", "healing"),
	}
}

// RecoverAccount repairs the path from the given root to an account.
func (f *Feed) RecoverAccount(account common.Key, root common.Hash) *Repair {
	return f.recover(account, root)
}

// RecoverStorageSlot repairs the path from the given root to a storage slot
// of an account.
func (f *Feed) RecoverStorageSlot(slot common.Key, account common.Key, root common.Hash) *Repair {
	return f.recover(common.StorageKey(account, slot), root)
}

// Recover repairs the path from the given root to the given key.
func (f *Feed) Recover(key common.Key, root common.Hash) *Repair {
	return f.recover(key, root)
}

func (f *Feed) recover(key common.Key, root common.Hash) *Repair {
	res := newRepair()
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.closed {
		res.finish(ErrClosed)
		return res
	}
	f.requests.Add(1)

	// Waiters only end after the repair they are waiting for, so tracking
	// them covers all running repairs.
	f.workers.Add(1)
	id := fmt.Sprintf("%x/%x", root[:], key[:])
	results := f.group.DoChan(id, func() (any, error) {
		return nil, f.repair(key, root)
	})
	go func() {
		defer f.workers.Done()
		res.finish((<-results).Err)
	}()
	return res
}

// repair fetches and inserts nodes until the key can be resolved from the
// root without hitting a missing node.
func (f *Feed) repair(key common.Key, root common.Hash) error {
	err := f.heal(key, root)
	switch {
	case err == nil:
		f.repaired.Add(1)
	case errors.Is(err, errAbandoned):
		f.abandoned.Add(1)
		f.log.Debug("Repair abandoned", "root", root, "key", key)
	default:
		f.failed.Add(1)
		f.log.Warn("Repair failed", "root", root, "key", key, "err", err)
	}
	return err
}

func (f *Feed) retained(root common.Hash) bool {
	return f.config.Retained == nil || f.config.Retained(root)
}

func (f *Feed) heal(key common.Key, root common.Hash) error {
	fetched := map[common.Hash][]byte{}
	attempts := 0
	backoff := f.config.RetryBackoff
	for {
		if !f.retained(root) {
			return errAbandoned
		}
		_, _, err := trie.Get(f.nodes, trie.HashRef(root), key)
		if err == nil {
			return nil
		}
		var missing *trie.MissingNodeError
		if !errors.As(err, &missing) {
			return err
		}

		// Fetched blobs are only accepted as the node referenced by their
		// parent, the store verifies the commitment once more.
		if blob, found := fetched[missing.Hash]; found {
			delete(fetched, missing.Hash)
			if _, err := f.nodes.PutBlob(missing.Hash, blob); err != nil {
				return err
			}
			f.inserted.Add(1)
			continue
		}

		if attempts >= f.config.MaxAttempts {
			return fmt.Errorf("%w: node %v at %v still missing after %d attempts", ErrRepairFailed, missing.Hash, missing.Path, attempts)
		}
		if attempts > 0 {
			if err := sleep(f.ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
		}
		attempts++

		blobs, err := f.fetch(key, root)
		if err != nil {
			f.log.Debug("Fetch failed", "root", root, "key", key, "attempt", attempts, "err", err)
			if f.ctx.Err() != nil {
				return f.ctx.Err()
			}
			continue
		}
		for _, blob := range blobs {
			fetched[common.Keccak256(blob)] = blob
		}
	}
}

func (f *Feed) fetch(key common.Key, root common.Hash) ([][]byte, error) {
	if err := f.limiter.Wait(f.ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(f.ctx, f.config.FetchTimeout)
	defer cancel()
	f.fetches.Add(1)
	return f.fetcher.FetchPath(ctx, root, key)
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a summary of the work performed so far.
func (f *Feed) Stats() Stats {
	return Stats{
		Requests:  f.requests.Load(),
		Fetches:   f.fetches.Load(),
		Inserted:  f.inserted.Load(),
		Repaired:  f.repaired.Load(),
		Failed:    f.failed.Load(),
		Abandoned: f.abandoned.Load(),
	}
}

// Close stops accepting new repairs, cancels pending fetches and waits for
// all running repairs to end.
func (f *Feed) Close() error {
	f.mutex.Lock()
	if f.closed {
		f.mutex.Unlock()
		return nil
	}
	f.closed = true
	f.mutex.Unlock()
	f.cancel()
	f.workers.Wait()
	return nil
}
