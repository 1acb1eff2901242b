// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package pacer

//go:generate mockgen -source pacer.go -destination pacer_mocks.go -package pacer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Fantom-foundation/Tessera/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// ----------------------------------------------------------------------------
//                             Interfaces
// ----------------------------------------------------------------------------

// Sink is the batched key/value store the pacer is writing to. A LevelDB
// instance satisfies this interface.
type Sink interface {
	// Get fetches the committed value of the given key. Missing keys are
	// reported by leveldb.ErrNotFound.
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
	// Write applies the given batch atomically.
	Write(batch *leveldb.Batch, wo *opt.WriteOptions) error
}

const (
	// ErrBatchFlushFailure is reported once a physical commit failed and all
	// retries have been exhausted. The pacer is unusable afterwards.
	ErrBatchFlushFailure = common.ConstError("batch flush failure")
	// ErrBatchReleased is reported when writing through a disposed handle.
	ErrBatchReleased = common.ConstError("batch handle already released")
)

// Config tunes the physical commit policy of a pacer.
type Config struct {
	// MaxWrites is the number of buffered operations triggering a physical
	// commit when a batch is disposed.
	MaxWrites int
	// MaxBytes is the buffered payload size triggering a physical commit when
	// a batch is disposed.
	MaxBytes int
	// MaxRetries bounds the number of retries of a failed physical commit.
	// A negative value disables retries.
	MaxRetries int
	// RetryBackoff is the delay before the first retry, doubled on every
	// following attempt.
	RetryBackoff time.Duration
}

// DefaultConfig is used for all fields left zero in a custom config.
var DefaultConfig = Config{
	MaxWrites:    100_000,
	MaxBytes:     64 * 1024 * 1024,
	MaxRetries:   5,
	RetryBackoff: 50 * time.Millisecond,
}

const maxRetryBackoff = 5 * time.Second

// Stats summarizes the work performed by a pacer.
type Stats struct {
	LogicalBatches  uint64 // number of handles created by StartBatch
	PhysicalCommits uint64 // number of successful writes to the sink
	Retries         uint64 // number of failed writes that were retried
	Operations      uint64 // number of puts and deletes committed
}

// ----------------------------------------------------------------------------
//                             Implementation
// ----------------------------------------------------------------------------

// Pacer collects writes of many small logical batches into few large
// physical batches. At most one logical batch is open at any time; all
// producers starting a batch while it is open share the same handle.
type Pacer struct {
	sink   Sink
	config Config

	mu           sync.Mutex // guards all fields below
	current      *Batch
	pending      *leveldb.Batch
	pendingBytes int
	inflight     int // operations of a commit in progress
	stats        Stats
	err          error

	commitMu sync.Mutex // serializes physical commits
	log      log.Logger
}

// Batch is a logical batch handle. Writes are buffered in the pacer and only
// become visible through Get once physically committed.
type Batch struct {
	pacer *Pacer
	refs  int // guarded by pacer.mu
}

// New creates a pacer writing to the given sink. Zero config fields are
// filled in from DefaultConfig.
func New(sink Sink, config Config) *Pacer {
	if config.MaxWrites <= 0 {
		config.MaxWrites = DefaultConfig.MaxWrites
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = DefaultConfig.MaxBytes
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = DefaultConfig.MaxRetries
	} else if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = DefaultConfig.RetryBackoff
	}
	return &Pacer{
		sink:    sink,
		config:  config,
		pending: new(leveldb.Batch),
		log:     log.New("module", "pacer"),
	}
}

// StartBatch returns the open logical batch, or opens a new one if there is
// none. Every call must be matched by a call to Dispose on the result.
func (p *Pacer) StartBatch() (*Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if p.current == nil {
		p.current = &Batch{pacer: p}
		p.stats.LogicalBatches++
	}
	p.current.refs++
	return p.current, nil
}

// Put buffers the given key/value pair. It is safe to call concurrently.
func (b *Batch) Put(key, value []byte) error {
	p := b.pacer
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := b.checkUsable(); err != nil {
		return err
	}
	p.pending.Put(key, value)
	p.pendingBytes += len(key) + len(value)
	return nil
}

// Delete buffers the removal of the given key. It is safe to call
// concurrently.
func (b *Batch) Delete(key []byte) error {
	p := b.pacer
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := b.checkUsable(); err != nil {
		return err
	}
	p.pending.Delete(key)
	p.pendingBytes += len(key)
	return nil
}

func (b *Batch) checkUsable() error {
	if b.pacer.err != nil {
		return b.pacer.err
	}
	if b.refs <= 0 {
		return ErrBatchReleased
	}
	return nil
}

// Dispose releases the caller's reference to the handle. Once all references
// are released the handle is closed. Buffered writes are only committed if
// the configured thresholds are exceeded; otherwise they remain buffered to be
// coalesced with subsequent batches.
func (b *Batch) Dispose() error {
	p := b.pacer
	p.mu.Lock()
	if b.refs <= 0 {
		p.mu.Unlock()
		return nil
	}
	b.refs--
	if b.refs == 0 && p.current == b {
		p.current = nil
	}
	full := p.pending.Len() >= p.config.MaxWrites || p.pendingBytes >= p.config.MaxBytes
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return err
	}
	if full {
		return p.commit()
	}
	return nil
}

// FlushBatch forces all buffered writes to be physically committed and
// detaches the open handle, if any. Holders of the detached handle may keep
// writing through it until they dispose it.
func (p *Pacer) FlushBatch() error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	return p.commit()
}

// Get returns the committed value of the given key. Buffered writes are not
// visible.
func (p *Pacer) Get(key []byte) ([]byte, error) {
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.sink.Get(key, nil)
}

// Set writes a single key/value pair through the open batch, starting and
// releasing a logical batch if none is open.
func (p *Pacer) Set(key, value []byte) error {
	batch, err := p.StartBatch()
	if err != nil {
		return err
	}
	return errors.Join(batch.Put(key, value), batch.Dispose())
}

// Pending returns the number of buffered operations not yet visible through
// Get, including those of a commit in progress.
func (p *Pacer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Len() + p.inflight
}

// Stats returns a snapshot of the pacer's counters.
func (p *Pacer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Err returns the sticky failure of the pacer, if any.
func (p *Pacer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close commits all buffered writes. The sink is not closed.
func (p *Pacer) Close() error {
	return p.FlushBatch()
}

func (p *Pacer) commit() error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return p.err
	}
	batch := p.pending
	if batch.Len() == 0 {
		p.mu.Unlock()
		return nil
	}
	p.pending = new(leveldb.Batch)
	p.pendingBytes = 0
	p.inflight = batch.Len()
	p.mu.Unlock()

	backoff := p.config.RetryBackoff
	var err error
	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.log.Warn("Retrying batch commit", "attempt", attempt, "ops", batch.Len(), "err", err)
			time.Sleep(backoff)
			backoff = min(2*backoff, maxRetryBackoff)
			p.mu.Lock()
			p.stats.Retries++
			p.mu.Unlock()
		}
		if err = p.sink.Write(batch, nil); err == nil {
			p.mu.Lock()
			p.inflight = 0
			p.stats.PhysicalCommits++
			p.stats.Operations += uint64(batch.Len())
			p.mu.Unlock()
			return nil
		}
	}

	failure := fmt.Errorf("%w: %d operations lost after %d attempts: %w", ErrBatchFlushFailure, batch.Len(), p.config.MaxRetries+1, err)
	p.log.Error("Batch commit failed", "err", failure)
	p.mu.Lock()
	p.err = failure
	p.mu.Unlock()
	return failure
}
