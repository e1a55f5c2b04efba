// Copyright 2024 The gbd Authors
// This file is part of the gbd library.
//
// The gbd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The gbd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the gbd library. If not, see <http://www.gnu.org/licenses/>.

// Package blockcache implements the fingerprint-addressed, bounded,
// write-back, crash-persistent block cache that sits between the NBD
// server and a remote Backend: a fixed-capacity slot table with
// LRU-like eviction (slottable), two interlocked clean/dirty queues
// (slotlist) that partition the slots, a delay map serializing requests
// against slots currently in flight, a writeback daemon with per-entry
// quiescence delay, and the request splitter that maps arbitrary byte
// ranges onto the underlying block grid.
package blockcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coquelicot/gbd/backend"
	"github.com/coquelicot/gbd/log"
	"github.com/coquelicot/gbd/queue"
	"github.com/coquelicot/gbd/slotlist"
	"github.com/coquelicot/gbd/slottable"
	"golang.org/x/sync/semaphore"
)

// ArgumentError is returned when a caller's request violates a boundary
// invariant (out-of-range offset/length) and is rejected before any
// queue or backend work is scheduled.
type ArgumentError struct {
	Msg string
}

func (e *ArgumentError) Error() string { return "blockcache: " + e.Msg }

// InvariantError reports a structural invariant of the cache being
// violated at runtime — always a programming error, never a product of
// bad input or a flaky backend.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "blockcache: invariant violated: " + e.Msg }

// CacheIOError reports a failure reading or writing the local cache
// file itself. Unlike a Backend IOError, this is always fatal: the whole
// point of the cache file is that it is reliably, synchronously
// readable, and if that assumption breaks the cache's invariants can no
// longer be trusted.
type CacheIOError struct {
	Op  string
	Err error
}

func (e *CacheIOError) Error() string { return fmt.Sprintf("blockcache: cache file %s: %v", e.Op, e.Err) }

func (e *CacheIOError) Unwrap() error { return e.Err }

// Options configures a Cache beyond the table/backend it wraps.
type Options struct {
	// WritebackConcurrency bounds how many backend writes the writeback
	// daemon can have in flight at once. Default 8.
	WritebackConcurrency int
	// WritebackDelay batches rapid successive writes to the same slot
	// before it is pushed to the backend. Default 500ms.
	WritebackDelay time.Duration
	// SyncPollInterval is how often Sync rechecks whether every queue
	// has drained. Default 50ms.
	SyncPollInterval time.Duration
	Logger           *log.Logger
}

func (o *Options) withDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.WritebackConcurrency <= 0 {
		out.WritebackConcurrency = 8
	}
	if out.WritebackDelay <= 0 {
		out.WritebackDelay = 500 * time.Millisecond
	}
	if out.SyncPollInterval <= 0 {
		out.SyncPollInterval = 50 * time.Millisecond
	}
	if out.Logger == nil {
		out.Logger = log.New("component", "blockcache")
	}
	return &out
}

type pullJob struct {
	blockIndex uint64
	pullData   bool
	readData   bool
	callback   func(err error, slot int, data []byte) (dirtyHint bool)
}

// Cache is the write-back, crash-persistent block cache. Construct with
// Attach.
type Cache struct {
	table      *slottable.Table
	backend    backend.Backend
	blockCount uint64
	cleanQ     *slotlist.List
	dirtyQ     *slotlist.List
	pullQ      *queue.Queue

	mu         sync.Mutex // guards lastModify and delayMap, and coordinates with table/queues
	lastModify []time.Time
	delayMap   map[uint64][]*pullJob

	wbSem          *semaphore.Weighted
	writebackDelay time.Duration
	syncPoll       time.Duration
	log            *log.Logger

	wg      sync.WaitGroup
	endOnce sync.Once
	endErr  error
}

// Attach builds a Cache over an already-loaded slot table and backend.
// dirty must be true if the operator has declared the cache file was not
// cleanly detached last time (every resident slot starts in the dirty
// queue so the writeback daemon re-pushes it rather than trusting it
// matches the backend). Attach fails if the table maps a block index
// outside [0, blockCount), which means the cache file belongs to a
// device with different geometry.
func Attach(table *slottable.Table, be backend.Backend, blockCount uint64, dirty bool, opts *Options) (*Cache, error) {
	o := opts.withDefaults()
	entryCount := table.EntryCount()

	c := &Cache{
		table:          table,
		backend:        be,
		blockCount:     blockCount,
		cleanQ:         slotlist.New(entryCount),
		dirtyQ:         slotlist.New(entryCount),
		pullQ:          queue.New(),
		lastModify:     make([]time.Time, entryCount),
		delayMap:       make(map[uint64][]*pullJob),
		wbSem:          semaphore.NewWeighted(int64(o.WritebackConcurrency)),
		writebackDelay: o.WritebackDelay,
		syncPoll:       o.SyncPollInterval,
		log:            o.Logger,
	}

	for s := 0; s < entryCount; s++ {
		if b, ok := table.BlockAt(s); ok {
			if b >= blockCount {
				return nil, &InvariantError{Msg: fmt.Sprintf("slot %d maps block %d, device has only %d blocks", s, b, blockCount)}
			}
			if dirty {
				c.dirtyQ.Put(s)
			} else {
				c.cleanQ.Put(s)
			}
		} else {
			c.cleanQ.Put(s)
		}
	}

	c.wg.Add(2)
	go c.runPull()
	go c.runWriteback()
	return c, nil
}

// Sync blocks until the pull queue, dirty queue, and delay map have all
// drained, then waits for the backend's own in-flight work to finish. A
// backend write that fails while Sync is waiting puts its slot back in
// the dirty queue, so Sync re-checks the queues after the backend drains
// and goes around again until everything has settled clean.
func (c *Cache) Sync(ctx context.Context) error {
	c.log.Info("flushing all pending requests")
	for {
		for !c.drained() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.syncPoll):
			}
		}
		if err := c.backend.Sync(ctx); err != nil {
			return err
		}
		if c.drained() {
			return nil
		}
	}
}

func (c *Cache) drained() bool {
	c.mu.Lock()
	delayEmpty := len(c.delayMap) == 0
	c.mu.Unlock()
	return c.pullQ.Empty() && c.dirtyQ.Empty() && delayEmpty
}

// End quiesces the cache. If !force it first behaves like Sync, so every
// dirty slot is pushed to the backend before the slot table is
// persisted. It then closes the backend, writes the slot table header
// back to the cache file, stops the daemons, and releases the cache
// file's exclusive lock. End is idempotent: the NBD layer calls it on
// client disconnect and the process shutdown path calls it again.
func (c *Cache) End(ctx context.Context, force bool) error {
	c.endOnce.Do(func() {
		c.endErr = c.end(ctx, force)
	})
	return c.endErr
}

func (c *Cache) end(ctx context.Context, force bool) error {
	if !force {
		if err := c.Sync(ctx); err != nil {
			return fmt.Errorf("blockcache: end: %w", err)
		}
	}
	if err := c.backend.End(ctx, true); err != nil {
		return fmt.Errorf("blockcache: end backend: %w", err)
	}
	if err := c.table.Save(); err != nil {
		return fmt.Errorf("blockcache: end save map: %w", err)
	}

	c.pullQ.Close()
	c.cleanQ.Close()
	c.dirtyQ.Close()
	c.wg.Wait()

	c.log.Info("end blockcache")
	return c.table.Close()
}

// TotalSize returns the addressable size of the device this cache
// fronts: block_count * block_size.
func (c *Cache) TotalSize() int64 {
	return int64(c.blockCount) * int64(c.table.BlockSize())
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
