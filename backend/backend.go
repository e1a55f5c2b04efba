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

// Package backend abstracts the remote object store a cache pulls from
// and writes back to: a flat array of block_count fixed-size blobs,
// addressed by block index, accessed through a bounded pool of worker
// goroutines so the caller never blocks on network I/O.
package backend

import (
	"context"
	"fmt"

	"github.com/coquelicot/gbd/queue"
)

// DefaultBlobPrefix is the standard naming scheme for per-block blobs:
// block i is stored as "gbd_b<i>". Transports fall back to it when no
// prefix is configured.
const DefaultBlobPrefix = "gbd_b"

// ReadCallback receives the result of an asynchronous ReadBlock. data is
// always exactly BlockSize() bytes on success, all-zero if the backend
// had no blob for the requested index.
type ReadCallback func(err error, data []byte)

// WriteCallback receives the result of an asynchronous WriteBlock.
type WriteCallback func(err error)

// IOError wraps a backend transport failure (a rejected read or write).
// The cache core does not distinguish transient from permanent causes —
// every IOError is surfaced to the caller identically and the slot
// involved is returned to its queue for a future retry.
type IOError struct {
	Op    string
	Block uint64
	Err   error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("backend: %s block %d: %v", e.Op, e.Block, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Backend is the remote object store a cache pulls from and writes back
// to. All operations are idempotent at the block-index level; the caller
// (the pull pipeline's BUSY state) is responsible for never issuing two
// concurrent operations against the same index.
type Backend interface {
	// ReadBlock asynchronously fetches block_size bytes for blockIndex at
	// the given priority, invoking cb exactly once with the result.
	ReadBlock(blockIndex uint64, priority queue.Priority, cb ReadCallback)

	// WriteBlock asynchronously stores data (which must be exactly
	// BlockSize() bytes) for blockIndex, creating the backing blob if
	// absent, invoking cb exactly once with the result.
	WriteBlock(blockIndex uint64, data []byte, priority queue.Priority, cb WriteCallback)

	// Sync blocks until every operation submitted so far has completed.
	Sync(ctx context.Context) error

	// End quiesces the backend and releases its resources. If !force,
	// End first behaves like Sync.
	End(ctx context.Context, force bool) error

	// BlockSize returns the fixed size in bytes of every block.
	BlockSize() int

	// UUID identifies which remote data directory this backend serves;
	// used to validate a cache file's stored UUID at attach time.
	UUID() string
}
