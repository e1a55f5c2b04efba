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

package backend

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/coquelicot/gbd/queue"
)

// Pebble is a local, on-disk Backend implemented on top of a pebble LSM
// tree keyed by "gbd_b<idx>" (see blockKey). It needs no network and no
// credentials, so it stands in for the remote object store in tests and
// for single-machine deployments that want a local second tier instead
// of a cloud bucket.
type Pebble struct {
	db        *pebble.DB
	blockSize int
	pool      *WorkerPool
	dirID     string
}

// NewPebble opens (creating if absent) a pebble store at dir.
func NewPebble(dir string, blockSize int, workers int) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("backend: open pebble store %s: %w", dir, err)
	}
	// Pebble is local disk, not a rate-limited remote API, so writeback
	// traffic isn't throttled the way it is for S3/AzureBlob.
	return &Pebble{db: db, blockSize: blockSize, pool: NewWorkerPool(workers, 0), dirID: dir}, nil
}

// blockKey follows the same gbd_b<idx> naming scheme the cloud
// transports use for their blobs, so a pebble store is inspectable with
// the same tooling.
func blockKey(blockIndex uint64) []byte {
	return []byte(DefaultBlobPrefix + strconv.FormatUint(blockIndex, 10))
}

func (b *Pebble) ReadBlock(blockIndex uint64, priority queue.Priority, cb ReadCallback) {
	b.pool.Submit(priority, func() {
		v, closer, err := b.db.Get(blockKey(blockIndex))
		if err == pebble.ErrNotFound {
			cb(nil, make([]byte, b.blockSize))
			return
		}
		if err != nil {
			cb(&IOError{Op: "read", Block: blockIndex, Err: err}, nil)
			return
		}
		data := make([]byte, len(v))
		copy(data, v)
		closer.Close()
		if len(data) != b.blockSize {
			cb(&IOError{Op: "read", Block: blockIndex, Err: fmt.Errorf("got %d bytes, want %d", len(data), b.blockSize)}, nil)
			return
		}
		cb(nil, data)
	})
}

func (b *Pebble) WriteBlock(blockIndex uint64, data []byte, priority queue.Priority, cb WriteCallback) {
	b.pool.Submit(priority, func() {
		if err := b.db.Set(blockKey(blockIndex), data, pebble.Sync); err != nil {
			cb(&IOError{Op: "write", Block: blockIndex, Err: err})
			return
		}
		cb(nil)
	})
}

func (b *Pebble) Sync(ctx context.Context) error {
	b.pool.Sync()
	return nil
}

func (b *Pebble) End(ctx context.Context, force bool) error {
	if !force {
		if err := b.Sync(ctx); err != nil {
			return err
		}
	}
	b.pool.Close()
	return b.db.Close()
}

func (b *Pebble) BlockSize() int { return b.blockSize }

func (b *Pebble) UUID() string {
	sum := sha1.Sum([]byte("pebble://" + b.dirID))
	return hex.EncodeToString(sum[:])
}
