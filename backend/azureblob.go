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
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/coquelicot/gbd/queue"
)

// AzureBlob backs the cache with one blob per block index inside an
// Azure Blob Storage container, mirroring the S3 backend's key-resolution
// and worker-pool shape. The client sits behind an atomic.Pointer for the
// same hot-credential-rotation reason as backend.S3.
type AzureBlob struct {
	client    atomic.Pointer[azblob.Client]
	container string
	prefix    string
	connStr   string
	keys      *KeyCache

	blockSize int
	pool      *WorkerPool
}

// NewAzureBlob constructs an Azure-backed Backend using a connection
// string (the simplest credential path for an operator-supplied config
// file; the config package is responsible for sourcing it and hot
// reloading it on rotation). An empty prefix defaults to "gbd_b".
func NewAzureBlob(connectionString, container, prefix string, blockSize int, workers int, lowRatePerSec float64, keys *KeyCache) (*AzureBlob, error) {
	if prefix == "" {
		prefix = DefaultBlobPrefix
	}
	b := &AzureBlob{
		container: container,
		prefix:    prefix,
		connStr:   connectionString,
		keys:      keys,
		blockSize: blockSize,
		pool:      NewWorkerPool(workers, lowRatePerSec),
	}
	if err := b.RebuildClient(); err != nil {
		return nil, err
	}
	return b, nil
}

// RebuildClient re-parses the connection string and swaps in a fresh
// client, for use after the config package detects a rotated credential.
func (b *AzureBlob) RebuildClient() error {
	client, err := azblob.NewClientFromConnectionString(b.connStr, nil)
	if err != nil {
		return fmt.Errorf("backend: azure client: %w", err)
	}
	b.client.Store(client)
	return nil
}

// SetConnectionString updates the connection string used by the next
// RebuildClient call, for when the credential itself (not just its
// contents on disk) changes shape.
func (b *AzureBlob) SetConnectionString(s string) { b.connStr = s }

func (b *AzureBlob) keyFor(blockIndex uint64) string {
	if b.keys != nil {
		if k, ok := b.keys.Lookup(blockIndex); ok {
			return k
		}
	}
	return b.prefix + strconv.FormatUint(blockIndex, 10)
}

func (b *AzureBlob) ReadBlock(blockIndex uint64, priority queue.Priority, cb ReadCallback) {
	b.pool.Submit(priority, func() {
		resp, err := b.client.Load().DownloadStream(context.Background(), b.container, b.keyFor(blockIndex), nil)
		if err != nil {
			if bloberror.HasCode(err, bloberror.BlobNotFound) {
				cb(nil, make([]byte, b.blockSize))
				return
			}
			cb(&IOError{Op: "read", Block: blockIndex, Err: err}, nil)
			return
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			cb(&IOError{Op: "read", Block: blockIndex, Err: err}, nil)
			return
		}
		if len(data) != b.blockSize {
			cb(&IOError{Op: "read", Block: blockIndex, Err: fmt.Errorf("got %d bytes, want %d", len(data), b.blockSize)}, nil)
			return
		}
		cb(nil, data)
	})
}

func (b *AzureBlob) WriteBlock(blockIndex uint64, data []byte, priority queue.Priority, cb WriteCallback) {
	b.pool.Submit(priority, func() {
		key := b.keyFor(blockIndex)
		_, err := b.client.Load().UploadStream(context.Background(), b.container, key, bytes.NewReader(data), nil)
		if err != nil {
			cb(&IOError{Op: "write", Block: blockIndex, Err: err})
			return
		}
		if b.keys != nil {
			b.keys.Store(blockIndex, key)
		}
		cb(nil)
	})
}

func (b *AzureBlob) Sync(ctx context.Context) error {
	b.pool.Sync()
	return nil
}

func (b *AzureBlob) End(ctx context.Context, force bool) error {
	if !force {
		if err := b.Sync(ctx); err != nil {
			return err
		}
	}
	b.pool.Close()
	return nil
}

func (b *AzureBlob) BlockSize() int { return b.blockSize }

func (b *AzureBlob) UUID() string {
	sum := sha1.Sum([]byte("azblob://" + strings.TrimSuffix(b.container, "/") + "/" + b.prefix))
	return hex.EncodeToString(sum[:])
}
