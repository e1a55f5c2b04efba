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
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/coquelicot/gbd/queue"
)

// S3 backs the cache with a bucket/prefix of one blob per block index.
// Blob keys are resolved through an optional KeyCache so the backend can
// tolerate out-of-band key schemes without recomputing them from the
// index on every call; when no KeyCache is configured, keys are derived
// deterministically.
//
// The SDK client sits behind an atomic.Pointer so a credential rotation
// can swap it out (RebuildClient) without disturbing requests already in
// flight against the old client.
type S3 struct {
	client    atomic.Pointer[s3.Client]
	bucket    string
	prefix    string
	creds     *S3StaticCredentials
	keys      *KeyCache
	existence *ExistenceCache

	blockSize int
	blockCnt  uint64
	pool      *WorkerPool
}

// S3StaticCredentials points at an operator-managed access key instead
// of the SDK's default credential chain. The secret is re-read from
// SecretKeyFile on every RebuildClient call, so a rotated secret takes
// effect without a restart.
type S3StaticCredentials struct {
	AccessKeyID   string
	SecretKeyFile string
}

// NewS3 constructs an S3-backed Backend for the given bucket/prefix.
// An empty prefix defaults to "gbd_b", the standard blob naming scheme.
// With creds == nil it loads AWS credentials and region from the default
// SDK credential chain (environment, shared config, EC2/ECS metadata);
// otherwise it uses the static key creds points at.
func NewS3(ctx context.Context, bucket, prefix string, blockSize int, blockCount uint64, workers int, lowRatePerSec float64, creds *S3StaticCredentials, keys *KeyCache) (*S3, error) {
	if prefix == "" {
		prefix = DefaultBlobPrefix
	}
	b := &S3{
		bucket:    bucket,
		prefix:    prefix,
		creds:     creds,
		keys:      keys,
		existence: NewExistenceCache(4 << 20),
		blockSize: blockSize,
		blockCnt:  blockCount,
		pool:      NewWorkerPool(workers, lowRatePerSec),
	}
	if err := b.RebuildClient(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// RebuildClient reloads AWS credentials/config and swaps in a freshly
// built client. Safe to call while requests are in flight: each request
// already holds the client pointer it started with.
func (b *S3) RebuildClient(ctx context.Context) error {
	var opts []func(*awsconfig.LoadOptions) error
	if b.creds != nil {
		secret, err := os.ReadFile(b.creds.SecretKeyFile)
		if err != nil {
			return fmt.Errorf("backend: read s3 secret key: %w", err)
		}
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.creds.AccessKeyID, strings.TrimSpace(string(secret)), "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("backend: load aws config: %w", err)
	}
	b.client.Store(s3.NewFromConfig(cfg))
	return nil
}

func (b *S3) keyFor(blockIndex uint64) string {
	if b.keys != nil {
		if k, ok := b.keys.Lookup(blockIndex); ok {
			return k
		}
	}
	return b.prefix + strconv.FormatUint(blockIndex, 10)
}

func (b *S3) ReadBlock(blockIndex uint64, priority queue.Priority, cb ReadCallback) {
	b.pool.Submit(priority, func() {
		if b.existence.KnownMissing(blockIndex) {
			cb(nil, make([]byte, b.blockSize))
			return
		}
		ctx := context.Background()
		out, err := b.client.Load().GetObject(ctx, &s3.GetObjectInput{
			Bucket: &b.bucket,
			Key:    strPtr(b.keyFor(blockIndex)),
		})
		if err != nil {
			var nsk *types.NoSuchKey
			if errors.As(err, &nsk) {
				b.existence.MarkMissing(blockIndex)
				cb(nil, make([]byte, b.blockSize))
				return
			}
			cb(&IOError{Op: "read", Block: blockIndex, Err: err}, nil)
			return
		}
		defer out.Body.Close()
		data, err := io.ReadAll(out.Body)
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

func (b *S3) WriteBlock(blockIndex uint64, data []byte, priority queue.Priority, cb WriteCallback) {
	b.pool.Submit(priority, func() {
		key := b.keyFor(blockIndex)
		_, err := b.client.Load().PutObject(context.Background(), &s3.PutObjectInput{
			Bucket: &b.bucket,
			Key:    strPtr(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			cb(&IOError{Op: "write", Block: blockIndex, Err: err})
			return
		}
		if b.keys != nil {
			b.keys.Store(blockIndex, key)
		}
		b.existence.MarkPresent(blockIndex)
		cb(nil)
	})
}

func (b *S3) Sync(ctx context.Context) error {
	b.pool.Sync()
	return nil
}

func (b *S3) End(ctx context.Context, force bool) error {
	if !force {
		if err := b.Sync(ctx); err != nil {
			return err
		}
	}
	b.pool.Close()
	return nil
}

func (b *S3) BlockSize() int { return b.blockSize }

func (b *S3) UUID() string {
	sum := sha1.Sum([]byte("s3://" + b.bucket + "/" + b.prefix))
	return hex.EncodeToString(sum[:])
}

func strPtr(s string) *string { return &s }
