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

package blockcache

import (
	"bytes"
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ReadAt reads length bytes starting at offset, splitting the request
// across however many blocks it spans and pulling each one concurrently.
// A whole-block sub-read is satisfied directly from the pull callback's
// data; a sub-block sub-read re-reads its exact byte range from the
// settled slot, since the callback's data may be nil when the slot was
// already resident and only partially needed.
func (c *Cache) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	if offset < 0 || length <= 0 || offset+length > c.TotalSize() {
		return nil, &ArgumentError{Msg: fmt.Sprintf("read [%d, %d) out of bounds for device size %d", offset, offset+length, c.TotalSize())}
	}

	blockSize := int64(c.table.BlockSize())
	idxl := offset / blockSize
	idxr := (offset + length - 1) / blockSize
	n := int(idxr - idxl + 1)
	dataList := make([][]byte, n)

	g, gctx := errgroup.WithContext(ctx)
	for idx := idxl; idx <= idxr; idx++ {
		idx := idx
		pos := int(idx - idxl)
		rngl := maxInt64(offset, idx*blockSize)
		rngr := minInt64(offset+length, (idx+1)*blockSize)
		shift := rngl % blockSize
		toRead := rngr - rngl
		whole := toRead == blockSize

		g.Go(func() error {
			result := make(chan error, 1)
			c.Pull(uint64(idx), true, whole, func(err error, s int, data []byte) bool {
				if err != nil {
					result <- err
					return false
				}
				if whole {
					dataList[pos] = data
					result <- nil
					return false
				}
				sub, rerr := c.table.ReadSlotRange(s, shift, int(toRead))
				if rerr != nil {
					panic(&CacheIOError{Op: "read slot range", Err: rerr})
				}
				dataList[pos] = sub
				result <- nil
				return false
			})
			select {
			case err := <-result:
				return err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bytes.Join(dataList, nil), nil
}

// WriteAt writes data at offset, splitting the request across however
// many blocks it spans. A whole-block sub-write skips pulling the old
// content (pullData=false — the slot is about to be fully overwritten,
// so it's "implicitly dirty"); a sub-block sub-write pulls the existing
// content first so the untouched bytes around the write survive.
func (c *Cache) WriteAt(ctx context.Context, offset int64, data []byte) error {
	if offset < 0 || len(data) == 0 || offset+int64(len(data)) > c.TotalSize() {
		return &ArgumentError{Msg: fmt.Sprintf("write [%d, %d) out of bounds for device size %d", offset, offset+int64(len(data)), c.TotalSize())}
	}

	blockSize := int64(c.table.BlockSize())
	idxl := offset / blockSize
	idxr := (offset + int64(len(data)) - 1) / blockSize

	g, gctx := errgroup.WithContext(ctx)
	for idx := idxl; idx <= idxr; idx++ {
		idx := idx
		rngl := maxInt64(offset, idx*blockSize)
		rngr := minInt64(offset+int64(len(data)), (idx+1)*blockSize)
		ndata := data[rngl-offset : rngr-offset]
		shift := rngl % blockSize
		whole := int64(len(ndata)) == blockSize

		g.Go(func() error {
			result := make(chan error, 1)
			c.Pull(uint64(idx), !whole, false, func(err error, s int, _ []byte) bool {
				if err != nil {
					result <- err
					return false
				}
				if werr := c.table.WriteSlotRange(s, shift, ndata); werr != nil {
					panic(&CacheIOError{Op: "write slot range", Err: werr})
				}
				result <- nil
				return true // this pull modified the slot: mark dirty
			})
			select {
			case err := <-result:
				return err
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}

	return g.Wait()
}
