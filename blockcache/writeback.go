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
	"context"
	"crypto/sha1"
	"encoding/hex"
	"time"

	"github.com/coquelicot/gbd/queue"
)

// runWriteback is the single writeback daemon. It pulls slot indices off
// the dirty queue, waits out each entry's quiescence delay so a
// steadily-rewritten slot gets batched rather than pushed on every
// write, and then hands the slot's bytes to the backend under a bounded
// concurrency semaphore.
func (c *Cache) runWriteback() {
	defer c.wg.Done()
	ctx := context.Background()

	for {
		if err := c.wbSem.Acquire(ctx, 1); err != nil {
			return
		}

		s := c.dirtyQ.Get()
		if s < 0 {
			c.wbSem.Release(1)
			return // queue closed during shutdown
		}

		c.mu.Lock()
		toSleep := time.Until(c.lastModify[s].Add(c.writebackDelay))
		c.mu.Unlock()

		if toSleep > 0 {
			// Ungetting at the head (not the tail) matters: without it a
			// slot that keeps getting rewritten could starve slots behind
			// it; with it, the daemon simply rechecks the same head again
			// after a short sleep instead of losing its place in line.
			c.dirtyQ.Unget(s)
			c.wbSem.Release(1)
			time.Sleep(toSleep)
			continue
		}

		c.mu.Lock()
		blockIndex, ok := c.table.BlockAt(s)
		c.mu.Unlock()
		if !ok {
			panic(&InvariantError{Msg: "writeback: dirty slot has no mapped block"})
		}

		data, err := c.table.ReadSlot(s)
		if err != nil {
			// Same reasoning as the pull path: the cache file is supposed
			// to always be readable, so a failure here means the crash
			// recovery invariant the whole design rests on is already
			// broken.
			panic(&CacheIOError{Op: "read slot", Err: err})
		}
		c.log.Debug("push", "block", blockIndex, "slot", s, "sha1", shortSHA1(data))

		c.backend.WriteBlock(blockIndex, data, queue.PriLow, func(err error) {
			c.mu.Lock()
			if err != nil {
				c.log.Warn("writeback failed, will retry", "block", blockIndex, "slot", s, "err", err)
				c.dirtyQ.Put(s)
			} else {
				c.cleanQ.Put(s)
			}
			c.drainDelayLocked(blockIndex)
			c.mu.Unlock()
			c.wbSem.Release(1)
		})
	}
}

func shortSHA1(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
