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
	"time"

	"github.com/coquelicot/gbd/queue"
)

// Pull is the cache's single entry point for bringing a block's slot to
// a known state and letting the caller inspect or modify it. cb is
// invoked exactly once with the settled slot index and its data (nil
// unless readData is set or the block was just fetched from the backend
// because pullData is set and the block was not resident); its boolean
// return value
// declares "I modified the slot, mark it dirty".
//
// pullData=false, readData=true is rejected: reading data implies it
// must first be pulled.
func (c *Cache) Pull(blockIndex uint64, pullData, readData bool, cb func(err error, slot int, data []byte) bool) {
	if readData && !pullData {
		panic("blockcache: Pull: readData requires pullData")
	}
	if blockIndex >= c.blockCount {
		panic("blockcache: Pull: block index out of range")
	}
	c.submitPull(&pullJob{blockIndex: blockIndex, pullData: pullData, readData: readData, callback: cb}, queue.PriNormal)
}

func (c *Cache) submitPull(job *pullJob, priority queue.Priority) {
	c.pullQ.Put(job, priority)
}

func (c *Cache) runPull() {
	defer c.wg.Done()
	for {
		v, ok := c.pullQ.Get()
		if !ok {
			return
		}
		c.handlePull(v.(*pullJob))
	}
}

// handlePull implements step 1 of the pull pipeline: locate the slot
// (existing mapping, or evict a clean victim for a new one), leaving it
// BUSY (in neither queue) for the rest of the request's lifetime.
func (c *Cache) handlePull(job *pullJob) {
	c.mu.Lock()
	s, existing := c.table.Lookup(job.blockIndex)
	if existing {
		poppedClean := c.cleanQ.Pop(s)
		poppedDirty := c.dirtyQ.Pop(s)
		if !poppedClean && !poppedDirty {
			// BUSY: someone else already has this slot in flight.
			c.delayMap[job.blockIndex] = append(c.delayMap[job.blockIndex], job)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.continuePull(job, s, false, poppedDirty)
		return
	}
	c.mu.Unlock()

	// No mapping yet: evict a clean victim. Deliberately not held under
	// c.mu — blocking here while holding the coordinator lock would also
	// stall unrelated slot-table lookups and the writeback daemon's brief
	// reverse-map read, for as long as the cache stays full.
	s = c.cleanQ.Get()
	if s < 0 {
		return // queue closed during shutdown
	}
	c.mu.Lock()
	c.table.Assign(s, job.blockIndex)
	c.mu.Unlock()
	c.continuePull(job, s, true, false)
}

// continuePull implements step 2: bring the slot's content to what the
// request needs, then proceed to settle it (step 3/4).
func (c *Cache) continuePull(job *pullJob, s int, newBlock, wasDirty bool) {
	switch {
	case !newBlock && job.readData:
		data, err := c.table.ReadSlot(s)
		if err != nil {
			// The cache file itself failed to read back a slot it is
			// supposed to own. Retrying buys nothing here, unlike a
			// flaky backend, so this is treated as fatal rather than
			// silently handed to the caller as a zeroed block.
			panic(&CacheIOError{Op: "read slot", Err: err})
		}
		c.settlePull(job, s, wasDirty, false, data)

	case newBlock && (job.pullData || job.readData):
		c.log.Debug("pull", "block", job.blockIndex, "slot", s)
		c.backend.ReadBlock(job.blockIndex, queue.PriNormal, func(err error, data []byte) {
			if err != nil {
				c.log.Error("pull failed", "block", job.blockIndex, "slot", s, "err", err)
				job.callback(err, s, nil)
				c.mu.Lock()
				c.cleanQ.Put(s)
				c.drainDelayLocked(job.blockIndex)
				c.mu.Unlock()
				return
			}
			if err := c.table.WriteSlot(s, data); err != nil {
				panic(&CacheIOError{Op: "write slot", Err: err})
			}
			c.settlePull(job, s, wasDirty, false, data)
		})

	case newBlock && !job.pullData && !job.readData:
		// Neither pulling nor reading: the caller is about to overwrite
		// the slot wholesale, so it's implicitly dirty regardless of what
		// the callback itself returns.
		c.settlePull(job, s, wasDirty, true, nil)

	default: // !newBlock && !readData
		c.settlePull(job, s, wasDirty, false, nil)
	}
}

// settlePull implements steps 3 and 4: invoke the callback, reclassify
// the slot as clean or dirty, and drain one queued request (if any) for
// the same block index.
func (c *Cache) settlePull(job *pullJob, s int, wasDirty, implicitDirty bool, data []byte) {
	dirtyHint := job.callback(nil, s, data)
	dirty := wasDirty || dirtyHint || implicitDirty

	c.mu.Lock()
	if dirty {
		c.lastModify[s] = time.Now()
		c.dirtyQ.Put(s)
	} else {
		c.cleanQ.Put(s)
	}
	c.drainDelayLocked(job.blockIndex)
	c.mu.Unlock()
}
