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

import "github.com/coquelicot/gbd/queue"

// drainDelayLocked pops the oldest request queued behind blockIndex (if
// any) and reschedules it at HIGH priority, so requests serialized
// behind a BUSY slot jump ahead of unrelated work once that slot frees
// up. Caller holds c.mu.
func (c *Cache) drainDelayLocked(blockIndex uint64) {
	pending := c.delayMap[blockIndex]
	if len(pending) == 0 {
		return
	}
	next, rest := pending[0], pending[1:]
	if len(rest) == 0 {
		delete(c.delayMap, blockIndex)
	} else {
		c.delayMap[blockIndex] = rest
	}
	c.submitPull(next, queue.PriHigh)
}
