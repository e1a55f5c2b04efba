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
	"sync"

	"github.com/coquelicot/gbd/queue"
	"golang.org/x/time/rate"
)

// WorkerPool runs submitted jobs across a fixed number of goroutines,
// each standing in for one authenticated backend session. Jobs submitted
// at PriLow are additionally throttled by a token-bucket limiter, so a
// writeback daemon draining many dirty slots cannot starve latency on
// foreground pulls sharing the same pool.
type WorkerPool struct {
	q        *queue.Queue
	wg       sync.WaitGroup
	lowLimit *rate.Limiter

	closeOnce sync.Once
}

// NewWorkerPool starts workers goroutines pulling jobs off an internal
// priority queue. lowRatePerSec, if > 0, caps how many PriLow jobs per
// second the pool will start (0 disables throttling).
func NewWorkerPool(workers int, lowRatePerSec float64) *WorkerPool {
	p := &WorkerPool{q: queue.New()}
	if lowRatePerSec > 0 {
		p.lowLimit = rate.NewLimiter(rate.Limit(lowRatePerSec), 1)
	}
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p
}

func (p *WorkerPool) loop() {
	for {
		v, ok := p.q.Get()
		if !ok {
			return
		}
		j := v.(submittedJob)
		if j.priority == queue.PriLow && p.lowLimit != nil {
			p.lowLimit.Wait(context.Background())
		}
		j.fn()
		p.wg.Done()
	}
}

type submittedJob struct {
	fn       func()
	priority queue.Priority
}

// Submit enqueues fn to run on a worker goroutine at the given priority.
func (p *WorkerPool) Submit(priority queue.Priority, fn func()) {
	p.wg.Add(1)
	p.q.Put(submittedJob{fn: fn, priority: priority}, priority)
}

// Sync blocks until every job submitted before this call has finished.
// Callers must not race Sync against a concurrent Submit that could
// briefly observe the in-flight counter at zero; the cache core only
// calls Sync from the single goroutine that also issues the submits it
// is waiting on.
func (p *WorkerPool) Sync() {
	p.wg.Wait()
}

// Close closes the job queue without waiting: workers keep running every
// job already queued and exit once the queue is empty. Submit after Close
// still enqueues the job; it runs only if a worker has not exited yet.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		p.q.Close()
	})
}
