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
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coquelicot/gbd/backend"
	"github.com/coquelicot/gbd/queue"
	"github.com/coquelicot/gbd/slottable"
	"github.com/stretchr/testify/require"
)

var testBackendUUID = func() string {
	sum := sha1.Sum([]byte("fake-backend"))
	return hex.EncodeToString(sum[:])
}()

const testBlockSize = 32

// fakeBackend is a deterministic, in-memory stand-in for backend.Backend,
// used so cache tests exercise the pull/writeback pipeline's own logic
// rather than a real transport's latency and error modes.
type fakeBackend struct {
	mu        sync.Mutex
	blocks    map[uint64][]byte
	blockSize int
	failNext  map[uint64]int // blockIndex -> remaining forced-failure count
	writes    []uint64       // order blocks were written, for coalescing assertions
	reads     []uint64       // fetches issued, for dedup assertions
	readDelay time.Duration  // widens the BUSY window for delay-map tests

	inFlight sync.WaitGroup
}

func newFakeBackend(blockSize int) *fakeBackend {
	return &fakeBackend{blocks: make(map[uint64][]byte), blockSize: blockSize, failNext: make(map[uint64]int)}
}

func (f *fakeBackend) ReadBlock(blockIndex uint64, _ queue.Priority, cb backend.ReadCallback) {
	f.inFlight.Add(1)
	go func() {
		defer f.inFlight.Done()
		if f.readDelay > 0 {
			time.Sleep(f.readDelay)
		}
		f.mu.Lock()
		f.reads = append(f.reads, blockIndex)
		data, ok := f.blocks[blockIndex]
		f.mu.Unlock()
		if !ok {
			data = make([]byte, f.blockSize)
		}
		cb(nil, append([]byte{}, data...))
	}()
}

func (f *fakeBackend) WriteBlock(blockIndex uint64, data []byte, _ queue.Priority, cb backend.WriteCallback) {
	f.inFlight.Add(1)
	go func() {
		defer f.inFlight.Done()
		f.mu.Lock()
		if n := f.failNext[blockIndex]; n > 0 {
			f.failNext[blockIndex] = n - 1
			f.mu.Unlock()
			cb(errBackendInjected)
			return
		}
		f.blocks[blockIndex] = append([]byte{}, data...)
		f.writes = append(f.writes, blockIndex)
		f.mu.Unlock()
		cb(nil)
	}()
}

// Sync waits for every in-flight callback, the way the real transports'
// worker pools drain before reporting themselves synced.
func (f *fakeBackend) Sync(ctx context.Context) error {
	f.inFlight.Wait()
	return nil
}

func (f *fakeBackend) End(ctx context.Context, force bool) error { return f.Sync(ctx) }

func (f *fakeBackend) BlockSize() int { return f.blockSize }

func (f *fakeBackend) UUID() string { return testBackendUUID }

var errBackendInjected = &injectedErr{}

type injectedErr struct{}

func (*injectedErr) Error() string { return "injected backend failure" }

func (f *fakeBackend) writeCount(blockIndex uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.writes {
		if b == blockIndex {
			n++
		}
	}
	return n
}

func newTestCache(t *testing.T, entries int, opts *Options) (*Cache, *fakeBackend) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.img")
	size := int64(40) + 8*int64(entries) + int64(entries)*testBlockSize
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))

	fb := newFakeBackend(testBlockSize)
	f, lock, err := slottable.Open(path)
	require.NoError(t, err)
	tbl, err := slottable.Load(f, lock, fb.UUID(), testBlockSize)
	require.NoError(t, err)

	c, err := Attach(tbl, fb, 1<<20, false, opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.End(context.Background(), true) })
	return c, fb
}

func syncReadAt(t *testing.T, c *Cache, offset, length int64) []byte {
	t.Helper()
	data, err := c.ReadAt(context.Background(), offset, length)
	require.NoError(t, err)
	return data
}

func syncWriteAt(t *testing.T, c *Cache, offset int64, data []byte) {
	t.Helper()
	require.NoError(t, c.WriteAt(context.Background(), offset, data))
}

func TestReadOfUnwrittenBlockIsZero(t *testing.T) {
	c, _ := newTestCache(t, 4, nil)
	data := syncReadAt(t, c, 0, testBlockSize)
	require.Equal(t, make([]byte, testBlockSize), data)
}

func TestWriteThenReadSameRange(t *testing.T) {
	c, _ := newTestCache(t, 4, nil)
	payload := bytes.Repeat([]byte{0x5a}, testBlockSize)
	syncWriteAt(t, c, 0, payload)
	require.Equal(t, payload, syncReadAt(t, c, 0, testBlockSize))
}

func TestPartialBlockWritePreservesSurroundingBytes(t *testing.T) {
	c, _ := newTestCache(t, 4, nil)
	full := bytes.Repeat([]byte{0x11}, testBlockSize)
	syncWriteAt(t, c, 0, full)

	syncWriteAt(t, c, 10, []byte{0xAA, 0xBB})

	got := syncReadAt(t, c, 0, testBlockSize)
	want := append([]byte{}, full...)
	want[10], want[11] = 0xAA, 0xBB
	require.Equal(t, want, got)
}

func TestWriteSpanningTwoBlocksAndReadBack(t *testing.T) {
	c, _ := newTestCache(t, 4, nil)
	payload := bytes.Repeat([]byte{0x7}, testBlockSize+4)
	syncWriteAt(t, c, testBlockSize-2, payload)
	got := syncReadAt(t, c, testBlockSize-2, int64(len(payload)))
	require.Equal(t, payload, got)
}

func TestSingleByteStraddleRead(t *testing.T) {
	c, _ := newTestCache(t, 4, nil)
	payload := bytes.Repeat([]byte{0x99}, 2)
	syncWriteAt(t, c, testBlockSize-1, payload)
	got := syncReadAt(t, c, testBlockSize-1, 2)
	require.Equal(t, payload, got)
}

func TestEntryCountOneContinuousEviction(t *testing.T) {
	opts := &Options{WritebackDelay: time.Millisecond}
	c, _ := newTestCache(t, 1, opts)

	for i := uint64(0); i < 5; i++ {
		payload := bytes.Repeat([]byte{byte(i + 1)}, testBlockSize)
		syncWriteAt(t, c, int64(i)*testBlockSize, payload)
		require.Eventually(t, func() bool {
			got, err := c.ReadAt(context.Background(), int64(i)*testBlockSize, testBlockSize)
			return err == nil && bytes.Equal(got, payload)
		}, time.Second, time.Millisecond)
	}
}

func TestSyncDrainsDirtyAndDelayState(t *testing.T) {
	c, _ := newTestCache(t, 4, &Options{WritebackDelay: time.Millisecond})
	syncWriteAt(t, c, 0, bytes.Repeat([]byte{1}, testBlockSize))
	require.NoError(t, c.Sync(context.Background()))
	require.True(t, c.dirtyQ.Empty())
	require.True(t, c.pullQ.Empty())
	c.mu.Lock()
	require.Empty(t, c.delayMap)
	c.mu.Unlock()
}

func TestWritebackRetriesAfterBackendError(t *testing.T) {
	c, fb := newTestCache(t, 4, &Options{WritebackDelay: time.Millisecond})
	fb.mu.Lock()
	fb.failNext[0] = 1
	fb.mu.Unlock()

	syncWriteAt(t, c, 0, bytes.Repeat([]byte{3}, testBlockSize))
	require.NoError(t, c.Sync(context.Background()))

	fb.mu.Lock()
	stored := fb.blocks[0]
	fb.mu.Unlock()
	require.Equal(t, bytes.Repeat([]byte{3}, testBlockSize), stored)
}

func TestRapidRewritesCoalesceIntoFewerWritebacks(t *testing.T) {
	c, fb := newTestCache(t, 4, &Options{WritebackDelay: 200 * time.Millisecond})
	for i := 0; i < 10; i++ {
		syncWriteAt(t, c, 0, bytes.Repeat([]byte{byte(i)}, testBlockSize))
	}
	require.NoError(t, c.Sync(context.Background()))
	require.Less(t, fb.writeCount(0), 10)
}

func TestConcurrentRequestsForSameBlockSerializeViaDelayMap(t *testing.T) {
	c, _ := newTestCache(t, 4, &Options{WritebackDelay: time.Millisecond})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			syncWriteAt(t, c, 0, bytes.Repeat([]byte{byte(i)}, testBlockSize))
		}(i)
	}
	wg.Wait()
	require.NoError(t, c.Sync(context.Background()))
	got := syncReadAt(t, c, 0, testBlockSize)
	require.Len(t, got, testBlockSize)
	for _, b := range got[1:] {
		require.Equal(t, got[0], b)
	}
}

func TestReadRejectsOutOfBoundsRange(t *testing.T) {
	c, _ := newTestCache(t, 4, nil)
	_, err := c.ReadAt(context.Background(), c.TotalSize()-1, 2)
	require.Error(t, err)
	var argErr *ArgumentError
	require.ErrorAs(t, err, &argErr)
}

func TestWriteRejectsNegativeOffset(t *testing.T) {
	c, _ := newTestCache(t, 4, nil)
	err := c.WriteAt(context.Background(), -1, []byte{1})
	require.Error(t, err)
}

func TestZeroLengthRequestsAreRejected(t *testing.T) {
	c, _ := newTestCache(t, 4, nil)
	var argErr *ArgumentError
	_, err := c.ReadAt(context.Background(), 0, 0)
	require.ErrorAs(t, err, &argErr)
	require.ErrorAs(t, c.WriteAt(context.Background(), 0, nil), &argErr)
}

func TestConcurrentReadsOnBusySlotIssueOneFetch(t *testing.T) {
	c, fb := newTestCache(t, 4, nil)
	payload := bytes.Repeat([]byte{0x33}, testBlockSize)
	fb.mu.Lock()
	fb.blocks[5] = append([]byte{}, payload...)
	fb.mu.Unlock()
	fb.readDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.ReadAt(context.Background(), 5*testBlockSize, testBlockSize)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, payload, results[i])
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.reads, 1)
}

func TestWholeDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.img")
	entries := 4
	size := int64(40) + 8*int64(entries) + int64(entries)*testBlockSize
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))

	fb := newFakeBackend(testBlockSize)
	f, lock, err := slottable.Open(path)
	require.NoError(t, err)
	tbl, err := slottable.Load(f, lock, fb.UUID(), testBlockSize)
	require.NoError(t, err)
	c, err := Attach(tbl, fb, 4, false, &Options{WritebackDelay: time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { c.End(context.Background(), true) })

	payload := make([]byte, c.TotalSize())
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	require.NoError(t, c.WriteAt(context.Background(), 0, payload))
	got, err := c.ReadAt(context.Background(), 0, c.TotalSize())
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, c.Sync(context.Background()))
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i := 0; i < 4; i++ {
		require.Equal(t, payload[i*testBlockSize:(i+1)*testBlockSize], fb.blocks[uint64(i)])
	}
}

func TestDirtyReattachDrainsToRewoundBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.img")
	entries := 2
	size := int64(40) + 8*int64(entries) + int64(entries)*testBlockSize
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	payload := bytes.Repeat([]byte{0x5c}, testBlockSize)

	fb1 := newFakeBackend(testBlockSize)
	f, lock, err := slottable.Open(path)
	require.NoError(t, err)
	tbl, err := slottable.Load(f, lock, fb1.UUID(), testBlockSize)
	require.NoError(t, err)
	c1, err := Attach(tbl, fb1, 64, false, &Options{WritebackDelay: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, c1.WriteAt(context.Background(), 0, payload))
	require.NoError(t, c1.Sync(context.Background()))
	require.NoError(t, c1.End(context.Background(), true))

	// The backend "rewinds": a fresh, empty store with the same identity.
	// A dirty re-attach must not trust it and re-push every mapped slot.
	fb2 := newFakeBackend(testBlockSize)
	f2, lock2, err := slottable.Open(path)
	require.NoError(t, err)
	tbl2, err := slottable.Load(f2, lock2, fb2.UUID(), testBlockSize)
	require.NoError(t, err)
	c2, err := Attach(tbl2, fb2, 64, true, &Options{WritebackDelay: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, c2.Sync(context.Background()))
	require.NoError(t, c2.End(context.Background(), true))

	fb2.mu.Lock()
	defer fb2.mu.Unlock()
	require.Equal(t, payload, fb2.blocks[0])
}
