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
	"testing"

	"github.com/coquelicot/gbd/queue"
	"github.com/stretchr/testify/require"
)

func newTestPebble(t *testing.T) *Pebble {
	t.Helper()
	b, err := NewPebble(t.TempDir(), 16, 4)
	require.NoError(t, err)
	t.Cleanup(func() { b.End(context.Background(), true) })
	return b
}

func TestReadMissingBlockReturnsZeroes(t *testing.T) {
	b := newTestPebble(t)
	done := make(chan []byte, 1)
	b.ReadBlock(7, queue.PriNormal, func(err error, data []byte) {
		require.NoError(t, err)
		done <- data
	})
	data := <-done
	require.Equal(t, make([]byte, 16), data)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	b := newTestPebble(t)
	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i)
	}

	writeDone := make(chan error, 1)
	b.WriteBlock(3, payload, queue.PriNormal, func(err error) { writeDone <- err })
	require.NoError(t, <-writeDone)

	readDone := make(chan []byte, 1)
	b.ReadBlock(3, queue.PriNormal, func(err error, data []byte) {
		require.NoError(t, err)
		readDone <- data
	})
	require.Equal(t, payload, <-readDone)
}

func TestSyncDrainsAllSubmittedWork(t *testing.T) {
	b := newTestPebble(t)
	var mu sync.Mutex
	completed := 0

	for i := uint64(0); i < 50; i++ {
		b.WriteBlock(i, make([]byte, 16), queue.PriNormal, func(err error) {
			require.NoError(t, err)
			mu.Lock()
			completed++
			mu.Unlock()
		})
	}
	require.NoError(t, b.Sync(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 50, completed)
}

func TestUUIDIsStableForSameDirAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	b1, err := NewPebble(dir, 16, 2)
	require.NoError(t, err)
	u1 := b1.UUID()
	require.NoError(t, b1.End(context.Background(), true))

	b2, err := NewPebble(dir, 16, 2)
	require.NoError(t, err)
	defer b2.End(context.Background(), true)
	require.Equal(t, u1, b2.UUID())
}
