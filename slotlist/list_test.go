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

package slotlist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPutGetOrder(t *testing.T) {
	l := New(4)
	l.Put(2)
	l.Put(0)
	l.Put(3)

	require.Equal(t, 2, l.Get())
	require.Equal(t, 0, l.Get())
	require.Equal(t, 3, l.Get())
	require.True(t, l.Empty())
}

func TestPutMovesToTail(t *testing.T) {
	l := New(4)
	l.Put(0)
	l.Put(1)
	l.Put(0) // move 0 to tail; order should now be 1, 0

	require.Equal(t, 1, l.Get())
	require.Equal(t, 0, l.Get())
}

func TestPopPresentAndAbsent(t *testing.T) {
	l := New(4)
	l.Put(1)
	require.True(t, l.Pop(1))
	require.False(t, l.Pop(1))
	require.False(t, l.Pop(2))
}

func TestContains(t *testing.T) {
	l := New(4)
	require.False(t, l.Contains(0))
	l.Put(0)
	require.True(t, l.Contains(0))
	l.Pop(0)
	require.False(t, l.Contains(0))
}

func TestUngetPushesToHead(t *testing.T) {
	l := New(4)
	l.Put(1)
	l.Put(2)
	l.Unget(3)

	require.Equal(t, 3, l.Get())
	require.Equal(t, 1, l.Get())
	require.Equal(t, 2, l.Get())
}

func TestGetBlocksUntilPut(t *testing.T) {
	l := New(2)
	done := make(chan int, 1)
	go func() {
		done <- l.Get()
	}()

	select {
	case <-done:
		t.Fatal("Get returned before Put")
	case <-time.After(20 * time.Millisecond):
	}

	l.Put(1)
	select {
	case v := <-done:
		require.Equal(t, 1, v)
	case <-time.After(time.Second):
		t.Fatal("Get never woke up")
	}
}

func TestFullCycleLeavesListConsistent(t *testing.T) {
	l := New(3)
	for i := 0; i < 3; i++ {
		l.Put(i)
	}
	require.Equal(t, 3, l.Len())
	for i := 0; i < 3; i++ {
		got := l.Get()
		require.GreaterOrEqual(t, got, 0)
	}
	require.True(t, l.Empty())
	require.Equal(t, 0, l.Len())

	// list must still be fully usable after draining to empty
	l.Put(1)
	require.True(t, l.Contains(1))
	require.Equal(t, 1, l.Get())
}
