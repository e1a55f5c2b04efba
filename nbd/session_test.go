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

package nbd

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDevice is a deterministic in-memory stand-in for blockcache.Cache,
// addressable the same way: bytes keyed by offset.
type fakeDevice struct {
	mu        sync.Mutex
	data      []byte
	size      int64
	synced    int
	ended     bool
	failReads bool
}

func newFakeDevice(size int64) *fakeDevice {
	return &fakeDevice{data: make([]byte, size), size: size}
}

func (f *fakeDevice) ReadAt(ctx context.Context, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReads {
		return nil, &argErrStub{}
	}
	out := make([]byte, length)
	copy(out, f.data[offset:offset+length])
	return out, nil
}

func (f *fakeDevice) WriteAt(ctx context.Context, offset int64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.data[offset:], data)
	return nil
}

func (f *fakeDevice) Sync(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced++
	return nil
}

func (f *fakeDevice) End(ctx context.Context, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	return nil
}

func (f *fakeDevice) TotalSize() int64 { return f.size }

type argErrStub struct{}

func (*argErrStub) Error() string { return "stub argument error" }

// testClient wraps one side of a net.Pipe with the raw wire helpers a real
// nbd client would use, so tests can drive a Session without a real socket.
type testClient struct {
	conn       net.Conn
	exportSize uint64
}

func newTestSession(t *testing.T, dev *fakeDevice, opts *Options) (*testClient, *sync.WaitGroup) {
	t.Helper()
	serverSide, clientSide := net.Pipe()

	srv := NewServer(func(name string) (Device, error) { return dev, nil }, opts)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		srv.handleConn(context.Background(), serverSide)
	}()

	cl := &testClient{conn: clientSide}
	cl.doHandshake(t)
	t.Cleanup(func() { clientSide.Close() })
	return cl, &wg
}

func (c *testClient) doHandshake(t *testing.T) {
	t.Helper()
	magic := make([]byte, 8)
	_, err := io.ReadFull(c.conn, magic)
	require.NoError(t, err)
	require.Equal(t, negotiationMagic, string(magic))

	var optMagic uint64
	require.NoError(t, readBinary(c.conn, &optMagic))
	require.Equal(t, uint64(optionMagicValue), optMagic)

	var flags uint16
	require.NoError(t, readBinary(c.conn, &flags))

	require.NoError(t, writeBinary(c.conn, uint32(clientFlagFixedNewstyle)))
	require.NoError(t, writeBinary(c.conn, uint64(optionMagicValue)))
	require.NoError(t, writeBinary(c.conn, uint32(optExportName)))
	name := []byte("test")
	require.NoError(t, writeBinary(c.conn, uint32(len(name))))
	_, err = c.conn.Write(name)
	require.NoError(t, err)

	require.NoError(t, readBinary(c.conn, &c.exportSize))
	var exportFlags uint16
	require.NoError(t, readBinary(c.conn, &exportFlags))
	trailer := make([]byte, reservedTrailerSize)
	_, err = io.ReadFull(c.conn, trailer)
	require.NoError(t, err)
}

func (c *testClient) sendRequest(t *testing.T, cmd uint32, handle [8]byte, offset uint64, length uint32, data []byte) {
	t.Helper()
	require.NoError(t, writeBinary(c.conn, uint32(reqMagic)))
	require.NoError(t, writeBinary(c.conn, cmd))
	_, err := c.conn.Write(handle[:])
	require.NoError(t, err)
	require.NoError(t, writeBinary(c.conn, offset))
	require.NoError(t, writeBinary(c.conn, length))
	if data != nil {
		_, err = c.conn.Write(data)
		require.NoError(t, err)
	}
}

type replyHeader struct {
	errno  uint32
	handle [8]byte
}

func (c *testClient) readReply(t *testing.T, dataLen int) (replyHeader, []byte) {
	t.Helper()
	var magic uint32
	require.NoError(t, readBinary(c.conn, &magic))
	require.Equal(t, uint32(rpyMagic), magic)
	var rh replyHeader
	require.NoError(t, readBinary(c.conn, &rh.errno))
	_, err := io.ReadFull(c.conn, rh.handle[:])
	require.NoError(t, err)
	var data []byte
	if dataLen > 0 {
		data = make([]byte, dataLen)
		_, err = io.ReadFull(c.conn, data)
		require.NoError(t, err)
	}
	return rh, data
}

func readBinary(r io.Reader, v interface{}) error {
	return binary.Read(r, binary.BigEndian, v)
}

func writeBinary(w io.Writer, v interface{}) error {
	return binary.Write(w, binary.BigEndian, v)
}

func TestHandshakeReportsDeviceSize(t *testing.T) {
	dev := newFakeDevice(4096)
	cl, _ := newTestSession(t, dev, nil)
	require.Equal(t, uint64(4096), cl.exportSize)
}

func TestReadWriteRoundTrip(t *testing.T) {
	dev := newFakeDevice(4096)
	cl, _ := newTestSession(t, dev, nil)

	payload := bytes.Repeat([]byte{0x42}, 16)
	var wh [8]byte
	wh[7] = 1
	cl.sendRequest(t, CmdWrite, wh, 100, uint32(len(payload)), payload)
	rh, _ := cl.readReply(t, 0)
	require.Equal(t, uint32(0), rh.errno)
	require.Equal(t, wh, rh.handle)

	var rHandle [8]byte
	rHandle[7] = 2
	cl.sendRequest(t, CmdRead, rHandle, 100, uint32(len(payload)), nil)
	rh2, data := cl.readReply(t, len(payload))
	require.Equal(t, uint32(0), rh2.errno)
	require.Equal(t, payload, data)
}

func TestReadErrorMapsToEIO(t *testing.T) {
	dev := newFakeDevice(4096)
	dev.failReads = true
	cl, _ := newTestSession(t, dev, nil)

	var handle [8]byte
	cl.sendRequest(t, CmdRead, handle, 0, 8, nil)
	rh, _ := cl.readReply(t, 0)
	require.Equal(t, uint32(ErrIO), rh.errno)
}

func TestFlushAcksImmediatelyByDefault(t *testing.T) {
	dev := newFakeDevice(4096)
	cl, _ := newTestSession(t, dev, nil)

	var handle [8]byte
	cl.sendRequest(t, CmdFlush, handle, 0, 0, nil)
	rh, _ := cl.readReply(t, 0)
	require.Equal(t, uint32(0), rh.errno)

	dev.mu.Lock()
	synced := dev.synced
	dev.mu.Unlock()
	require.Equal(t, 0, synced)
}

func TestFlushCallsSyncWhenConfigured(t *testing.T) {
	dev := newFakeDevice(4096)
	cl, _ := newTestSession(t, dev, &Options{FlushCallsSync: true})

	var handle [8]byte
	cl.sendRequest(t, CmdFlush, handle, 0, 0, nil)
	rh, _ := cl.readReply(t, 0)
	require.Equal(t, uint32(0), rh.errno)

	dev.mu.Lock()
	synced := dev.synced
	dev.mu.Unlock()
	require.Equal(t, 1, synced)
}

func TestDisconnectCallsEndAndClosesSession(t *testing.T) {
	dev := newFakeDevice(4096)
	cl, wg := newTestSession(t, dev, nil)

	var handle [8]byte
	cl.sendRequest(t, CmdDisc, handle, 0, 0, nil)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("session did not end after disconnect")
	}

	dev.mu.Lock()
	ended := dev.ended
	dev.mu.Unlock()
	require.True(t, ended)
}
