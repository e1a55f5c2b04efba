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
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/coquelicot/gbd/backend"
	"github.com/coquelicot/gbd/blockcache"
	"github.com/coquelicot/gbd/log"
)

// request is one parsed NBD request header, plus its write payload when
// the command is NBD_CMD_WRITE.
type request struct {
	cmd    uint32
	handle [8]byte
	offset uint64
	length uint32
	data   []byte
}

// Session drives a single client connection's request/reply loop against
// one Device. One Session runs per accepted TCP connection.
type Session struct {
	conn net.Conn
	dev  Device
	opts *Options
	log  *log.Logger
	ctx  context.Context
}

// serve reads requests until the client disconnects (NBD_CMD_DISC, or the
// connection simply drops) or an unrecoverable framing error occurs.
func (s *Session) serve() error {
	for {
		req, err := s.getRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("nbd: get request: %w", err)
		}

		switch req.cmd {
		case CmdDisc:
			s.log.Info("disconnect", "handle", req.handle)
			if err := s.dev.End(s.ctx, false); err != nil {
				s.log.Error("end on disconnect failed", "err", err)
			}
			return nil

		case CmdRead:
			s.log.Debug("read", "offset", req.offset, "length", req.length)
			data, err := s.dev.ReadAt(s.ctx, int64(req.offset), int64(req.length))
			if err != nil {
				s.log.Error("read failed", "err", err)
				if err := s.sendReply(errnoFor(err), req.handle, nil); err != nil {
					return err
				}
				continue
			}
			if err := s.sendReply(0, req.handle, data); err != nil {
				return err
			}

		case CmdWrite:
			s.log.Debug("write", "offset", req.offset, "length", req.length)
			if err := s.dev.WriteAt(s.ctx, int64(req.offset), req.data); err != nil {
				s.log.Error("write failed", "err", err)
				if err := s.sendReply(errnoFor(err), req.handle, nil); err != nil {
					return err
				}
				continue
			}
			if err := s.sendReply(0, req.handle, nil); err != nil {
				return err
			}

		case CmdFlush:
			s.log.Debug("flush")
			// By default a flush is acknowledged without waiting on the
			// cache to drain to the backend; Options.FlushCallsSync lets
			// an operator opt into the stricter behavior instead.
			if s.opts.FlushCallsSync {
				if err := s.dev.Sync(s.ctx); err != nil {
					s.log.Error("flush sync failed", "err", err)
					if err := s.sendReply(errnoFor(err), req.handle, nil); err != nil {
						return err
					}
					continue
				}
			}
			if err := s.sendReply(0, req.handle, nil); err != nil {
				return err
			}

		default:
			s.log.Error("unknown command", "cmd", req.cmd)
			if err := s.sendReply(ErrInval, req.handle, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Session) getRequest() (*request, error) {
	magic, err := readUint32(s.conn)
	if err != nil {
		return nil, err
	}
	if magic != reqMagic {
		return nil, fmt.Errorf("nbd: bad request magic %#x", magic)
	}

	typ, err := readUint32(s.conn)
	if err != nil {
		return nil, err
	}
	if typ&reqFlagMask != 0 {
		return nil, fmt.Errorf("nbd: unsupported request flags %#x", typ)
	}
	cmd := typ & 0xffff

	var handle [8]byte
	if _, err := io.ReadFull(s.conn, handle[:]); err != nil {
		return nil, err
	}

	offset, err := readUint64(s.conn)
	if err != nil {
		return nil, err
	}
	length, err := readUint32(s.conn)
	if err != nil {
		return nil, err
	}

	req := &request{cmd: cmd, handle: handle, offset: offset, length: length}
	if cmd == CmdWrite {
		req.data = make([]byte, length)
		if _, err := io.ReadFull(s.conn, req.data); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (s *Session) sendReply(errno uint32, handle [8]byte, data []byte) error {
	if err := writeUint32(s.conn, rpyMagic); err != nil {
		return err
	}
	if err := writeUint32(s.conn, errno); err != nil {
		return err
	}
	if _, err := s.conn.Write(handle[:]); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := s.conn.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// errnoFor maps a blockcache/backend error into the NBD error code sent
// back to the client. ArgumentError (a caller-boundary violation, e.g. an
// out-of-range offset) maps to EINVAL; anything originating from the
// backend or the local cache file maps to EIO.
func errnoFor(err error) uint32 {
	var argErr *blockcache.ArgumentError
	if errors.As(err, &argErr) {
		return ErrInval
	}
	var ioErr *backend.IOError
	if errors.As(err, &ioErr) {
		return ErrIO
	}
	var cacheErr *blockcache.CacheIOError
	if errors.As(err, &cacheErr) {
		return ErrIO
	}
	return ErrIO
}
