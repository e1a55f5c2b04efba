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
	"net"

	"github.com/coquelicot/gbd/log"
)

// Options configures a Server beyond the listener address and export
// lookup function.
type Options struct {
	// FlushCallsSync makes NBD_CMD_FLUSH block on Device.Sync before
	// acknowledging, rather than acking immediately. The default
	// acknowledges immediately: a flush only promises the queued work
	// is visible to the local cache, not that it reached the backend.
	FlushCallsSync bool
	Logger         *log.Logger
}

func (o *Options) withDefaults() *Options {
	out := Options{}
	if o != nil {
		out = *o
	}
	if out.Logger == nil {
		out.Logger = log.New("component", "nbd")
	}
	return &out
}

// Server accepts TCP connections and serves one NBD session per
// connection, each in its own goroutine.
type Server struct {
	lookup ExportLookup
	opts   *Options
	log    *log.Logger
}

// NewServer builds a Server that resolves each connection's export via lookup.
func NewServer(lookup ExportLookup, opts *Options) *Server {
	o := opts.withDefaults()
	return &Server{lookup: lookup, opts: o, log: o.Logger}
}

// Serve accepts connections on ln until it errors (typically because ln
// was closed) or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr()
	s.log.Info("accept client", "addr", addr)
	defer conn.Close()

	sess, err := s.handshake(conn)
	if err != nil {
		s.log.Error("handshake failed", "addr", addr, "err", err)
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.ctx = connCtx

	if err := sess.serve(); err != nil {
		s.log.Info("session ended", "addr", addr, "err", err)
	}
}
