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

// Package nbd implements enough of the Network Block Device wire protocol
// (fixed newstyle negotiation, NBD_OPT_EXPORT_NAME, and the classic
// request/reply data-pushing phase) to drive a blockcache.Cache from the
// kernel nbd client. One goroutine serves one TCP connection.
package nbd

const (
	reqMagic = 0x25609513
	rpyMagic = 0x67446698

	negotiationMagic = "NBDMAGIC"
	optionMagicValue = 0x49484156454f5054 // "IHAVEOPT"
)

// Request commands, matching the classic (non-structured-reply) NBD
// protocol's 16-bit command field.
const (
	CmdRead  = 0
	CmdWrite = 1
	CmdDisc  = 2
	CmdFlush = 3
)

const reqFlagMask = 0xffff0000

// NBD error codes, sent back over the wire as the reply's error field.
// These borrow Linux errno values, which is what real nbd clients expect.
const (
	ErrPerm  = 1
	ErrIO    = 5
	ErrNoMem = 12
	ErrInval = 22
	ErrNoSpc = 28
)

// Handshake options the server understands. NBD_OPT_ABORT makes handshake
// return an error, after which the connection is closed.
const (
	optExportName = 1
	optAbort      = 2
)

const (
	handshakeFlagFixedNewstyle = 1 << 0
	handshakeFlagNoZeroes      = 1 << 1

	clientFlagFixedNewstyle = 1 << 0
	clientFlagNoZeroes      = 1 << 1
)

// reservedTrailerSize is the zero-padding sent after export info during the
// old-style reply trailer, when the client didn't advertise NBD_FLAG_C_NO_ZEROES.
const reservedTrailerSize = 124

// requestHeaderSize is the fixed portion of a client request: magic(4) +
// flags/type(4) + handle(8) + offset(8) + length(4).
const requestHeaderSize = 4 + 4 + 8 + 8 + 4
