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
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// handshake runs the fixed newstyle negotiation and returns a Session bound
// to the export the client asked for. Only NBD_OPT_EXPORT_NAME is
// supported; NBD_OPT_ABORT ends the negotiation with an error (no reply is
// sent), so the server logs it as a failed handshake and closes the
// connection.
func (s *Server) handshake(conn net.Conn) (*Session, error) {
	if _, err := conn.Write([]byte(negotiationMagic)); err != nil {
		return nil, fmt.Errorf("nbd: write negotiation magic: %w", err)
	}
	if err := writeUint64(conn, optionMagicValue); err != nil {
		return nil, fmt.Errorf("nbd: write option magic: %w", err)
	}
	if err := writeUint16(conn, handshakeFlagFixedNewstyle|handshakeFlagNoZeroes); err != nil {
		return nil, fmt.Errorf("nbd: write handshake flags: %w", err)
	}

	clientFlags, err := readUint32(conn)
	if err != nil {
		return nil, fmt.Errorf("nbd: read client flags: %w", err)
	}
	noZeroes := clientFlags&clientFlagNoZeroes != 0

	gotMagic, err := readUint64(conn)
	if err != nil {
		return nil, fmt.Errorf("nbd: read option magic: %w", err)
	}
	if gotMagic != optionMagicValue {
		return nil, fmt.Errorf("nbd: bad option magic %#x", gotMagic)
	}

	for {
		option, err := readUint32(conn)
		if err != nil {
			return nil, fmt.Errorf("nbd: read option: %w", err)
		}

		switch option {
		case optAbort:
			return nil, fmt.Errorf("nbd: client aborted negotiation")

		case optExportName:
			length, err := readUint32(conn)
			if err != nil {
				return nil, fmt.Errorf("nbd: read export name length: %w", err)
			}
			nameBuf := make([]byte, length)
			if _, err := io.ReadFull(conn, nameBuf); err != nil {
				return nil, fmt.Errorf("nbd: read export name: %w", err)
			}

			dev, err := s.lookup(string(nameBuf))
			if err != nil {
				return nil, fmt.Errorf("nbd: lookup export %q: %w", nameBuf, err)
			}

			if err := writeUint64(conn, uint64(dev.TotalSize())); err != nil {
				return nil, fmt.Errorf("nbd: write export size: %w", err)
			}
			if err := writeUint16(conn, 0); err != nil {
				return nil, fmt.Errorf("nbd: write export flags: %w", err)
			}
			if !noZeroes {
				if _, err := conn.Write(make([]byte, reservedTrailerSize)); err != nil {
					return nil, fmt.Errorf("nbd: write reserved trailer: %w", err)
				}
			}

			return &Session{conn: conn, dev: dev, opts: s.opts, log: s.log}, nil

		default:
			return nil, fmt.Errorf("nbd: unsupported option %d", option)
		}
	}
}

func readUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
