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

import "context"

// Device is the subset of blockcache.Cache a Session drives. Defined as an
// interface, rather than importing blockcache directly, so the protocol
// layer and handshake logic can be tested against a fake without pulling in
// a real slottable/backend pair.
type Device interface {
	ReadAt(ctx context.Context, offset, length int64) ([]byte, error)
	WriteAt(ctx context.Context, offset int64, data []byte) error
	Sync(ctx context.Context) error
	End(ctx context.Context, force bool) error
	TotalSize() int64
}

// ExportLookup resolves an export name (the string the client sends with
// NBD_OPT_EXPORT_NAME) to a Device. Most deployments export a single,
// fixed device and ignore the name entirely.
type ExportLookup func(name string) (Device, error)
