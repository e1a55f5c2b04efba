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
	"encoding/binary"

	"github.com/VictoriaMetrics/fastcache"
)

// ExistenceCache remembers, in a bounded off-heap cache, which block
// indices are known to have no backing blob yet (a sparse device has
// large all-zero regions the caller re-reads repeatedly). The S3 backend
// consults it before issuing a GetObject that would just come back
// NoSuchKey again; the AzureBlob backend does not use it.
type ExistenceCache struct {
	c *fastcache.Cache
}

// NewExistenceCache allocates a cache sized to hold roughly maxBytes of
// entries.
func NewExistenceCache(maxBytes int) *ExistenceCache {
	return &ExistenceCache{c: fastcache.New(maxBytes)}
}

var missingMarker = []byte{1}

// MarkMissing records that blockIndex currently has no backing blob.
func (e *ExistenceCache) MarkMissing(blockIndex uint64) {
	e.c.Set(keyBytes(blockIndex), missingMarker)
}

// MarkPresent forgets any prior "missing" record for blockIndex, since a
// write just created its blob.
func (e *ExistenceCache) MarkPresent(blockIndex uint64) {
	e.c.Del(keyBytes(blockIndex))
}

// KnownMissing reports whether blockIndex was last known to have no blob.
func (e *ExistenceCache) KnownMissing(blockIndex uint64) bool {
	return e.c.Has(keyBytes(blockIndex))
}

func keyBytes(blockIndex uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], blockIndex)
	return k[:]
}
