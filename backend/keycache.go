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
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"
)

// KeyCache persists a block_index -> backend blob key mapping in a small
// LevelDB store on local disk, independent of the main cache file, with
// a bounded in-memory LRU in front of it so a hot working set never pays
// a disk read per lookup. Cloud backends that allocate opaque object
// names (rather than deriving a key deterministically from the block
// index, the way the original Google Drive backend allocated a fresh
// file ID per block) use this so a restart doesn't need to re-list the
// remote bucket to rediscover which key holds which block.
type KeyCache struct {
	db  *leveldb.DB
	hot *lru.Cache
}

// OpenKeyCache opens (creating if absent) a LevelDB store at dir, fronted
// by an LRU of up to hotEntries recently used mappings.
func OpenKeyCache(dir string, hotEntries int) (*KeyCache, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: open key cache %s: %w", dir, err)
	}
	hot, err := lru.New(hotEntries)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("backend: create key cache LRU: %w", err)
	}
	return &KeyCache{db: db, hot: hot}, nil
}

// Lookup returns the blob key stored for blockIndex, if any.
func (c *KeyCache) Lookup(blockIndex uint64) (string, bool) {
	if v, ok := c.hot.Get(blockIndex); ok {
		return v.(string), true
	}
	v, err := c.db.Get(encodeBlockIndex(blockIndex), nil)
	if err != nil {
		return "", false
	}
	c.hot.Add(blockIndex, string(v))
	return string(v), true
}

// Store records the blob key used for blockIndex.
func (c *KeyCache) Store(blockIndex uint64, key string) error {
	c.hot.Add(blockIndex, key)
	return c.db.Put(encodeBlockIndex(blockIndex), []byte(key), nil)
}

// Close releases the underlying LevelDB handle.
func (c *KeyCache) Close() error {
	return c.db.Close()
}

func encodeBlockIndex(blockIndex uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], blockIndex)
	return k[:]
}
