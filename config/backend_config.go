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

package config

import (
	"encoding/json"
	"fmt"
	"os"
)

const backendConfigVersion = 1

// BackendConfig is the small JSON blob written next to a cache file at
// create time recording which backend kind and block geometry it was
// created against. slottable's UUID check alone catches "wrong backend
// instance"; this catches "right bucket name, wrong backend kind" — a
// UUID is derived from a string that could collide across backend kinds
// in principle, so this is defense in depth rather than a replacement.
type BackendConfig struct {
	Version     int         `json:"version"`
	BackendKind BackendKind `json:"backend_kind"`
	BlockSize   int         `json:"block_size"`
	BlockCount  uint64      `json:"block_count"`
}

// NewBackendConfig builds the blob to persist for a freshly created cache.
func NewBackendConfig(kind BackendKind, blockSize int, blockCount uint64) *BackendConfig {
	return &BackendConfig{Version: backendConfigVersion, BackendKind: kind, BlockSize: blockSize, BlockCount: blockCount}
}

// SaveBackendConfig writes bc as JSON to path.
func SaveBackendConfig(path string, bc *BackendConfig) error {
	raw, err := json.MarshalIndent(bc, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal backend config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return fmt.Errorf("config: write backend config %s: %w", path, err)
	}
	return nil
}

// LoadBackendConfig reads and parses the blob at path.
func LoadBackendConfig(path string) (*BackendConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read backend config %s: %w", path, err)
	}
	var bc BackendConfig
	if err := json.Unmarshal(raw, &bc); err != nil {
		return nil, fmt.Errorf("config: parse backend config %s: %w", path, err)
	}
	return &bc, nil
}

// Validate checks bc against the operator's current Config, returning an
// error if the backend kind or block geometry the cache file was created
// against no longer matches.
func (bc *BackendConfig) Validate(c *Config) error {
	if bc.BackendKind != c.BackendKind {
		return fmt.Errorf("config: cache file was created against backend kind %q, config now says %q", bc.BackendKind, c.BackendKind)
	}
	if bc.BlockSize != c.BlockSize {
		return fmt.Errorf("config: cache file block_size %d does not match config block_size %d", bc.BlockSize, c.BlockSize)
	}
	if bc.BlockCount != c.BlockCount {
		return fmt.Errorf("config: cache file block_count %d does not match config block_count %d", bc.BlockCount, c.BlockCount)
	}
	return nil
}
