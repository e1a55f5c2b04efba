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

// Package config loads the operator-facing YAML configuration for gbdnbd
// and the small JSON blob persisted alongside a cache file recording which
// backend it was created against.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendKind discriminates which Backend implementation a Config (and a
// cache file's persisted BackendConfig) refers to.
type BackendKind string

const (
	BackendS3     BackendKind = "s3"
	BackendAzure  BackendKind = "azblob"
	BackendPebble BackendKind = "pebble"
)

// Config is the full operator-facing configuration file.
type Config struct {
	BackendKind BackendKind `yaml:"backend_kind"`

	// S3. When S3AccessKeyID is set, the secret is sourced from
	// S3SecretKeyFile (and re-read on rotation); otherwise the SDK's
	// default credential chain applies.
	S3Bucket        string `yaml:"s3_bucket,omitempty"`
	S3Prefix        string `yaml:"s3_prefix,omitempty"`
	S3AccessKeyID   string `yaml:"s3_access_key_id,omitempty"`
	S3SecretKeyFile string `yaml:"s3_secret_key_file,omitempty"`

	// AzureBlob
	AzureConnectionStringFile string `yaml:"azure_connection_string_file,omitempty"`
	AzureContainer            string `yaml:"azure_container,omitempty"`
	AzurePrefix               string `yaml:"azure_prefix,omitempty"`

	// Pebble
	PebbleDir string `yaml:"pebble_dir,omitempty"`

	BlockSize  int    `yaml:"block_size"`
	BlockCount uint64 `yaml:"block_count"`

	CacheFilePath string `yaml:"cache_file_path"`
	// CacheEntries is the slot table's capacity: how many blocks the
	// cache can hold resident at once. Unrelated to BlockCount, which is
	// the full logical size of the device the backend presents.
	CacheEntries int `yaml:"cache_entries"`

	Workers               int `yaml:"workers"`
	WritebackConcurrency  int `yaml:"writeback_concurrency"`
	WritebackDelayMS      int `yaml:"writeback_delay_ms"`
	SyncPollIntervalMS    int `yaml:"sync_poll_interval_ms"`
	LowPriorityRatePerSec int `yaml:"low_priority_rate_per_sec"`

	ListenAddr     string `yaml:"listen_addr"`
	FlushCallsSync bool   `yaml:"flush_calls_sync"`

	KeyCacheDir        string `yaml:"key_cache_dir"`
	KeyCacheHotEntries int    `yaml:"key_cache_hot_entries"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
	LogFile  string `yaml:"log_file,omitempty"`
	// LogRotation selects how LogFile rotates: "hourly" (the default,
	// an in-process async writer) or "size" (lumberjack, rotate at a
	// fixed byte size).
	LogRotation string `yaml:"log_rotation,omitempty"`
}

// WritebackDelay returns WritebackDelayMS as a time.Duration, defaulting
// to 500ms when unset.
func (c *Config) WritebackDelay() time.Duration {
	if c.WritebackDelayMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.WritebackDelayMS) * time.Millisecond
}

// SyncPollInterval returns SyncPollIntervalMS as a time.Duration,
// defaulting to 50ms when unset.
func (c *Config) SyncPollInterval() time.Duration {
	if c.SyncPollIntervalMS <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(c.SyncPollIntervalMS) * time.Millisecond
}

// Load reads and parses a Config from path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	if c.BackendKind == "" {
		return fmt.Errorf("config: backend_kind is required")
	}
	switch c.BackendKind {
	case BackendS3, BackendAzure, BackendPebble:
	default:
		return fmt.Errorf("config: unknown backend_kind %q", c.BackendKind)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("config: block_size must be positive")
	}
	if c.S3AccessKeyID != "" && c.S3SecretKeyFile == "" {
		return fmt.Errorf("config: s3_access_key_id requires s3_secret_key_file")
	}
	if c.CacheFilePath == "" {
		return fmt.Errorf("config: cache_file_path is required")
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	return nil
}
