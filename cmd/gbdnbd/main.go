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

// Command gbdnbd serves a remote-backed, write-back cached block device
// over the NBD protocol. It is intentionally thin: parse flags, build the
// backend/slottable/blockcache/nbd stack described by the config file, and
// run until the process is asked to stop.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coquelicot/gbd/backend"
	"github.com/coquelicot/gbd/blockcache"
	"github.com/coquelicot/gbd/config"
	"github.com/coquelicot/gbd/log"
	"github.com/coquelicot/gbd/nbd"
	"github.com/coquelicot/gbd/slottable"
)

func main() {
	app := &cli.App{
		Name:  "gbdnbd",
		Usage: "serve a write-back cached remote block device over NBD",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Required: true, Usage: "path to the YAML config file"},
			&cli.BoolFlag{Name: "create", Usage: "create a fresh cache file and backend config blob (fails if the cache file already exists)"},
			&cli.IntFlag{Name: "create-entries", Usage: "slot table capacity for a freshly created cache file (defaults to cache_entries from the config)"},
			&cli.BoolFlag{Name: "dirty", Usage: "attach as if the previous run did not shut down cleanly"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Crit("gbdnbd exited with error", "err", err)
	}
}

func run(cctx *cli.Context) error {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return err
	}
	setupLogging(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	backendConfigPath := cfg.CacheFilePath + ".backend.json"

	if cctx.Bool("create") {
		if err := createCacheFile(cctx, cfg, backendConfigPath); err != nil {
			return fmt.Errorf("create: %w", err)
		}
	}

	bc, err := config.LoadBackendConfig(backendConfigPath)
	if err != nil {
		return fmt.Errorf("load backend config (run with --create first?): %w", err)
	}
	if err := bc.Validate(cfg); err != nil {
		return err
	}

	be, rebuild, err := buildBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build backend: %w", err)
	}

	f, lock, err := slottable.Open(cfg.CacheFilePath)
	if err != nil {
		return fmt.Errorf("open cache file: %w", err)
	}
	table, err := slottable.Load(f, lock, be.UUID(), cfg.BlockSize)
	if err != nil {
		return fmt.Errorf("load slot table: %w", err)
	}

	cache, err := blockcache.Attach(table, be, cfg.BlockCount, cctx.Bool("dirty"), &blockcache.Options{
		WritebackConcurrency: cfg.WritebackConcurrency,
		WritebackDelay:       cfg.WritebackDelay(),
		SyncPollInterval:     cfg.SyncPollInterval(),
		Logger:               log.New("component", "blockcache"),
	})
	if err != nil {
		return fmt.Errorf("attach cache: %w", err)
	}

	var watcher *config.Watcher
	if rebuild != nil {
		watcher, err = watchCredentials(cfg, rebuild)
		if err != nil {
			return fmt.Errorf("watch credentials: %w", err)
		}
		defer watcher.Close()
	}

	srv := nbd.NewServer(func(name string) (nbd.Device, error) { return cache, nil }, &nbd.Options{
		FlushCallsSync: cfg.FlushCallsSync,
		Logger:         log.New("component", "nbd"),
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	log.Info("gbdnbd listening", "addr", cfg.ListenAddr)

	err = srv.Serve(ctx, ln)
	log.Info("shutting down", "err", err)

	return cache.End(context.Background(), false)
}

func setupLogging(cfg *config.Config) {
	lvl := log.LvlInfo
	if cfg.LogLevel != "" {
		if parsed, err := log.LvlFromString(cfg.LogLevel); err == nil {
			lvl = parsed
		}
	}

	var handler log.Handler
	format := log.TerminalFormat(log.StderrIsTTY())
	if cfg.LogJSON {
		format = log.JSONFormat()
	}
	handler = log.StreamHandler(os.Stderr, format)

	if cfg.LogFile != "" {
		if cfg.LogRotation == "size" {
			sink := &lumberjack.Logger{Filename: cfg.LogFile, MaxSize: 64, MaxBackups: 24, Compress: true}
			handler = log.MultiHandler(handler, log.StreamHandler(sink, log.JSONFormat()))
		} else {
			w := log.NewAsyncFileWriter(cfg.LogFile, 64<<20, 24, 1)
			if err := w.Start(); err == nil {
				handler = log.MultiHandler(handler, log.StreamHandler(w, log.JSONFormat()))
			}
		}
	}

	log.SetHandler(log.LvlFilterHandler(lvl, handler))
}

// buildBackend constructs the Backend for cfg.BackendKind and, for the
// transports that hold a hot-swappable client, a rebuild function for the
// credential watcher to call on rotation. rebuild is nil for backends with
// no rotating credential (Pebble).
func buildBackend(ctx context.Context, cfg *config.Config) (backend.Backend, func() error, error) {
	var keys *backend.KeyCache
	if cfg.KeyCacheDir != "" {
		k, err := backend.OpenKeyCache(cfg.KeyCacheDir, cfg.KeyCacheHotEntries)
		if err != nil {
			return nil, nil, err
		}
		keys = k
	}

	switch cfg.BackendKind {
	case config.BackendS3:
		var creds *backend.S3StaticCredentials
		if cfg.S3AccessKeyID != "" {
			creds = &backend.S3StaticCredentials{AccessKeyID: cfg.S3AccessKeyID, SecretKeyFile: cfg.S3SecretKeyFile}
		}
		be, err := backend.NewS3(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.BlockSize, cfg.BlockCount, cfg.Workers, float64(cfg.LowPriorityRatePerSec), creds, keys)
		if err != nil {
			return nil, nil, err
		}
		return be, func() error { return be.RebuildClient(context.Background()) }, nil

	case config.BackendAzure:
		connStr, err := readConnectionString(cfg.AzureConnectionStringFile)
		if err != nil {
			return nil, nil, err
		}
		be, err := backend.NewAzureBlob(connStr, cfg.AzureContainer, cfg.AzurePrefix, cfg.BlockSize, cfg.Workers, float64(cfg.LowPriorityRatePerSec), keys)
		if err != nil {
			return nil, nil, err
		}
		rebuild := func() error {
			s, err := readConnectionString(cfg.AzureConnectionStringFile)
			if err != nil {
				return err
			}
			be.SetConnectionString(s)
			return be.RebuildClient()
		}
		return be, rebuild, nil

	case config.BackendPebble:
		be, err := backend.NewPebble(cfg.PebbleDir, cfg.BlockSize, cfg.Workers)
		if err != nil {
			return nil, nil, err
		}
		return be, nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown backend kind %q", cfg.BackendKind)
	}
}

func readConnectionString(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read connection string %s: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// watchCredentials wires the config-file watcher to the backend's
// RebuildClient, so a rotated secret file is picked up without a restart.
func watchCredentials(cfg *config.Config, rebuild func() error) (*config.Watcher, error) {
	var credPath string
	switch cfg.BackendKind {
	case config.BackendAzure:
		credPath = cfg.AzureConnectionStringFile
	case config.BackendS3:
		credPath = cfg.S3SecretKeyFile
	default:
		return nil, nil
	}
	if credPath == "" {
		return nil, nil
	}
	return config.NewWatcher(map[string]func(){
		credPath: func() {
			if err := rebuild(); err != nil {
				log.Error("credential rebuild failed", "err", err)
			}
		},
	}, log.New("component", "config-watcher"))
}

// createCacheFile bootstraps a fresh, zero-filled cache file and the
// backend config blob recording what it was created against.
func createCacheFile(cctx *cli.Context, cfg *config.Config, backendConfigPath string) error {
	entries := cctx.Int("create-entries")
	if entries <= 0 {
		entries = cfg.CacheEntries
	}
	if entries <= 0 {
		return fmt.Errorf("--create requires --create-entries or cache_entries in the config")
	}

	if _, err := os.Stat(cfg.CacheFilePath); err == nil {
		return fmt.Errorf("cache file %s already exists", cfg.CacheFilePath)
	}

	size := int64(40) + 8*int64(entries) + int64(entries)*int64(cfg.BlockSize)
	if err := os.MkdirAll(filepath.Dir(cfg.CacheFilePath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(cfg.CacheFilePath, make([]byte, size), 0644); err != nil {
		return fmt.Errorf("write cache file: %w", err)
	}

	bc := config.NewBackendConfig(cfg.BackendKind, cfg.BlockSize, cfg.BlockCount)
	if err := config.SaveBackendConfig(backendConfigPath, bc); err != nil {
		return err
	}

	log.Info("created cache file", "path", cfg.CacheFilePath, "entries", entries, "size_bytes", strconv.FormatInt(size, 10))
	return nil
}
