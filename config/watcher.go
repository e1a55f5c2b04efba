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
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coquelicot/gbd/log"
)

// debounceWindow coalesces the burst of fsnotify events a single logical
// "rewrite the file" produces (most editors and `cp` do remove+create or
// write+chmod, each its own event).
const debounceWindow = 200 * time.Millisecond

// Watcher watches a set of files — typically credential files referenced
// by path from the config — and calls back once a file settles after a
// change, so a rotated secret is picked up without a process restart.
type Watcher struct {
	fsw *fsnotify.Watcher
	log *log.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	onEvent map[string]func()

	done chan struct{}
}

// NewWatcher starts watching the directories containing each path in
// onChange's keys, and upon a settled change to one of those paths calls
// its associated callback.
func NewWatcher(onChange map[string]func(), logger *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dirs := make(map[string]struct{})
	for path := range onChange {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	if logger == nil {
		logger = log.New("component", "config-watcher")
	}
	w := &Watcher{
		fsw:     fsw,
		log:     logger,
		timers:  make(map[string]*time.Timer),
		onEvent: onChange,
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watch error", "err", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	cb, tracked := w.onEvent[ev.Name]
	if !tracked {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[ev.Name]; ok {
		t.Stop()
	}
	w.timers[ev.Name] = time.AfterFunc(debounceWindow, func() {
		w.log.Info("reloading after file change", "path", ev.Name)
		cb()
	})
}

// Close stops watching and releases the underlying inotify/kqueue handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
