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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// backupTimeFormat is the timestamp suffix appended to rotated log files.
const backupTimeFormat = "20060102-150405"

// AsyncFileWriter is an io.Writer that hands log lines off to a background
// goroutine, so a slow disk never blocks the caller's logging call. It
// rotates the underlying file either when it exceeds limitBytes or when the
// wall clock crosses a rotation boundary spaced rotateHours apart, and
// prunes backups older than maxBackups*rotateHours.
type AsyncFileWriter struct {
	filePath    string
	limitBytes  uint64
	maxBackups  uint
	rotateHours uint

	mu       sync.Mutex
	lines    chan []byte
	done     chan struct{}
	wg       sync.WaitGroup
	file     *os.File
	written  uint64
	nextSwap time.Time
}

// NewAsyncFileWriter returns a writer rooted at filePath. limitBytes is the
// size threshold that triggers a rotation; maxBackups together with
// rotateHours bound the backup retention window (maxBackups*rotateHours
// hours); rotateHours is also the wall-clock cadence at which rotation
// happens regardless of size.
func NewAsyncFileWriter(filePath string, limitBytes uint64, maxBackups uint, rotateHours uint) *AsyncFileWriter {
	if rotateHours == 0 {
		rotateHours = 24
	}
	return &AsyncFileWriter{
		filePath:    filePath,
		limitBytes:  limitBytes,
		maxBackups:  maxBackups,
		rotateHours: rotateHours,
	}
}

// Start opens the base file and launches the background writer goroutine.
func (w *AsyncFileWriter) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(w.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("log: open %s: %w", w.filePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("log: stat %s: %w", w.filePath, err)
	}

	w.file = f
	w.written = uint64(info.Size())
	now := time.Now()
	w.nextSwap = nextOccurrenceOfHour(now, getNextRotationHour(now, w.rotateHours))
	w.lines = make(chan []byte, 1024)
	w.done = make(chan struct{})

	w.wg.Add(1)
	go w.run()
	return nil
}

// Write implements io.Writer. It never blocks on I/O: the line is queued
// and Write returns as soon as it is accepted by the background goroutine's
// channel.
func (w *AsyncFileWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	select {
	case w.lines <- cp:
		return len(p), nil
	case <-w.done:
		return 0, fmt.Errorf("log: writer stopped")
	}
}

// Stop drains any queued lines and closes the underlying file.
func (w *AsyncFileWriter) Stop() {
	w.mu.Lock()
	if w.done == nil {
		w.mu.Unlock()
		return
	}
	close(w.lines)
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}

func (w *AsyncFileWriter) run() {
	defer w.wg.Done()
	defer close(w.done)

	for line := range w.lines {
		w.mu.Lock()
		if w.file == nil {
			w.mu.Unlock()
			continue
		}
		if time.Now().After(w.nextSwap) || (w.limitBytes > 0 && w.written+uint64(len(line)) > w.limitBytes) {
			w.rotateLocked()
		}
		n, err := w.file.Write(line)
		if err == nil {
			w.written += uint64(n)
		}
		w.mu.Unlock()
	}
}

// rotateLocked closes the current file, renames it with a timestamp
// suffix, removes expired backups, and opens a fresh base file. Caller
// holds w.mu.
func (w *AsyncFileWriter) rotateLocked() {
	if w.file != nil {
		w.file.Close()
	}

	backup := w.filePath + "." + time.Now().Format(backupTimeFormat)
	_ = os.Rename(w.filePath, backup)
	w.removeExpiredFile()

	f, err := os.OpenFile(w.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err == nil {
		w.file = f
		w.written = 0
	} else {
		w.file = nil
	}

	now := time.Now()
	w.nextSwap = nextOccurrenceOfHour(now, getNextRotationHour(now, w.rotateHours))
}

// getExpiredFile returns the path of the oldest backup of filePath whose
// timestamp suffix is older than the maxBackups*rotateHours retention
// window, or "" if none are expired.
func (w *AsyncFileWriter) getExpiredFile(filePath string, maxBackups uint, rotateHours uint) string {
	dir, base := filepath.Split(filePath)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	prefix := base + "."
	cutoff := time.Now().Add(-time.Duration(maxBackups) * time.Duration(rotateHours) * time.Hour)

	var oldest string
	var oldestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		ts, err := time.ParseInLocation(backupTimeFormat, strings.TrimPrefix(e.Name(), prefix), time.Local)
		if err != nil {
			continue
		}
		if !ts.Before(cutoff) {
			continue
		}
		if oldest == "" || ts.Before(oldestTime) {
			oldest = filepath.Join(dir, e.Name())
			oldestTime = ts
		}
	}
	return oldest
}

// removeExpiredFile removes every backup of w.filePath that has fallen
// outside the retention window.
func (w *AsyncFileWriter) removeExpiredFile() {
	for {
		f := w.getExpiredFile(w.filePath, w.maxBackups, w.rotateHours)
		if f == "" {
			return
		}
		os.Remove(f)
	}
}

// getNextRotationHour returns the hour-of-day (0-23) at which the next
// rotation boundary falls, delta hours after now's hour, wrapping at
// midnight.
func getNextRotationHour(now time.Time, delta uint) int {
	return (now.Hour() + int(delta)) % 24
}

// nextOccurrenceOfHour returns the next time (after now) whose hour-of-day
// equals hour, at the top of that hour (minute and second zero).
func nextOccurrenceOfHour(now time.Time, hour int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate
}
