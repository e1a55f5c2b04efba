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

// Package slottable implements the fixed-capacity block-index ↔ slot-index
// map backing the cache, its bit-exact on-disk layout, and crash recovery.
//
// On-disk layout of the cache file:
//
//	offset 0 .............. uuidLen:  UUID (40 ASCII hex chars of SHA-1; all-zero ⇒ empty)
//	offset uuidLen ........ +8*N:     reverse table, N x uint64 big-endian, EMPTY = 0xFFFFFFFFFFFFFFFF
//	offset uuidLen+8*N + s*B .. +B:   slot s content, B = block size
package slottable

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gofrs/flock"
)

// Empty is the reverse-table sentinel meaning "no block is resident in
// this slot".
const Empty uint64 = 0xFFFFFFFFFFFFFFFF

const uuidLen = 40 // 40 ASCII hex chars of a SHA-1 digest

// MismatchError is returned by Load when the cache file's stored UUID does
// not match the UUID of the backend it is being attached to. Attach must
// treat this as fatal.
type MismatchError struct {
	Want, Got string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("slottable: cache file UUID %q does not match backend UUID %q", e.Got, e.Want)
}

// InvariantError reports a violated structural invariant of the slot
// table, detected while loading a cache file off disk. It is always a
// fatal, load-bearing-assumption-broken condition.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "slottable: invariant violated: " + e.Msg }

// UUID returns the persistent identifier for the remote data directory
// rooted at canonicalID: the hex-encoded SHA-1 digest, matching the
// on-disk uuidLen-byte field.
func UUID(canonicalID string) string {
	sum := sha1.Sum([]byte(canonicalID))
	return hex.EncodeToString(sum[:])
}

// EntryCount returns the number of slots a cache file of fileSize bytes
// can hold for the given block size, per entry_count = (fileSize -
// uuidLen) / (blockSize + 8).
func EntryCount(fileSize int64, blockSize int) int {
	return int((fileSize - uuidLen) / int64(blockSize+8))
}

// Offset returns the byte offset of slot s's content within the cache
// file, given entryCount slots of blockSize bytes each.
func Offset(s, entryCount, blockSize int) int64 {
	return int64(uuidLen) + 8*int64(entryCount) + int64(s)*int64(blockSize)
}

// Table is the in-memory block-index <-> slot-index map. forward is a
// partial injective map; reverse is total over [0, entryCount) with Empty
// marking an unassigned slot. Only reverse is ever persisted; forward is
// rebuilt from it on load, so there is exactly one source of truth on
// disk.
type Table struct {
	mu sync.Mutex

	file       *os.File
	lock       *flock.Flock
	uuid       string
	blockSize  int
	entryCount int

	forward map[uint64]int
	reverse []uint64
}

// Open takes an exclusive, non-blocking lock on path and returns a handle
// to the raw file, deferring interpretation of its contents to Load.
// Another process already holding the cache file open is a configuration
// error, not a race to retry.
func Open(path string) (*os.File, *flock.Flock, error) {
	lock := flock.New(path)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("slottable: lock %s: %w", path, err)
	}
	if !ok {
		return nil, nil, fmt.Errorf("slottable: cache file %s is already attached by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		lock.Unlock()
		return nil, nil, fmt.Errorf("slottable: open %s: %w", path, err)
	}
	return f, lock, nil
}

// Load reads the slot table from an already-open, already-locked cache
// file, validating it against backendUUID. If the file's UUID area is all
// zeros the cache file is treated as freshly created: every slot is
// marked Empty. Otherwise the stored UUID must equal backendUUID exactly,
// or Load returns a *MismatchError.
func Load(f *os.File, lock *flock.Flock, backendUUID string, blockSize int) (*Table, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("slottable: stat: %w", err)
	}
	entryCount := EntryCount(info.Size(), blockSize)
	if entryCount < 1 {
		return nil, fmt.Errorf("slottable: cache file too small to hold a single slot")
	}

	header := make([]byte, uuidLen)
	if _, err := io.ReadFull(f, header); err != nil {
		return nil, fmt.Errorf("slottable: read uuid header: %w", err)
	}

	t := &Table{
		file:       f,
		lock:       lock,
		blockSize:  blockSize,
		entryCount: entryCount,
		forward:    make(map[uint64]int, entryCount),
		reverse:    make([]uint64, entryCount),
	}

	if isAllZero(header) {
		t.uuid = backendUUID
		for s := range t.reverse {
			t.reverse[s] = Empty
		}
		return t, nil
	}

	stored := string(header)
	if stored != backendUUID {
		return nil, &MismatchError{Want: backendUUID, Got: stored}
	}
	t.uuid = stored

	raw := make([]byte, 8*entryCount)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, fmt.Errorf("slottable: read reverse table: %w", err)
	}
	for s := 0; s < entryCount; s++ {
		t.reverse[s] = binary.BigEndian.Uint64(raw[8*s : 8*s+8])
	}

	for s, b := range t.reverse {
		if b == Empty {
			continue
		}
		if existing, dup := t.forward[b]; dup {
			return nil, &InvariantError{Msg: fmt.Sprintf("block %d mapped by both slot %d and slot %d", b, existing, s)}
		}
		t.forward[b] = s
	}
	return t, nil
}

func isAllZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Lookup returns the slot currently holding blockIndex, if any.
func (t *Table) Lookup(blockIndex uint64) (slot int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.forward[blockIndex]
	return s, ok
}

// BlockAt returns the block index resident in slot s, or (0, false) if the
// slot is unassigned.
func (t *Table) BlockAt(s int) (blockIndex uint64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.reverse[s]
	if b == Empty {
		return 0, false
	}
	return b, true
}

// Assign evicts whatever block (if any) currently occupies slot s and
// assigns blockIndex to it. The caller must hold the slot BUSY (removed
// from both the clean and dirty queues) for the duration of this call.
// Returns the evicted block index, if the slot wasn't already empty.
func (t *Table) Assign(s int, blockIndex uint64) (evicted uint64, hadEvicted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old := t.reverse[s]; old != Empty {
		delete(t.forward, old)
		evicted, hadEvicted = old, true
	}
	t.reverse[s] = blockIndex
	t.forward[blockIndex] = s
	return evicted, hadEvicted
}

// EntryCount returns the number of slots in the table.
func (t *Table) EntryCount() int { return t.entryCount }

// BlockSize returns the configured block size in bytes.
func (t *Table) BlockSize() int { return t.blockSize }

// UUID returns the persistent UUID this table was attached under.
func (t *Table) UUID() string { return t.uuid }

// SlotOffset returns the byte offset of slot s's content in the cache
// file.
func (t *Table) SlotOffset(s int) int64 {
	return Offset(s, t.entryCount, t.blockSize)
}

// ReadSlot reads slot s's raw bytes from the cache file.
func (t *Table) ReadSlot(s int) ([]byte, error) {
	buf := make([]byte, t.blockSize)
	if _, err := t.file.ReadAt(buf, t.SlotOffset(s)); err != nil {
		return nil, fmt.Errorf("slottable: read slot %d: %w", s, err)
	}
	return buf, nil
}

// WriteSlot writes data (which must be exactly BlockSize bytes) to slot
// s's region of the cache file.
func (t *Table) WriteSlot(s int, data []byte) error {
	if len(data) != t.blockSize {
		return fmt.Errorf("slottable: write slot %d: expected %d bytes, got %d", s, t.blockSize, len(data))
	}
	if _, err := t.file.WriteAt(data, t.SlotOffset(s)); err != nil {
		return fmt.Errorf("slottable: write slot %d: %w", s, err)
	}
	return nil
}

// ReadSlotRange reads n bytes starting shift bytes into slot s's region,
// for sub-block reads that straddle a request boundary without needing
// the whole slot.
func (t *Table) ReadSlotRange(s int, shift int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := t.file.ReadAt(buf, t.SlotOffset(s)+shift); err != nil {
		return nil, fmt.Errorf("slottable: read slot %d range: %w", s, err)
	}
	return buf, nil
}

// WriteSlotRange writes data starting shift bytes into slot s's region,
// for sub-block writes that don't overwrite the whole slot.
func (t *Table) WriteSlotRange(s int, shift int64, data []byte) error {
	if _, err := t.file.WriteAt(data, t.SlotOffset(s)+shift); err != nil {
		return fmt.Errorf("slottable: write slot %d range: %w", s, err)
	}
	return nil
}

// Save persists the UUID header and the packed reverse table to the
// cache file. Slot bodies are already in place, written lazily by normal
// operation; Save only needs to flush the header and map.
func (t *Table) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	bw := bufio.NewWriter(io.NewOffsetWriter(t.file, 0))
	if _, err := bw.WriteString(t.uuid); err != nil {
		return fmt.Errorf("slottable: write uuid: %w", err)
	}
	var buf [8]byte
	for _, b := range t.reverse {
		binary.BigEndian.PutUint64(buf[:], b)
		if _, err := bw.Write(buf[:]); err != nil {
			return fmt.Errorf("slottable: write reverse table: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("slottable: flush: %w", err)
	}
	return t.file.Sync()
}

// Close releases the cache-file lock and closes the underlying file. It
// does not persist the table; call Save first.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := t.file.Close()
	if uerr := t.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
