// Package sharedbytes owns the single backing file behind a shared block
// cache and exposes fixed-size, region-scoped random-access views onto it.
package sharedbytes

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrClosed is returned by RegionChannel.ReadAt/WriteAt once the owning
// SharedBytes has been closed.
var ErrClosed = errors.New("sharedbytes: file is closed")

// SharedBytes owns a single file of exactly numRegions*regionSize bytes and
// hands out RegionChannel views scoped to one region each. It is safe for
// concurrent use: readers and writers on disjoint regions never contend,
// and Close is safe to call concurrently with in-flight I/O (which then
// fails with ErrClosed).
type SharedBytes struct {
	mu         sync.RWMutex
	file       *os.File
	regionSize int64
	numRegions int
	closed     bool
}

// Open creates (or truncates) the file at path to exactly
// numRegions*regionSize bytes and returns a SharedBytes backed by it.
// The file is not persisted across restarts by design: callers should
// treat its prior contents, if any, as garbage and always start from a
// freshly truncated file.
func Open(path string, numRegions int, regionSize int64) (*SharedBytes, error) {
	if numRegions <= 0 {
		return nil, fmt.Errorf("sharedbytes: numRegions must be positive, got %d", numRegions)
	}
	if regionSize <= 0 {
		return nil, fmt.Errorf("sharedbytes: regionSize must be positive, got %d", regionSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("sharedbytes: open %s: %w", path, err)
	}

	total := int64(numRegions) * regionSize
	if err := f.Truncate(total); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sharedbytes: truncate %s to %d bytes: %w", path, total, err)
	}

	return &SharedBytes{
		file:       f,
		regionSize: regionSize,
		numRegions: numRegions,
	}, nil
}

// NumRegions returns the fixed number of physical slots.
func (s *SharedBytes) NumRegions() int { return s.numRegions }

// RegionSize returns the fixed length of each physical slot in bytes.
func (s *SharedBytes) RegionSize() int64 { return s.regionSize }

// Channel returns a RegionChannel scoped to the given physical slot.
// Slot re-use after eviction is safe: the caller is expected to hold a
// ref on the CacheFileRegion owning slot for as long as the channel is
// in use, so a concurrent re-allocation of the slot cannot race with it.
func (s *SharedBytes) Channel(slot int) (*RegionChannel, error) {
	if slot < 0 || slot >= s.numRegions {
		return nil, fmt.Errorf("sharedbytes: slot %d out of range [0,%d)", slot, s.numRegions)
	}
	return &RegionChannel{
		sb:   s,
		slot: slot,
		base: int64(slot) * s.regionSize,
	}, nil
}

// Close closes the backing file. Idempotent; subsequent I/O through any
// RegionChannel derived from this SharedBytes fails with ErrClosed.
func (s *SharedBytes) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}

func (s *SharedBytes) readAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.file.ReadAt(p, off)
}

func (s *SharedBytes) writeAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.file.WriteAt(p, off)
}

// RegionChannel is a fixed-length, region-local io.ReaderAt/io.WriterAt
// view onto one physical slot of a SharedBytes file. Offsets passed to
// ReadAt/WriteAt are relative to the start of the region, not the file.
type RegionChannel struct {
	sb   *SharedBytes
	slot int
	base int64
}

var (
	_ io.ReaderAt = (*RegionChannel)(nil)
	_ io.WriterAt = (*RegionChannel)(nil)
)

// Slot returns the physical slot index this channel is scoped to.
func (c *RegionChannel) Slot() int { return c.slot }

// ReadAt reads len(p) bytes starting at region-local offset off.
func (c *RegionChannel) ReadAt(p []byte, off int64) (int, error) {
	if err := c.bounds(off, int64(len(p))); err != nil {
		return 0, err
	}
	return c.sb.readAt(p, c.base+off)
}

// WriteAt writes len(p) bytes starting at region-local offset off.
func (c *RegionChannel) WriteAt(p []byte, off int64) (int, error) {
	if err := c.bounds(off, int64(len(p))); err != nil {
		return 0, err
	}
	return c.sb.writeAt(p, c.base+off)
}

func (c *RegionChannel) bounds(off, length int64) error {
	if off < 0 || length < 0 || off+length > c.sb.regionSize {
		return fmt.Errorf("sharedbytes: range [%d,%d) out of bounds for region size %d", off, off+length, c.sb.regionSize)
	}
	return nil
}
