// Package zcbuf provides a fixed-size, single-writer, multi-reader byte staging
// area. The writer fills the region in place and commits what it placed; every
// reader owns a ReadSlice cursor over the same bytes and commits what it consumed.
// Nothing is copied between writer and readers.
//
// There is no wraparound. Space is reclaimed only by Realign, which resets all
// offsets to zero once every reader has caught up with the writer. A reader that
// lags behind therefore stalls the writer (backpressure) but never another reader.
//
// # Basic Usage
//
//	buf, err := zcbuf.New(4096)
//	if err != nil {
//	    return err
//	}
//	display := buf.NewReadSlice(0)
//	record := buf.NewReadSlice(0)
//
//	n := copy(buf.WritableRegion(), data)
//	buf.CommitWrite(n)
//
//	m, _ := out.Write(display.ReadableRegion())
//	display.CommitRead(m)
//
//	buf.Realign() // no-op until display and record both caught up
//
// A Buffer and its slices are not safe for concurrent use.
package zcbuf

import (
	"errors"
	"fmt"
)

// MaxCapacity is the largest region New agrees to reserve.
const MaxCapacity = 1 << 30

// ErrAllocation is returned by New when the requested capacity cannot be reserved.
var ErrAllocation = errors.New("buffer allocation failed")

// Stats mirrors the buffer's lifetime counters. Counters survive realignment.
// Bytes dropped with ReadSlice.Skip are not counted in BytesRead.
type Stats struct {
	Capacity     int    `json:"capacity"`
	BytesWritten uint64 `json:"bytes_written"` // bytes committed by the writer
	BytesRead    uint64 `json:"bytes_read"`    // bytes committed by all readers together
	Writes       uint64 `json:"writes"`
	Reads        uint64 `json:"reads"`
	Realigns     uint64 `json:"realigns"`
}

// Buffer is a fixed byte region with one write offset.
// INVARIANT: 0 <= writeOffset <= len(data)
type Buffer struct {
	data        []byte
	writeOffset int
	slices      []*ReadSlice
	stats       Stats
}

// New allocates a zeroed region of the given capacity.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, fmt.Errorf("%w: capacity %d out of range (1..%d)", ErrAllocation, capacity, MaxCapacity)
	}
	return &Buffer{
		data:  make([]byte, capacity),
		stats: Stats{Capacity: capacity},
	}, nil
}

// Cap returns the fixed capacity of the region.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// WriteOffset returns how many bytes the writer has committed since the last realignment.
func (b *Buffer) WriteOffset() int {
	return b.writeOffset
}

// HasSpaceForWrite reports whether the writable region is non-empty.
func (b *Buffer) HasSpaceForWrite() bool {
	return b.writeOffset < len(b.data)
}

// WritableRegion returns the free tail of the region. The writer places bytes
// there and then calls CommitWrite.
func (b *Buffer) WritableRegion() []byte {
	return b.data[b.writeOffset:]
}

// CommitWrite publishes n bytes previously placed into WritableRegion.
// Committing past the capacity is a programming error and panics.
func (b *Buffer) CommitWrite(n int) {
	if n < 0 || n > len(b.data)-b.writeOffset {
		panic(fmt.Sprintf("zcbuf: commit of %d bytes exceeds free space %d", n, len(b.data)-b.writeOffset))
	}
	if n == 0 {
		return
	}
	b.writeOffset += n
	b.stats.BytesWritten += uint64(n)
	b.stats.Writes++
}

// NewReadSlice returns an independent reader cursor starting at offset.
// The offset is clamped to the current write offset.
func (b *Buffer) NewReadSlice(offset int) *ReadSlice {
	if offset < 0 {
		offset = 0
	}
	if offset > b.writeOffset {
		offset = b.writeOffset
	}
	s := &ReadSlice{buf: b, readOffset: offset}
	b.slices = append(b.slices, s)
	return s
}

// Slices returns every slice handed out by NewReadSlice.
func (b *Buffer) Slices() []*ReadSlice {
	out := make([]*ReadSlice, len(b.slices))
	copy(out, b.slices)
	return out
}

// Realign resets the buffer against all of its slices. See Realign.
func (b *Buffer) Realign() bool {
	return Realign(b, b.slices...)
}

// Stats returns a snapshot of the lifetime counters.
func (b *Buffer) Stats() Stats {
	return b.stats
}

// Realign resets the write offset of buf and the read offset of every slice to
// zero, but only when every slice has consumed everything written. Otherwise it
// changes nothing and returns false. It is safe to call on every iteration.
//
// Slices belonging to another buffer make realignment impossible.
func Realign(buf *Buffer, slices ...*ReadSlice) bool {
	for _, s := range slices {
		if s.buf != buf || s.readOffset != buf.writeOffset {
			return false
		}
	}
	if buf.writeOffset == 0 {
		return true
	}
	buf.writeOffset = 0
	for _, s := range slices {
		s.readOffset = 0
	}
	buf.stats.Realigns++
	return true
}
