package zcbuf

import "fmt"

// ReadSlice is a reader cursor into a Buffer. It never owns the bytes it views.
// INVARIANT: 0 <= readOffset <= buf.writeOffset
type ReadSlice struct {
	buf        *Buffer
	readOffset int
}

// Buffer returns the buffer the slice reads from.
func (s *ReadSlice) Buffer() *Buffer {
	return s.buf
}

// ReadOffset returns how far this reader has consumed since the last realignment.
func (s *ReadSlice) ReadOffset() int {
	return s.readOffset
}

// HasDataToRead reports whether the writer committed bytes this reader has not consumed.
func (s *ReadSlice) HasDataToRead() bool {
	return s.readOffset < s.buf.writeOffset
}

// Pending returns the number of committed bytes this reader has not consumed.
func (s *ReadSlice) Pending() int {
	return s.buf.writeOffset - s.readOffset
}

// ReadableRegion returns the committed bytes not yet consumed by this reader.
// The returned slice aliases the buffer and is valid until the next realignment.
func (s *ReadSlice) ReadableRegion() []byte {
	return s.buf.data[s.readOffset:s.buf.writeOffset]
}

// CommitRead marks n bytes of ReadableRegion as consumed.
// Consuming past the write offset is a programming error and panics.
func (s *ReadSlice) CommitRead(n int) {
	if n < 0 || n > s.Pending() {
		panic(fmt.Sprintf("zcbuf: read commit of %d bytes exceeds pending %d", n, s.Pending()))
	}
	if n == 0 {
		return
	}
	s.readOffset += n
	s.buf.stats.BytesRead += uint64(n)
	s.buf.stats.Reads++
}

// Skip consumes everything currently readable without delivering it and
// returns the number of bytes dropped. Skipped bytes do not show up in
// Stats.BytesRead.
func (s *ReadSlice) Skip() int {
	n := s.Pending()
	s.readOffset = s.buf.writeOffset
	return n
}
