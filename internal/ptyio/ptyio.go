// Package ptyio moves bytes between raw file descriptors and zero-copy buffers.
//
// Every step works on descriptors in non-blocking mode and classifies the
// outcome of each read(2)/write(2):
//
//	EINTR            retried immediately
//	EAGAIN           step ends for this round, not an error
//	read of 0 bytes  io.EOF (end of stream)
//	anything else    *TransferError (fatal for the session)
//
// The descriptors are used directly through golang.org/x/sys/unix rather than
// *os.File so that the Go runtime poller never switches them back to blocking
// mode behind the caller's back.
package ptyio

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/srg/pseudoshell/internal/zcbuf"
	"golang.org/x/sys/unix"
)

// Endpoint names a descriptor taking part in a transfer.
type Endpoint struct {
	Name string
	Fd   int
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(fd=%d)", e.Name, e.Fd)
}

// TransferError is a non-transient I/O failure on an endpoint.
type TransferError struct {
	Op       string // "read" or "write"
	Endpoint Endpoint
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err only means "try again".
func IsTransient(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsHangup reports whether err is the EIO a pty master returns once every
// slave descriptor has been closed.
func IsHangup(err error) bool {
	return errors.Is(err, unix.EIO)
}

// Fill reads from ep into the writable region of buf until the buffer is full
// or the descriptor would block. It returns the number of bytes committed.
// A full buffer is never read into.
func Fill(ep Endpoint, buf *zcbuf.Buffer) (int, error) {
	total := 0
	for buf.HasSpaceForWrite() {
		n, err := unix.Read(ep.Fd, buf.WritableRegion())
		if n > 0 {
			buf.CommitWrite(n)
			total += n
		}
		switch {
		case err == nil && n == 0:
			return total, io.EOF
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return total, nil
		default:
			return total, &TransferError{Op: "read", Endpoint: ep, Err: err}
		}
	}
	return total, nil
}

// Drain writes the readable region of s to ep until the slice is empty or the
// descriptor would block. It returns the number of bytes consumed.
func Drain(s *zcbuf.ReadSlice, ep Endpoint) (int, error) {
	total := 0
	for s.HasDataToRead() {
		n, err := unix.Write(ep.Fd, s.ReadableRegion())
		if n > 0 {
			s.CommitRead(n)
			total += n
		}
		switch {
		case err == nil && n == 0:
			// nothing accepted and nothing reported, wait for readiness
			return total, nil
		case err == nil:
			continue
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return total, nil
		default:
			return total, &TransferError{Op: "write", Endpoint: ep, Err: err}
		}
	}
	return total, nil
}

// Poll waits without timeout until one of fds is ready. An interrupted wait is
// restarted.
func Poll(fds []unix.PollFd) (int, error) {
	for {
		n, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

// WaitWritable waits up to timeout for fd to accept writes.
func WaitWritable(fd int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	pollFd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		ms := int(remaining / time.Millisecond)
		if ms == 0 {
			ms = 1
		}
		n, err := unix.Poll(pollFd, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		return pollFd[0].Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0, nil
	}
}

// SetNonblock puts fd in non-blocking mode and returns a function restoring
// the status flags it had before.
func SetNonblock(fd int) (restore func() error, err error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return nil, fmt.Errorf("get flags of fd %d: %w", fd, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set fd %d nonblocking: %w", fd, err)
	}
	return func() error {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags); err != nil {
			return fmt.Errorf("restore flags of fd %d: %w", fd, err)
		}
		return nil
	}, nil
}
