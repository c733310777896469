package testutils

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
	"github.com/srg/pseudoshell/internal/groutine"
)

// Collector reads a stream in the background so the writer never stalls on
// a full pipe or pty, and keeps everything it read for later assertions.
type Collector struct {
	rb   *ringbuffer.RingBuffer
	mu   sync.Mutex
	seen []byte
	done <-chan struct{}
}

// NewCollector starts reading r until it returns an error. capacity bounds
// the bytes staged between the reader goroutine and Bytes.
func NewCollector(r io.Reader, capacity int) *Collector {
	c := &Collector{rb: ringbuffer.New(capacity)}
	c.done = groutine.Go(context.Background(), "output-collector", func(ctx context.Context) {
		chunk := make([]byte, 1024)
		for {
			n, err := r.Read(chunk)
			c.stage(chunk[:n])
			if err != nil {
				return
			}
		}
	})
	return c
}

func (c *Collector) stage(p []byte) {
	for len(p) > 0 {
		n, err := c.rb.Write(p)
		p = p[n:]
		switch {
		case errors.Is(err, ringbuffer.ErrIsFull), errors.Is(err, ringbuffer.ErrTooMuchDataToWrite):
			c.unstage()
		case err != nil:
			return
		}
	}
}

// unstage moves staged bytes into seen.
func (c *Collector) unstage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, 1024)
	for {
		n, err := c.rb.Read(buf)
		c.seen = append(c.seen, buf[:n]...)
		if err != nil || n == 0 {
			return
		}
	}
}

// Bytes returns a copy of everything read so far.
func (c *Collector) Bytes() []byte {
	c.unstage()
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.seen)
}

// WaitFor polls until the collected output contains want or timeout elapses.
func (c *Collector) WaitFor(want []byte, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if bytes.Contains(c.Bytes(), want) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Done is closed once the underlying reader returned an error.
func (c *Collector) Done() <-chan struct{} {
	return c.done
}
