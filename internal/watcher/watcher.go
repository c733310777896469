// Package watcher turns SIGCHLD into a termination flag plus a wake-up
// descriptor that an event loop can include in its readiness wait.
//
// The Go runtime owns the process signal mask, so a combined
// "unmask and wait" call such as pselect(2) is not available. Instead the
// signal is received by a single relay goroutine which does the minimum:
// it checks the watched child really exited, sets an atomic flag and writes
// one byte into a non-blocking self-pipe. The event loop polls the read end
// of that pipe together with its I/O descriptors, so a termination is
// observed exactly at a wait boundary and can never be lost between a flag
// check and the next blocking wait.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/srg/pseudoshell/internal/groutine"
	"golang.org/x/sys/unix"
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// ChildWatcher records the termination of one child process.
type ChildWatcher struct {
	logger *logrus.Logger

	pid        atomic.Int64
	terminated atomic.Bool

	wakeR, wakeW int

	signals chan os.Signal
	done    <-chan struct{}

	closeOnce sync.Once
}

// New subscribes to SIGCHLD and starts the relay goroutine. Create the
// watcher before spawning the child so its termination cannot go unnoticed.
func New(logger *logrus.Logger) (*ChildWatcher, error) {
	if logger == nil {
		logger = noopLogger
	}

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			return nil, fmt.Errorf("set wake pipe nonblocking: %w", err)
		}
	}

	w := &ChildWatcher{
		logger:  logger,
		wakeR:   fds[0],
		wakeW:   fds[1],
		signals: make(chan os.Signal, 1),
	}
	signal.Notify(w.signals, syscall.SIGCHLD)
	w.done = groutine.Go(context.Background(), "sigchld-relay", func(ctx context.Context) {
		w.relay()
	})
	return w, nil
}

// Watch registers the child to wait for. It probes once after registration,
// covering a child that exited before its pid was known to the relay.
func (w *ChildWatcher) Watch(pid int) {
	w.pid.Store(int64(pid))
	w.logger.WithField("pid", pid).Debug("Watching child")
	w.check()
}

// WakeFd returns the descriptor that becomes readable once termination was recorded.
func (w *ChildWatcher) WakeFd() int {
	return w.wakeR
}

// Terminated reports whether the watched child has exited.
func (w *ChildWatcher) Terminated() bool {
	return w.terminated.Load()
}

// Drain empties the wake pipe after the event loop observed it readable.
func (w *ChildWatcher) Drain() {
	var scratch [64]byte
	for {
		n, err := unix.Read(w.wakeR, scratch[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close unsubscribes from SIGCHLD, stops the relay and releases the pipe.
func (w *ChildWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		signal.Stop(w.signals)
		close(w.signals)
		<-w.done
		err = errors.Join(unix.Close(w.wakeR), unix.Close(w.wakeW))
	})
	return err
}

// relay is the only code reacting to SIGCHLD.
func (w *ChildWatcher) relay() {
	for range w.signals {
		w.check()
	}
}

func (w *ChildWatcher) check() {
	pid := int(w.pid.Load())
	if pid <= 0 || w.terminated.Load() {
		return
	}
	if !exited(pid) || !w.terminated.CompareAndSwap(false, true) {
		return
	}
	w.wake()
	w.logger.WithField("pid", pid).Debug("Child terminated")
}

func (w *ChildWatcher) wake() {
	for {
		_, err := unix.Write(w.wakeW, []byte{1})
		if errors.Is(err, unix.EINTR) {
			continue
		}
		// EAGAIN means a wake-up byte is already pending
		return
	}
}
