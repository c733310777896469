//go:build linux

package pump

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/srg/pseudoshell/internal/ptyio"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

// fakeTerminator stands in for the child watcher
type fakeTerminator struct {
	r, w int
	flag atomic.Bool
}

func newFakeTerminator(t *testing.T) *fakeTerminator {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return &fakeTerminator{r: fds[0], w: fds[1]}
}

func (f *fakeTerminator) WakeFd() int      { return f.r }
func (f *fakeTerminator) Terminated() bool { return f.flag.Load() }

func (f *fakeTerminator) Drain() {
	var b [16]byte
	for {
		if n, err := unix.Read(f.r, b[:]); n <= 0 || err != nil {
			return
		}
	}
}

func (f *fakeTerminator) Terminate() {
	f.flag.Store(true)
	_, _ = unix.Write(f.w, []byte{1})
}

type PumpTestSuite struct {
	suite.Suite

	term *fakeTerminator

	// test side of every endpoint, blocking
	keys    *os.File // writes host input
	display *os.File // reads host output
	child   *os.File // pty "slave" side
	logPath string

	ep Endpoints
}

func (s *PumpTestSuite) SetupTest() {
	t := s.T()
	s.term = newFakeTerminator(t)

	in := make([]int, 2)
	s.Require().NoError(unix.Pipe2(in, unix.O_CLOEXEC))
	s.Require().NoError(unix.SetNonblock(in[0], true))
	s.keys = os.NewFile(uintptr(in[1]), "keys")

	out := make([]int, 2)
	s.Require().NoError(unix.Pipe2(out, unix.O_CLOEXEC))
	s.Require().NoError(unix.SetNonblock(out[1], true))
	s.display = os.NewFile(uintptr(out[0]), "display")

	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	s.Require().NoError(err)
	s.Require().NoError(unix.SetNonblock(pair[0], true))
	s.child = os.NewFile(uintptr(pair[1]), "child")

	s.logPath = filepath.Join(t.TempDir(), "session.log")
	logFd, err := unix.Open(s.logPath, unix.O_WRONLY|unix.O_CREAT|unix.O_CLOEXEC, 0o600)
	s.Require().NoError(err)

	s.ep = Endpoints{HostIn: in[0], HostOut: out[1], Master: pair[0], Log: logFd}

	t.Cleanup(func() {
		_ = s.keys.Close()
		_ = s.display.Close()
		_ = s.child.Close()
		for _, fd := range []int{in[0], out[1], pair[0], logFd} {
			_ = unix.Close(fd)
		}
	})
}

// start runs the pump in the background and returns its result channel
func (s *PumpTestSuite) start(opts Options) (*Pump, <-chan error) {
	p, err := New(s.ep, s.term, opts)
	s.Require().NoError(err)
	done := make(chan error, 1)
	go func() { done <- p.Run() }()
	return p, done
}

func (s *PumpTestSuite) wait(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		s.FailNow("pump did not stop")
		return nil
	}
}

func (s *PumpTestSuite) readLog() []byte {
	data, err := os.ReadFile(s.logPath)
	s.Require().NoError(err)
	return data
}

func (s *PumpTestSuite) logSize() int64 {
	info, err := os.Stat(s.logPath)
	s.Require().NoError(err)
	return info.Size()
}

func (s *PumpTestSuite) TestKeystrokesReachChild() {
	// GOAL: Verify host input arrives at the child byte-for-byte
	//
	// TEST SCENARIO: Type more than the inbound capacity → child reads the same bytes in order

	_, done := s.start(Options{InboundCapacity: 8})

	typed := []byte("echo the quick brown fox jumps over the lazy dog\n")
	_, err := s.keys.Write(typed)
	s.Require().NoError(err)

	got := make([]byte, len(typed))
	_, err = io.ReadFull(s.child, got)
	s.Require().NoError(err)
	s.Equal(typed, got, "child MUST receive keystrokes unchanged")

	s.term.Terminate()
	s.NoError(s.wait(done))
}

func (s *PumpTestSuite) TestOutputReachesDisplayAndLog() {
	// GOAL: Verify child output is delivered to both consumers
	//
	// TEST SCENARIO: Child writes output → display reads it → terminate → log holds the same bytes

	p, done := s.start(Options{})

	output := []byte("hello\r\n")
	_, err := s.child.Write(output)
	s.Require().NoError(err)

	got := make([]byte, len(output))
	_, err = io.ReadFull(s.display, got)
	s.Require().NoError(err)
	s.Equal(output, got)

	s.term.Terminate()
	s.Require().NoError(s.wait(done))
	s.Equal(output, s.readLog(), "log MUST hold the child output")

	stats := p.Stats()
	s.Equal(uint64(len(output)), stats.Outbound.BytesWritten)
	s.Equal(uint64(2*len(output)), stats.Outbound.BytesRead, "both readers MUST commit every byte")
	s.NotZero(stats.Iterations)
}

func (s *PumpTestSuite) TestStalledDisplayDoesNotStallLog() {
	// GOAL: Verify the log keeps up with a display that stops reading, until backpressure applies
	//
	// TEST SCENARIO: Shrink display pipe → child writes a large payload → log grows past the pipe size
	//                but no further than pipe size plus buffer capacity → display resumes → both copies identical

	const capacity = 4096
	pipeSize, err := unix.FcntlInt(uintptr(s.ep.HostOut), unix.F_SETPIPE_SZ, 4096)
	s.Require().NoError(err)
	pipeSize, err = unix.FcntlInt(uintptr(s.ep.HostOut), unix.F_GETPIPE_SZ, 0)
	s.Require().NoError(err)

	_, done := s.start(Options{OutboundCapacity: capacity})

	payload := bytes.Repeat([]byte("0123456789abcdef"), 4096)
	written := make(chan error, 1)
	go func() {
		_, err := s.child.Write(payload)
		written <- err
	}()

	s.Eventually(func() bool { return s.logSize() >= int64(pipeSize) }, 5*time.Second, 10*time.Millisecond,
		"log MUST progress while the display is stalled")
	time.Sleep(100 * time.Millisecond)
	s.LessOrEqual(s.logSize(), int64(pipeSize+capacity), "log MUST NOT run ahead further than one buffer")

	shown := make(chan []byte, 1)
	go func() {
		got := make([]byte, len(payload))
		_, _ = io.ReadFull(s.display, got)
		shown <- got
	}()

	s.Require().NoError(<-written)
	select {
	case got := <-shown:
		s.True(bytes.Equal(payload, got), "display MUST receive the payload unchanged")
	case <-time.After(10 * time.Second):
		s.FailNow("display did not receive the payload")
	}

	s.term.Terminate()
	s.Require().NoError(s.wait(done))
	s.True(bytes.Equal(payload, s.readLog()), "log MUST receive the payload unchanged")
}

func (s *PumpTestSuite) TestTerminationFlushesCommittedOutput() {
	// GOAL: Verify output produced right before termination is not lost
	//
	// TEST SCENARIO: Child writes → terminate immediately → log still holds the output

	_, done := s.start(Options{})

	output := []byte("last words\r\n")
	_, err := s.child.Write(output)
	s.Require().NoError(err)
	s.term.Terminate()

	s.Require().NoError(s.wait(done))
	s.Equal(output, s.readLog(), "committed output MUST reach the log")
}

func (s *PumpTestSuite) TestStalledDisplayIsSkippedOnExit() {
	// GOAL: Verify the exit flush gives up on the display but never on the log
	//
	// TEST SCENARIO: Display never reads → child writes more than the pipe holds → terminate →
	//                pump returns after the flush timeout → log complete, skipped bytes counted

	pipeSize, err := unix.FcntlInt(uintptr(s.ep.HostOut), unix.F_SETPIPE_SZ, 4096)
	s.Require().NoError(err)

	p, done := s.start(Options{FlushTimeout: 100 * time.Millisecond})

	payload := bytes.Repeat([]byte{'z'}, 3*pipeSize)
	_, err = s.child.Write(payload)
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.logSize() >= int64(pipeSize) }, 5*time.Second, 10*time.Millisecond)

	s.term.Terminate()
	s.Require().NoError(s.wait(done))
	s.True(bytes.Equal(payload, s.readLog()), "log MUST be complete")
	s.Equal(len(payload)-pipeSize, p.Stats().HostSkipped)
}

func (s *PumpTestSuite) TestLogFailureIsFatal() {
	// GOAL: Verify a failing log write stops the session with a transfer error
	//
	// TEST SCENARIO: Log descriptor opened read-only → child writes → Run returns TransferError on "log"

	ro, err := unix.Open(s.logPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = unix.Close(ro) })
	s.ep.Log = ro

	_, done := s.start(Options{})
	_, err = s.child.Write([]byte("x"))
	s.Require().NoError(err)

	err = s.wait(done)
	var transferErr *ptyio.TransferError
	s.Require().ErrorAs(err, &transferErr)
	s.Equal("log", transferErr.Endpoint.Name)
	s.ErrorIs(err, unix.EBADF)
}

func (s *PumpTestSuite) TestHostInputEndIsOrderly() {
	// GOAL: Verify closing host input ends the session without an error
	//
	// TEST SCENARIO: Close the keys side → Run returns nil

	_, done := s.start(Options{})
	s.Require().NoError(s.keys.Close())
	s.NoError(s.wait(done))
}

func (s *PumpTestSuite) TestChildSideCloseIsOrderly() {
	// GOAL: Verify the pty side going away ends the session without an error
	//
	// TEST SCENARIO: Child writes and closes → Run returns nil → log holds the output

	_, done := s.start(Options{})
	_, err := s.child.Write([]byte("bye\r\n"))
	s.Require().NoError(err)
	s.Require().NoError(s.child.Close())

	s.NoError(s.wait(done))
	s.Equal([]byte("bye\r\n"), s.readLog())
}

func (s *PumpTestSuite) TestRunawayWriterDoesNotHoldExitFlush() {
	// GOAL: Verify the exit flush ends even when something keeps writing to the pty after the child exited
	//
	// TEST SCENARIO: Child terminated → background writer floods the pty → Run still returns →
	//                log holds no more than the exit budget plus one buffer

	const capacity = 4096
	_, done := s.start(Options{OutboundCapacity: capacity, FlushTimeout: 50 * time.Millisecond})

	var stop atomic.Bool
	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		chunk := bytes.Repeat([]byte{'y'}, 64*1024)
		for !stop.Load() {
			if _, err := s.child.Write(chunk); err != nil {
				return
			}
		}
	}()

	s.Eventually(func() bool { return s.logSize() > 0 }, 5*time.Second, 10*time.Millisecond)
	before := s.logSize()
	s.term.Terminate()
	err := s.wait(done)

	stop.Store(true)
	_ = unix.Shutdown(s.ep.Master, unix.SHUT_RDWR)
	<-flooded

	s.Require().NoError(err)
	// the iteration in progress when the flag flips may still move a few buffers
	s.LessOrEqual(s.logSize(), before+int64(exitReadBudget+4*capacity),
		"exit flush MUST stop reading after its budget")
}

func TestPumpTestSuite(t *testing.T) {
	suite.Run(t, new(PumpTestSuite))
}

func TestNewValidation(t *testing.T) {
	term := newFakeTerminator(t)

	_, err := New(Endpoints{HostIn: 0, HostOut: 1, Master: -1, Log: 3}, term, Options{})
	require.Error(t, err)

	_, err = New(Endpoints{HostIn: -1, HostOut: 1, Master: -1, Log: -1}, term, Options{})
	require.EqualError(t, err, "pump: invalid host input descriptor -1", "first invalid descriptor MUST be named")

	_, err = New(Endpoints{}, nil, Options{})
	require.Error(t, err)

	_, err = New(Endpoints{}, term, Options{InboundCapacity: -1})
	require.Error(t, err)

	p, err := New(Endpoints{}, term, Options{})
	require.NoError(t, err)
	require.Equal(t, 32, p.inbound.Cap())
	require.Equal(t, 4096, p.outbound.Cap())
	require.Equal(t, 2*time.Second, p.flushTimeout)
}
