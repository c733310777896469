// Package session owns the lifecycle of one recorded shell session: it
// validates and prepares the host terminal, spawns the shell on a new pty,
// and restores everything exactly once when the session ends.
package session

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pseudoshell/internal/ptyio"
	"github.com/srg/pseudoshell/internal/pump"
	"golang.org/x/term"
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Host is the terminal the user sits at.
type Host struct {
	In  *os.File
	Out *os.File
}

// ControllerOptions configure where session logs are created.
type ControllerOptions struct {
	LogDir     string `default:"."`
	LogPattern string `default:"log_*"`
	Logger     *logrus.Logger
}

// Controller prepares the host terminal and spawns sessions on it.
type Controller struct {
	host   Host
	opts   ControllerOptions
	logger *logrus.Logger

	inFd, outFd int
	original    *term.State
	size        *pty.Winsize
}

// Session is one running shell. It is torn down by Controller.Finalize.
type Session struct {
	cmd      *exec.Cmd
	master   *os.File
	masterFd int
	log      *os.File
	logFd    int
	logPath  string
	size     pty.Winsize
	restores []func() error

	once     sync.Once
	err      error
	exitCode int
}

// NewController creates a controller for host.
func NewController(host Host, opts ControllerOptions) *Controller {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}
	c := &Controller{host: host, opts: opts, logger: opts.Logger, inFd: -1, outFd: -1}
	// Fd switches the files to blocking mode, so it is taken once here and
	// the raw descriptors are used from now on
	if host.In != nil {
		c.inFd = int(host.In.Fd())
	}
	if host.Out != nil {
		c.outFd = int(host.Out.Fd())
	}
	return c
}

// Prepare checks that the host streams are terminals and captures the
// terminal attributes and window size that Spawn and Finalize rely on.
func (c *Controller) Prepare() error {
	if c.inFd < 0 || !term.IsTerminal(c.inFd) {
		return &SetupError{Op: "validate host input", Err: ErrNotTerminal}
	}
	if c.outFd < 0 || !term.IsTerminal(c.outFd) {
		return &SetupError{Op: "validate host output", Err: ErrNotTerminal}
	}

	state, err := term.GetState(c.inFd)
	if err != nil {
		return &SetupError{Op: "get terminal attributes", Err: err}
	}
	size, err := pty.GetsizeFull(c.host.In)
	if err != nil {
		return &SetupError{Op: "get window size", Err: err}
	}

	c.original = state
	c.size = size
	c.logger.WithFields(logrus.Fields{"rows": size.Rows, "cols": size.Cols}).Debug("Host terminal prepared")
	return nil
}

// Spawn creates the session log, starts shellPath on a pty of the host's
// size and switches the host terminal to raw mode. The host streams and the
// pty master are left in non-blocking mode for the event pump.
func (c *Controller) Spawn(shellPath string) (*Session, error) {
	if c.original == nil {
		return nil, &SetupError{Op: "spawn", Err: ErrNotPrepared}
	}
	logger := c.logger.WithField("shell", shellPath)

	logFile, err := os.CreateTemp(c.opts.LogDir, c.opts.LogPattern)
	if err != nil {
		return nil, &SetupError{Op: "create log", Err: err}
	}
	s := &Session{log: logFile, logFd: int(logFile.Fd()), logPath: logFile.Name(), size: *c.size, masterFd: -1, exitCode: -1}

	cmd := exec.Command(shellPath)
	master, err := pty.StartWithSize(cmd, c.size)
	if err != nil {
		_ = logFile.Close()
		_ = os.Remove(s.logPath)
		if isExecFailure(err) {
			return nil, &ExecError{Path: shellPath, Err: err}
		}
		return nil, &SetupError{Op: "start pty", Err: err}
	}
	s.cmd = cmd
	s.master = master
	s.masterFd = int(master.Fd())
	logger = logger.WithFields(logrus.Fields{"pid": cmd.Process.Pid, "log": s.logPath})

	if _, err := term.MakeRaw(c.inFd); err != nil {
		_ = c.Finalize(s)
		return nil, &SetupError{Op: "enter raw mode", Err: err}
	}
	for _, fd := range []int{c.inFd, c.outFd, s.masterFd} {
		restore, err := ptyio.SetNonblock(fd)
		if err != nil {
			_ = c.Finalize(s)
			return nil, &SetupError{Op: "set nonblocking", Err: err}
		}
		s.restores = append(s.restores, restore)
	}

	logger.Info("Shell started")
	return s, nil
}

// Finalize tears s down: terminal attributes and descriptor flags are
// restored, the pty master is closed, the child is reaped and the log is
// synced and closed. Only the first call does any work; later calls return
// its result. A non-zero child exit status is not an error.
func (c *Controller) Finalize(s *Session) error {
	s.once.Do(func() {
		var errs []error

		if err := term.Restore(c.inFd, c.original); err != nil {
			errs = append(errs, &SetupError{Op: "restore terminal attributes", Err: err})
		}
		for i := len(s.restores) - 1; i >= 0; i-- {
			if err := s.restores[i](); err != nil {
				errs = append(errs, &SetupError{Op: "restore descriptor flags", Err: err})
			}
		}

		if s.master != nil {
			// hangs up a child still attached to the pty
			if err := s.master.Close(); err != nil {
				errs = append(errs, &SetupError{Op: "close pty", Err: err})
			}
		}

		s.exitCode = -1
		if s.cmd != nil {
			err := s.cmd.Wait()
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				errs = append(errs, &SetupError{Op: "wait for child", Err: err})
			}
			if s.cmd.ProcessState != nil {
				s.exitCode = s.cmd.ProcessState.ExitCode()
			}
			c.logger.WithFields(logrus.Fields{"pid": s.cmd.Process.Pid, "exit_code": s.exitCode}).Info("Shell exited")
		}

		if err := s.log.Sync(); err != nil {
			errs = append(errs, &SetupError{Op: "sync log", Err: err})
		}
		if err := s.log.Close(); err != nil {
			errs = append(errs, &SetupError{Op: "close log", Err: err})
		}

		s.err = errors.Join(errs...)
	})
	return s.err
}

// Endpoints returns the descriptors the event pump relays between.
func (c *Controller) Endpoints(s *Session) pump.Endpoints {
	return pump.Endpoints{HostIn: c.inFd, HostOut: c.outFd, Master: s.masterFd, Log: s.logFd}
}

// PID returns the process id of the shell.
func (s *Session) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// MasterFd returns the pty master descriptor.
func (s *Session) MasterFd() int { return s.masterFd }

// LogPath returns the path of the session log.
func (s *Session) LogPath() string { return s.logPath }

// Size returns the window size the pty was created with.
func (s *Session) Size() pty.Winsize { return s.size }

// ExitCode returns the exit status recorded by Finalize, or -1 if the child
// was killed by a signal or not reaped yet.
func (s *Session) ExitCode() int { return s.exitCode }

// isExecFailure tells an unexecutable shell apart from pty or fork failures.
func isExecFailure(err error) bool {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return true
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) && pathErr.Op == "fork/exec"
}
