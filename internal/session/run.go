package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/pseudoshell/internal/pump"
	"github.com/srg/pseudoshell/internal/watcher"
)

// RunOptions configure a complete session.
type RunOptions struct {
	Host Host

	// Shell defaults to FindShell.
	Shell      string
	LogDir     string `default:"."`
	LogPattern string `default:"log_*"`

	InboundCapacity  int           `default:"32"`
	OutboundCapacity int           `default:"4096"`
	FlushTimeout     time.Duration `default:"2s"`

	// Compress writes a zstd copy of the log once the session ended cleanly.
	Compress bool

	Logger *logrus.Logger
}

// Report summarizes a finished session.
type Report struct {
	ID          string        `json:"id"`
	Shell       string        `json:"shell"`
	PID         int           `json:"pid"`
	LogPath     string        `json:"log_path"`
	ArchivePath string        `json:"archive_path,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Rows        uint16        `json:"rows"`
	Cols        uint16        `json:"cols"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration_ns"`
	Pump        pump.Stats    `json:"pump"`
}

// Run records one shell session on opts.Host: it prepares the terminal,
// spawns the shell, relays until the shell exits and restores the terminal.
// The report is returned whenever the shell was spawned, even if the
// session then failed.
func Run(opts RunOptions) (*Report, error) {
	defaults.SetDefaults(&opts)
	if opts.Logger == nil {
		opts.Logger = noopLogger
	}

	shell := opts.Shell
	if shell == "" {
		found, err := FindShell()
		if err != nil {
			return nil, err
		}
		shell = found
	}

	report := &Report{ID: uuid.NewString(), Shell: shell, ExitCode: -1, StartedAt: time.Now()}
	logger := opts.Logger.WithField("session", report.ID)
	logger.WithField("shell", shell).Debug("Starting session")

	// subscribed before the shell exists so its exit cannot be missed
	w, err := watcher.New(opts.Logger)
	if err != nil {
		return nil, &SetupError{Op: "watch child", Err: err}
	}
	defer func() {
		if err := w.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close child watcher")
		}
	}()

	c := NewController(opts.Host, ControllerOptions{LogDir: opts.LogDir, LogPattern: opts.LogPattern, Logger: opts.Logger})
	if err := c.Prepare(); err != nil {
		return nil, err
	}
	s, err := c.Spawn(shell)
	if err != nil {
		return nil, err
	}
	w.Watch(s.PID())

	report.PID = s.PID()
	report.LogPath = s.LogPath()
	size := s.Size()
	report.Rows, report.Cols = size.Rows, size.Cols

	var runErr error
	p, err := pump.New(c.Endpoints(s), w, pump.Options{
		InboundCapacity:  opts.InboundCapacity,
		OutboundCapacity: opts.OutboundCapacity,
		FlushTimeout:     opts.FlushTimeout,
		Logger:           opts.Logger,
	})
	if err != nil {
		runErr = fmt.Errorf("create pump: %w", err)
	} else {
		runErr = p.Run()
		report.Pump = p.Stats()
	}

	finErr := c.Finalize(s)
	report.ExitCode = s.ExitCode()
	report.Duration = time.Since(report.StartedAt)

	if err := errors.Join(runErr, finErr); err != nil {
		logger.WithError(err).Error("Session failed")
		return report, err
	}

	if opts.Compress {
		archive, err := ArchiveLog(report.LogPath)
		if err != nil {
			return report, fmt.Errorf("archive log: %w", err)
		}
		report.ArchivePath = archive
	}

	logger.WithFields(logrus.Fields{"exit_code": report.ExitCode, "log": report.LogPath}).Info("Session finished")
	return report, nil
}
