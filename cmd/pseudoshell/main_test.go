package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/pseudoshell/internal/ptyio"
	"github.com/srg/pseudoshell/internal/session"
	"github.com/srg/pseudoshell/internal/testutils"
	"github.com/srg/pseudoshell/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
)

// CommandTestSuite runs rootCmd against a fake session runner
type CommandTestSuite struct {
	suite.Suite

	originalHost   func() session.Host
	originalRunner func(session.RunOptions) (*session.Report, error)

	calls   []session.RunOptions
	report  *session.Report
	runErr  error
	tempDir string
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalHost = HostTerminal
	s.originalRunner = RunSession
}

func (s *CommandTestSuite) TearDownSuite() {
	HostTerminal = s.originalHost
	RunSession = s.originalRunner
}

func (s *CommandTestSuite) SetupTest() {
	s.calls = nil
	s.report = &session.Report{ID: "c0ffee", Shell: "/bin/sh", PID: 42, LogPath: "log_1", ExitCode: 0, Rows: 24, Cols: 80}
	s.runErr = nil
	s.tempDir = s.T().TempDir()

	r, w, err := os.Pipe()
	s.Require().NoError(err)
	s.T().Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	HostTerminal = func() session.Host { return session.Host{In: r, Out: w} }
	RunSession = func(opts session.RunOptions) (*session.Report, error) {
		s.calls = append(s.calls, opts)
		return s.report, s.runErr
	}

	// flags keep their values and Changed state between executions
	rootCmd.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func (s *CommandTestSuite) writeFile(name, content string) string {
	path := filepath.Join(s.tempDir, name)
	s.Require().NoError(os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (s *CommandTestSuite) TestDefaults() {
	// GOAL: Verify a bare invocation runs the session with the built-in defaults
	//
	// TEST SCENARIO: Execute without flags → runner called once → defaults passed through → nothing printed

	out, err := s.ExecuteCommand(rootCmd)
	s.Require().NoError(err)
	s.Empty(out, "no statistics MUST be printed by default")
	s.Require().Len(s.calls, 1)

	opts := s.calls[0]
	s.Empty(opts.Shell)
	s.Equal(".", opts.LogDir)
	s.Equal("log_*", opts.LogPattern)
	s.Equal(32, opts.InboundCapacity)
	s.Equal(4096, opts.OutboundCapacity)
	s.Equal(2*time.Second, opts.FlushTimeout)
	s.False(opts.Compress)
	s.NotNil(opts.Logger)
	s.NotNil(opts.Host.In)
}

func (s *CommandTestSuite) TestFlagsOverrideConfigFile() {
	// GOAL: Verify precedence defaults < config file < explicit flags
	//
	// TEST SCENARIO: Config sets shell, sizes and compression → flag overrides shell → merged options reach the runner

	path := s.writeFile("pseudoshell.yaml", "shell: /bin/zsh\noutbound_size: 8192\ncompress: true\nlog_pattern: rec_*\n")

	_, err := s.ExecuteCommand(rootCmd, "--config", path, "--shell", "/bin/sh", "--flush-timeout", "250ms")
	s.Require().NoError(err)
	s.Require().Len(s.calls, 1)

	opts := s.calls[0]
	s.Equal("/bin/sh", opts.Shell, "flag MUST win over config file")
	s.Equal(8192, opts.OutboundCapacity, "config file MUST win over defaults")
	s.Equal("rec_*", opts.LogPattern)
	s.True(opts.Compress)
	s.Equal(250*time.Millisecond, opts.FlushTimeout)
	s.Equal(32, opts.InboundCapacity)
}

func (s *CommandTestSuite) TestInvalidSettingsNeverStartSession() {
	tests := []struct {
		name string
		args []string
	}{
		{name: "ZeroInbound", args: []string{"--inbound-size", "0"}},
		{name: "BadPattern", args: []string{"--log-pattern", "a/b"}},
		{name: "BadConfigKey", args: []string{"--config", s.writeFile("bad.yaml", "device_timeout: 1s\n")}},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.SetupTest()
			_, err := s.ExecuteCommand(rootCmd, tt.args...)
			s.ErrorIs(err, config.ErrInvalidConfig)
			s.Empty(s.calls, "session MUST NOT start with invalid settings")
		})
	}
}

func (s *CommandTestSuite) TestInvalidLogLevel() {
	_, err := s.ExecuteCommand(rootCmd, "--log-level", "chatty")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid log level")
	s.Empty(s.calls)
}

func (s *CommandTestSuite) TestStatsOutput() {
	// GOAL: Verify statistics are printed and written atomically after the session
	//
	// TEST SCENARIO: Run with --stats and --stats-file → JSON on stderr → same JSON in file

	statsPath := filepath.Join(s.tempDir, "stats.json")
	out, err := s.ExecuteCommand(rootCmd, "--stats", "--stats-file", statsPath)
	s.Require().NoError(err)

	expected := `{"id":"c0ffee","shell":"/bin/sh","pid":42,"exit_code":0,"rows":24,"cols":80,"pump":"<<PRESENCE>>"}`
	testutils.NewJSONAsserter(s.T()).Assert(out, expected)

	data, err := os.ReadFile(statsPath)
	s.Require().NoError(err)
	s.Equal(out, string(data))
}

func (s *CommandTestSuite) TestStatsWrittenOnFailure() {
	// GOAL: Verify a failed session still produces its report and the error
	//
	// TEST SCENARIO: Runner returns report and transfer error → error returned → stats file exists

	s.runErr = &ptyio.TransferError{Op: "write", Endpoint: ptyio.Endpoint{Name: "log", Fd: 5}, Err: unix.ENOSPC}
	statsPath := filepath.Join(s.tempDir, "stats.json")

	_, err := s.ExecuteCommand(rootCmd, "--stats-file", statsPath)
	s.ErrorIs(err, unix.ENOSPC)
	s.FileExists(statsPath)
}

func (s *CommandTestSuite) TestDiagnosticsFile() {
	diagPath := filepath.Join(s.tempDir, "diag.log")
	out, err := s.ExecuteCommand(rootCmd, "--verbose", "--diagnostics", diagPath)
	s.Require().NoError(err)
	s.Empty(out, "diagnostics MUST NOT go to the terminal")

	data, err := os.ReadFile(diagPath)
	s.Require().NoError(err)
	s.Contains(string(data), "Starting pseudoshell")
	s.Equal("debug", s.calls[0].Logger.GetLevel().String())
}

func (s *CommandTestSuite) TestNonTerminalHost() {
	// GOAL: Verify the real session refuses to run without a terminal
	//
	// TEST SCENARIO: Host streams are pipes → real runner → ErrNotTerminal, user message with hint

	RunSession = session.Run
	_, err := s.ExecuteCommand(rootCmd, "--shell", "/bin/sh", "--log-dir", s.tempDir)
	s.ErrorIs(err, session.ErrNotTerminal)
	s.Contains(FormatUserError(err), "interactive terminal")
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "ExecError",
			err:  &session.ExecError{Path: "/bin/nope", Err: os.ErrNotExist},
			want: "cannot run shell /bin/nope: file does not exist",
		},
		{
			name: "NoShell",
			err:  session.ErrNoShell,
			want: "no usable shell found (set $SHELL or pass --shell)",
		},
		{
			name: "Transfer",
			err:  &ptyio.TransferError{Op: "write", Endpoint: ptyio.Endpoint{Name: "host-out", Fd: 1}, Err: unix.EPIPE},
			want: "session aborted: write failed on host-out: broken pipe",
		},
		{
			name: "Setup",
			err:  &session.SetupError{Op: "start pty", Err: errors.New("out of ptys")},
			want: "terminal setup failed: start pty: out of ptys",
		},
		{
			name: "Other",
			err:  errors.New("boom"),
			want: "boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUserError(tt.err))
		})
	}
}
