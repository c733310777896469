package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// TestHelper bundles what session tests need: a logger and temp resources.
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a helper whose logger writes debug output to the test log.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetOutput(testWriter{t})
	return &TestHelper{T: t, Logger: logger}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// FakeTerminal is a pty pair standing in for the user's terminal. Tty is
// handed to the code under test as host input and output; Display is the
// side a terminal emulator would read from and type into.
type FakeTerminal struct {
	Display *os.File
	Tty     *os.File
}

// NewFakeTerminal opens a pty pair of the given size. Both ends are closed
// when the test finishes.
func (h *TestHelper) NewFakeTerminal(rows, cols uint16) *FakeTerminal {
	h.T.Helper()
	display, tty, err := pty.Open()
	require.NoError(h.T, err)
	require.NoError(h.T, pty.Setsize(display, &pty.Winsize{Rows: rows, Cols: cols}))
	h.T.Cleanup(func() {
		_ = tty.Close()
		_ = display.Close()
	})
	return &FakeTerminal{Display: display, Tty: tty}
}

// WriteScript writes an executable shell script into a temp dir and returns
// its path.
func (h *TestHelper) WriteScript(name, body string) string {
	h.T.Helper()
	path := filepath.Join(h.T.TempDir(), name)
	require.NoError(h.T, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

// Pipe returns a pipe closed when the test finishes.
func (h *TestHelper) Pipe() (r, w *os.File) {
	h.T.Helper()
	r, w, err := os.Pipe()
	require.NoError(h.T, err)
	h.T.Cleanup(func() {
		_ = r.Close()
		_ = w.Close()
	})
	return r, w
}
