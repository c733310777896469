package testutils

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Termios returns the current attributes of the tty side.
func (f *FakeTerminal) Termios(t *testing.T) *unix.Termios {
	t.Helper()
	attrs, err := unix.IoctlGetTermios(int(f.Tty.Fd()), unix.TCGETS)
	require.NoError(t, err)
	return attrs
}
