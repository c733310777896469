package session

import (
	"os"

	"golang.org/x/sys/unix"
)

// shellCandidates are tried in order when $SHELL is unset.
var shellCandidates = []string{
	"/usr/local/bin/bash",
	"/usr/local/bin/sh",
	"/usr/local/bin/tcsh",
	"/bin/bash",
	"/bin/sh",
	"/bin/ksh",
	"/bin/tcsh",
}

// FindShell returns $SHELL when set, otherwise the first well-known shell
// that is readable and executable.
func FindShell() (string, error) {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh, nil
	}
	return firstUsable(shellCandidates)
}

func firstUsable(paths []string) (string, error) {
	for _, p := range paths {
		if unix.Access(p, unix.R_OK|unix.X_OK) == nil {
			return p, nil
		}
	}
	return "", ErrNoShell
}
