package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotTerminal indicates host input or output is not a terminal device.
	ErrNotTerminal = errors.New("not a terminal")
	// ErrNoShell indicates neither $SHELL nor any well-known shell is usable.
	ErrNoShell = errors.New("no usable shell found")
	// ErrNotPrepared indicates Spawn was called before a successful Prepare.
	ErrNotPrepared = errors.New("host terminal not prepared")
)

// SetupError is a failure to establish or tear down the session environment:
// terminal validation, terminal attributes, pty allocation, process creation
// or log creation.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// ExecError means the shell could not be executed.
type ExecError struct {
	Path string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Path, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}
