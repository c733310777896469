package main

import (
	"errors"
	"fmt"

	"github.com/srg/pseudoshell/internal/ptyio"
	"github.com/srg/pseudoshell/internal/session"
	"github.com/srg/pseudoshell/pkg/config"
)

// FormatUserError turns an error chain into a message for the terminal.
// Known failures get a hint; everything else is printed as is.
func FormatUserError(err error) string {
	var (
		execErr     *session.ExecError
		setupErr    *session.SetupError
		transferErr *ptyio.TransferError
	)
	switch {
	case errors.Is(err, session.ErrNotTerminal):
		return fmt.Sprintf("%v (pseudoshell must be started from an interactive terminal)", err)
	case errors.Is(err, session.ErrNoShell):
		return fmt.Sprintf("%v (set $SHELL or pass --shell)", err)
	case errors.As(err, &execErr):
		return fmt.Sprintf("cannot run shell %s: %v", execErr.Path, execErr.Err)
	case errors.Is(err, config.ErrInvalidConfig):
		return err.Error()
	case errors.As(err, &transferErr):
		return fmt.Sprintf("session aborted: %s failed on %s: %v", transferErr.Op, transferErr.Endpoint.Name, transferErr.Err)
	case errors.As(err, &setupErr):
		return fmt.Sprintf("terminal setup failed: %v", err)
	default:
		return err.Error()
	}
}
