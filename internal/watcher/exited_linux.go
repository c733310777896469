package watcher

import (
	"errors"

	"golang.org/x/sys/unix"
)

// exited reports whether pid has exited, without reaping it: WNOWAIT leaves
// the zombie for exec.Cmd.Wait. Stops and continues are not reported.
func exited(pid int) bool {
	var info unix.Siginfo
	err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
	if errors.Is(err, unix.EINTR) {
		return exited(pid)
	}
	if errors.Is(err, unix.ECHILD) {
		// already reaped elsewhere
		return true
	}
	if err != nil {
		return false
	}
	// with WNOHANG and no state change the kernel leaves si_signo zero
	return info.Signo == int32(unix.SIGCHLD)
}
