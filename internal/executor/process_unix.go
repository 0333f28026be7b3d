//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// configureProcess runs the shell in its own process group so that
// cancellation reaches the shell and every child it started. The group gets
// SIGTERM first and SIGKILL once grace has passed; a zero grace kills at once.
func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if grace <= 0 {
			return unix.Kill(pgid, unix.SIGKILL)
		}
		if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
			// Group already gone or not signalable; escalate.
			return unix.Kill(pgid, unix.SIGKILL)
		}
		time.AfterFunc(grace, func() {
			// ESRCH from an exited group is harmless.
			_ = unix.Kill(pgid, unix.SIGKILL)
		})
		return nil
	}
	// Children that ignore the signals must not hold the output pipes open.
	cmd.WaitDelay = grace + time.Second
}
