package executor

import (
	"os/exec"
	"syscall"
	"time"
)

// configureProcess hides the console window. Cancellation uses the default
// Process.Kill since Windows has no process groups to signal.
func configureProcess(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
	cmd.WaitDelay = grace + time.Second
}
