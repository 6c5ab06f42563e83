//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the script in its own group so a forced stop reaches every child
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
