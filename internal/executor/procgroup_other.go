//go:build windows

package executor

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
