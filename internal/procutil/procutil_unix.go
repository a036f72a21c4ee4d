//go:build !windows

package procutil

import (
	"os/exec"
	"syscall"
)

// SetOptNewProcessGroup starts the command in its own process group so that
// it and anything it spawns can be signalled together.
func SetOptNewProcessGroup(attrs *syscall.SysProcAttr) {
	attrs.Setpgid = true
}

// TerminateProcessGroup asks the whole group to exit.
func TerminateProcessGroup(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// KillProcessGroup kills the whole group.
func KillProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
