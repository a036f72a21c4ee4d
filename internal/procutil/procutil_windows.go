//go:build windows

package procutil

import (
	"os/exec"
	"syscall"
)

// https://docs.microsoft.com/en-us/windows/win32/procthread/process-creation-flags
func SetOptNewProcessGroup(attrs *syscall.SysProcAttr) {
	attrs.CreationFlags = syscall.CREATE_NEW_PROCESS_GROUP
}

// TerminateProcessGroup has no graceful equivalent on Windows.
func TerminateProcessGroup(cmd *exec.Cmd) error {
	KillProcessGroup(cmd)
	return nil
}

func KillProcessGroup(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
