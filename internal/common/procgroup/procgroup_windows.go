//go:build windows

// Package procgroup signals a spawned child and everything it forked as
// one unit. Both the agent CLI runner and the exec tool go through it.
package procgroup

import (
	"fmt"
	"os/exec"
	"syscall"
)

// Setup starts the child in a new process group via
// CREATE_NEW_PROCESS_GROUP.
func Setup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// Terminate asks the process tree to close. Without /F, taskkill sends
// WM_CLOSE, the closest Windows analogue of SIGTERM.
func Terminate(pid int) error {
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// Kill force-kills the process tree.
func Kill(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}
