//go:build unix && !linux

// Package procgroup signals a spawned child and everything it forked as
// one unit. Both the agent CLI runner and the exec tool go through it.
package procgroup

import (
	"os/exec"
	"syscall"
)

// Setup puts the child in its own process group so the whole tree can be
// signalled together. Pdeathsig is Linux-only, so on these platforms
// orphan cleanup relies on the explicit terminate path.
func Setup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// Terminate sends SIGTERM to the child's process group.
func Terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// Kill sends SIGKILL to the child's process group.
func Kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
