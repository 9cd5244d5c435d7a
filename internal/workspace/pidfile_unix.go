//go:build unix && !linux

package workspace

import (
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

func isProcessAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || err == syscall.EPERM
}

func terminateProcess(pid int) {
	_ = syscall.Kill(pid, syscall.SIGTERM)
}

func killProcess(pid int) {
	_ = syscall.Kill(pid, syscall.SIGKILL)
}

// processCommandLine asks ps; there is no /proc to read on these
// platforms.
func processCommandLine(pid int) (string, bool) {
	out, err := exec.Command("ps", "-o", "command=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}
