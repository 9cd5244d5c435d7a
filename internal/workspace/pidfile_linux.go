//go:build linux

package workspace

import (
	"fmt"
	"os"
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

// processCommandLine reads /proc/<pid>/cmdline, NUL-separated.
func processCommandLine(pid int) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", false
	}
	return strings.ReplaceAll(string(data), "\x00", " "), true
}
