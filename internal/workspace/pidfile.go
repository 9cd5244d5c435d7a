package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/adsdev/ads/internal/common/logger"
)

const (
	takeoverWait = 5 * time.Second
	takeoverPoll = 100 * time.Millisecond
)

// AcquirePIDFile claims single-gateway ownership of path. When the file
// names a live process that looks like another gateway, that process is
// asked to exit (cooperative takeover) before the claim; a stale or
// foreign pid is simply overwritten. The returned release removes the
// file if it still holds our pid.
func AcquirePIDFile(path string, log *logger.Logger) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create pid dir: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 && pid != os.Getpid() {
			if err := takeOver(pid, log); err != nil {
				return nil, err
			}
		}
	}

	self := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(path, []byte(self), 0644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	log.Debug("pid file claimed", zap.String("path", path), zap.String("pid", self))

	return func() {
		data, err := os.ReadFile(path)
		if err != nil || strings.TrimSpace(string(data)) != self {
			return
		}
		_ = os.Remove(path)
	}, nil
}

// ProcessAlive reports whether pid names a live process. Used by the
// `ads status` probe alongside the takeover logic here.
func ProcessAlive(pid int) bool {
	return pid > 0 && isProcessAlive(pid)
}

// takeOver retires the previous holder. Foreign processes that merely
// reused the pid are left alone.
func takeOver(pid int, log *logger.Logger) error {
	if !isProcessAlive(pid) {
		return nil
	}
	if !processLooksLikeUs(pid) {
		log.Warn("pid file holder is not a gateway, treating as stale",
			zap.Int("pid", pid))
		return nil
	}

	log.Info("asking previous gateway to exit", zap.Int("pid", pid))
	terminateProcess(pid)
	deadline := time.Now().Add(takeoverWait)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			return nil
		}
		time.Sleep(takeoverPoll)
	}

	log.Warn("previous gateway ignored the terminate, killing", zap.Int("pid", pid))
	killProcess(pid)
	deadline = time.Now().Add(takeoverWait)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			return nil
		}
		time.Sleep(takeoverPoll)
	}
	return fmt.Errorf("previous gateway (pid %d) would not exit", pid)
}

// processLooksLikeUs guards the takeover signal: only processes whose
// command line resembles this binary get one.
func processLooksLikeUs(pid int) bool {
	cmdline, ok := processCommandLine(pid)
	if !ok {
		return false
	}
	self := filepath.Base(os.Args[0])
	return self != "" && strings.Contains(cmdline, self)
}
