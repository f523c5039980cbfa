// Package daemon manages the PID file used by the start/stop/status
// commands.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const pidFilename = "creditgate.pid"

// pidPath returns the full path to the PID file inside dataDir.
func pidPath(dataDir string) string {
	return filepath.Join(dataDir, pidFilename)
}

// WritePID records the current process ID in dataDir/creditgate.pid,
// creating dataDir if needed.
func WritePID(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory for PID file: %w", err)
	}

	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing PID file %s: %w", path, err)
	}
	return nil
}

// ReadPID returns the process ID recorded in dataDir/creditgate.pid.
func ReadPID(dataDir string) (int, error) {
	path := pidPath(dataDir)

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading PID file %s: %w", path, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing PID from %s: %w", path, err)
	}
	return pid, nil
}

// RemovePID deletes the PID file. A missing file is not an error.
func RemovePID(dataDir string) error {
	if err := os.Remove(pidPath(dataDir)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing PID file %s: %w", pidPath(dataDir), err)
	}
	return nil
}

// ClearStale removes the PID file when it names a process that no longer
// exists, which happens after a crash or power loss. It reports whether a
// stale file was cleaned up.
func ClearStale(dataDir string) bool {
	pid, err := ReadPID(dataDir)
	if err != nil || isProcessAlive(pid) {
		return false
	}
	return os.Remove(pidPath(dataDir)) == nil
}

// IsRunning reports whether the PID file names a live process.
func IsRunning(dataDir string) bool {
	pid, err := ReadPID(dataDir)
	return err == nil && isProcessAlive(pid)
}

// isProcessAlive probes the process with signal 0, which checks existence
// without delivering anything.
func isProcessAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
