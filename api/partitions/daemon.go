package partitions

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Location codes for daemon operations
const (
	LOC_DAEMON_PID  = "UNF_PRT_080"
	LOC_DAEMON_STOP = "UNF_PRT_081"
)

// WritePIDFile writes the current process PID to the PID file.
func WritePIDFile(pidPath string) error {
	pid := os.Getpid()
	return os.WriteFile(pidPath, []byte(strconv.Itoa(pid)), 0644)
}

// ReadPIDFile reads the PID from the PID file.
func ReadPIDFile(pidPath string) (int, error) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w (%s)", err, LOC_DAEMON_PID)
	}
	return pid, nil
}

// RemovePIDFile removes the PID file.
func RemovePIDFile(pidPath string) error {
	return os.Remove(pidPath)
}

// IsRunning checks if a process with the given PID is alive. Signal 0 does
// not deliver anything but reports process existence.
func IsRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// StopProcess sends SIGTERM to the process and waits up to 10 seconds for
// it to exit before escalating to SIGKILL.
func StopProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w (%s)", err, LOC_DAEMON_STOP)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to PID %d: %w (%s)", pid, err, LOC_DAEMON_STOP)
	}

	// Poll every 200ms, up to 10 seconds.
	for i := 0; i < 50; i++ {
		time.Sleep(200 * time.Millisecond)
		if !IsRunning(pid) {
			return nil
		}
	}

	if err := process.Signal(syscall.SIGKILL); err != nil {
		if !IsRunning(pid) {
			return nil // already exited
		}
		return fmt.Errorf("failed to send SIGKILL to PID %d: %w (%s)", pid, err, LOC_DAEMON_STOP)
	}
	return nil
}
