package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning means the pid file names a live process.
var ErrAlreadyRunning = errors.New("daemon: already running")

// ErrNotRunning means there is no live daemon to talk to.
var ErrNotRunning = errors.New("daemon: not running")

// stopDeadline bounds how long Stop waits for the daemon to exit.
const stopDeadline = 10 * time.Second

// ReadPidFile returns the recorded pid, or 0 when the file is absent.
func ReadPidFile(path string) (int, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return 0, fmt.Errorf("daemon: malformed pid file %s: %w", path, err)
	}
	return pid, nil
}

func writePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	// EPERM still means the process exists.
	return err == nil || errors.Is(err, syscall.EPERM)
}

// IsRunning reports whether the pid file at path names a live process.
func IsRunning(pidPath string) bool {
	pid, err := ReadPidFile(pidPath)
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// Stop sends SIGTERM to the recorded daemon and polls for exit up to the
// 10-second deadline. The daemon removes its own pid file and socket on a
// clean shutdown.
func Stop(pidPath string) error {
	pid, err := ReadPidFile(pidPath)
	if err != nil {
		return err
	}
	if pid == 0 || !processAlive(pid) {
		return ErrNotRunning
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("daemon: signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(stopDeadline)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon: pid %d still alive after %s", pid, stopDeadline)
}
