package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawn re-executes the current binary with args (the hidden daemon entry
// point), detached from the controlling terminal: new session via Setsid,
// stdio redirected to the log file. Returns the child pid. The pid-file
// single-instance check must happen before calling Spawn.
func Spawn(logPath string, args ...string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("daemon: locate executable: %w", err)
	}
	exe, _ = filepath.EvalSymlinks(exe)

	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("daemon: create daemon dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("daemon: open log file: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("daemon: start child: %w", err)
	}
	pid := cmd.Process.Pid
	// The child outlives us; don't hold a handle on it.
	cmd.Process.Release()
	return pid, nil
}
