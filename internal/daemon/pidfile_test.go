package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process.pid")
	if pid, err := ReadPidFile(path); err != nil || pid != 0 {
		t.Fatalf("missing pid file: pid=%d err=%v", pid, err)
	}
	if err := writePidFile(path, os.Getpid()); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := ReadPidFile(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("read back pid=%d err=%v", pid, err)
	}
}

func TestIsRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process.pid")
	if IsRunning(path) {
		t.Fatalf("missing pid file reported as running")
	}
	// Our own pid is certainly alive.
	writePidFile(path, os.Getpid())
	if !IsRunning(path) {
		t.Fatalf("live pid reported as not running")
	}
	// A pid far beyond pid_max is certainly dead.
	writePidFile(path, 1<<30)
	if IsRunning(path) {
		t.Fatalf("stale pid file reported as running")
	}
}

func TestStopWithoutDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "process.pid")
	if err := Stop(path); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop on missing pid: err = %v, want ErrNotRunning", err)
	}
	writePidFile(path, 1<<30)
	if err := Stop(path); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop on stale pid: err = %v, want ErrNotRunning", err)
	}
}
