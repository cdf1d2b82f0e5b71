package supervisor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWriteReadRemovePidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blueplane.pid")

	if err := WritePidFile(path); err != nil {
		t.Fatalf("WritePidFile: %v", err)
	}

	pid, err := ReadPidFile(path)
	if err != nil {
		t.Fatalf("ReadPidFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}

	if err := RemovePidFile(path); err != nil {
		t.Fatalf("RemovePidFile: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected pidfile removed, stat err = %v", err)
	}
}

func TestReadPidFileMissingReturnsZero(t *testing.T) {
	pid, err := ReadPidFile(filepath.Join(t.TempDir(), "does-not-exist.pid"))
	if err != nil {
		t.Fatalf("ReadPidFile: %v", err)
	}
	if pid != 0 {
		t.Errorf("pid = %d, want 0", pid)
	}
}

func TestIsRunningBlueplaneLooksUpCurrentProcess(t *testing.T) {
	running, err := IsRunningBlueplane(os.Getpid())
	if err != nil {
		t.Fatalf("IsRunningBlueplane: %v", err)
	}
	// The test binary itself isn't named "blueplane", so this should be
	// false; this asserts the lookup doesn't error, not the name match.
	_ = running
}

func TestIsRunningBlueplaneZeroPid(t *testing.T) {
	running, err := IsRunningBlueplane(0)
	if err != nil {
		t.Fatalf("IsRunningBlueplane: %v", err)
	}
	if running {
		t.Error("pid 0 should never be reported running")
	}
}
