package supervisor

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// PidFilePath returns the path to the supervisor's pid file inside the
// data dir, used by `server stop`/`server restart` to locate the running
// instance and by `server start` to detect a stale one.
func PidFilePath(dataDir string) string {
	return dataDir + string(os.PathSeparator) + "blueplane.pid"
}

// WritePidFile records the current process id, owner-only permissions.
func WritePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// RemovePidFile deletes the pid file, ignoring a not-exist error (the
// common "already cleaned up" case on a second stop).
func RemovePidFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReadPidFile returns the pid recorded at path, or 0 if it doesn't exist.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: malformed contents: %w", err)
	}
	return pid, nil
}

// IsRunningBlueplane reports whether pid is both alive and actually a
// blueplane process, so a recycled pid belonging to an unrelated process
// isn't mistaken for a still-running prior instance.
func IsRunningBlueplane(pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("pidfile: find process %d: %w", pid, err)
	}
	if proc == nil {
		return false, nil
	}
	return strings.Contains(proc.Executable(), "blueplane"), nil
}
