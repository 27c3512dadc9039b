package harness

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// LockToken is a file-backed exclusive advisory lock plus a PID file,
// held for the entire process lifetime. At most one process may hold
// the token for a given daemon name at a time.
type LockToken struct {
	flock   *flock.Flock
	pidPath string
}

// AcquireLock takes the exclusive lock at lockPath and writes the
// current PID to pidPath. If the lock is already held, AcquireLock
// returns an error naming the PID found in pidPath (best-effort; the
// file may be stale).
func AcquireLock(lockPath, pidPath string) (*LockToken, error) {
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
	}
	if !locked {
		existing := readPID(pidPath)
		if existing != "" {
			return nil, fmt.Errorf("another instance is already running (pid %s)", existing)
		}
		return nil, fmt.Errorf("another instance is already running")
	}

	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("write pid file %s: %w", pidPath, err)
	}

	return &LockToken{flock: fl, pidPath: pidPath}, nil
}

// Release unlocks the file and removes the PID file. Safe to call more
// than once.
func (t *LockToken) Release() error {
	if t == nil {
		return nil
	}
	os.Remove(t.pidPath)
	if t.flock != nil {
		return t.flock.Unlock()
	}
	return nil
}

func readPID(pidPath string) string {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
