package paths

import (
	"os"
	"path/filepath"
)

// Runtime resolves the filesystem locations a daemon uses for its lock
// file, PID file, published state file, and persistent data, given a
// daemon name and the config-supplied runtime/data directories. Empty
// config values fall back to XDG-ish conventions so daemons run
// sensibly with an empty config.
type Runtime struct {
	Daemon     string
	RuntimeDir string
	DataDir    string
	CacheDir   string
}

// NewRuntime applies fallback defaults for any empty directory and
// expands home-directory tildes.
func NewRuntime(daemon, runtimeDir, dataDir, cacheDir string) Runtime {
	if runtimeDir == "" {
		runtimeDir = filepath.Join(os.TempDir(), "botfleet")
	}
	if dataDir == "" {
		dataDir = "./data"
	}
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "botfleet", "cache")
	}
	return Runtime{
		Daemon:     daemon,
		RuntimeDir: expandHome(runtimeDir),
		DataDir:    expandHome(dataDir),
		CacheDir:   expandHome(cacheDir),
	}
}

// LockPath is the flock target used for single-instance enforcement.
func (r Runtime) LockPath() string {
	return filepath.Join(r.RuntimeDir, r.Daemon+".lock")
}

// PIDPath holds the running process's PID for operator inspection.
func (r Runtime) PIDPath() string {
	return filepath.Join(r.RuntimeDir, r.Daemon+".pid")
}

// StateFilePath is where StateFilePublisher atomically writes its
// published JSON state snapshot.
func (r Runtime) StateFilePath() string {
	return filepath.Join(r.RuntimeDir, r.Daemon+".state.json")
}

// StateDigestPath is where StateFilePublisher writes the rendered
// Markdown digest of the most recent errors.
func (r Runtime) StateDigestPath() string {
	return filepath.Join(r.RuntimeDir, r.Daemon+".digest.md")
}

// DBPath is the daemon's SQLite database file under DataDir.
func (r Runtime) DBPath() string {
	return filepath.Join(r.DataDir, r.Daemon+".db")
}

// SnapshotDir holds RecoverySnapshot files.
func (r Runtime) SnapshotDir() string {
	return filepath.Join(r.DataDir, "snapshots")
}

// EnsureDirs creates RuntimeDir, DataDir, CacheDir, and SnapshotDir if
// they do not already exist.
func (r Runtime) EnsureDirs() error {
	for _, dir := range []string{r.RuntimeDir, r.DataDir, r.CacheDir, r.SnapshotDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
