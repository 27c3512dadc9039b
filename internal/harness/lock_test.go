package harness

import (
	"path/filepath"
	"testing"
)

func TestAcquireLock_SecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "test.lock")
	pidPath := filepath.Join(dir, "test.pid")

	tok, err := AcquireLock(lockPath, pidPath)
	if err != nil {
		t.Fatalf("first AcquireLock error: %v", err)
	}
	defer tok.Release()

	if _, err := AcquireLock(lockPath, pidPath); err == nil {
		t.Fatal("second AcquireLock should fail while the first holds the lock")
	}
}

func TestAcquireLock_ReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "test.lock")
	pidPath := filepath.Join(dir, "test.pid")

	tok, err := AcquireLock(lockPath, pidPath)
	if err != nil {
		t.Fatalf("AcquireLock error: %v", err)
	}
	if err := tok.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}

	tok2, err := AcquireLock(lockPath, pidPath)
	if err != nil {
		t.Fatalf("re-AcquireLock after release error: %v", err)
	}
	tok2.Release()
}
