package lock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquirePIDLockRecordsOwner(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cobalt.lock")
	l, err := AcquirePIDLock(lockPath, "node-1")
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	pid, host := ReadOwner(lockPath)
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
	if host != "node-1" {
		t.Fatalf("host = %q, want node-1", host)
	}
}

func TestSecondAcquireReportsHolder(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "cobalt.lock")
	first, err := AcquirePIDLock(lockPath, "node-1")
	if err != nil {
		t.Fatalf("first AcquirePIDLock: %v", err)
	}

	// flock is per open file description, so a second open in this process
	// conflicts like another process would.
	_, err = AcquirePIDLock(lockPath, "node-2")
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second AcquirePIDLock error = %v, want ErrHeld", err)
	}
	var held *HeldError
	if !errors.As(err, &held) || held.PID != os.Getpid() || held.Host != "node-1" {
		t.Fatalf("held = %+v", held)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := AcquirePIDLock(lockPath, "node-2")
	if err != nil {
		t.Fatalf("AcquirePIDLock after release: %v", err)
	}
	_ = again.Release()
}

func TestReadOwnerMissingFile(t *testing.T) {
	t.Parallel()

	pid, host := ReadOwner(filepath.Join(t.TempDir(), "none.lock"))
	if pid != 0 || host != "" {
		t.Fatalf("ReadOwner = (%d, %q), want zero values", pid, host)
	}
}
