package run

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// SessionLock serializes sessions and maintenance on one target.
type SessionLock struct {
	file *os.File
}

func openLockFile(stateDir string) (*os.File, error) {
	locksDir := filepath.Join(stateDir, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(locksDir, "session.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return file, nil
}

// AcquireSessionLock blocks until <stateDir>/locks/session.lock is held.
func AcquireSessionLock(stateDir string) (*SessionLock, error) {
	file, err := openLockFile(stateDir)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("lock session.lock: %w", err)
	}
	return &SessionLock{file: file}, nil
}

// TryAcquireSessionLock attempts to acquire the lock without blocking.
func TryAcquireSessionLock(stateDir string) (*SessionLock, bool, error) {
	file, err := openLockFile(stateDir)
	if err != nil {
		return nil, false, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, false, nil
	}
	return &SessionLock{file: file}, true, nil
}

// Release releases the lock.
func (l *SessionLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
