// Package flock keeps two spot managers from driving the same fleet.
package flock

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// ErrLocked is returned when another process holds the lock
var ErrLocked = errors.New("another spot manager is running with these settings")

// FileLock provides cross-process mutual exclusion using flock(2)
type FileLock struct {
	path string
	file *os.File
}

// ForSettings returns a lock in dir keyed by the absolute path of the
// settings file, so runs with different settings do not exclude each other.
func ForSettings(dir, settingsPath string) (*FileLock, error) {
	abs, err := filepath.Abs(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("resolve settings path: %w", err)
	}
	sum := sha1.Sum([]byte(abs))
	name := "spot-manager-" + hex.EncodeToString(sum[:])[:12] + ".lock"
	return &FileLock{path: filepath.Join(dir, name)}, nil
}

// Path returns the lock file path
func (fl *FileLock) Path() string {
	return fl.path
}

// TryLock attempts to acquire the lock without blocking.
// Returns true if the lock was acquired, false if it is held by another process.
func (fl *FileLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(fl.path), 0o755); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	fl.file = f
	return true, nil
}

// Acquire takes the lock or returns ErrLocked
func (fl *FileLock) Acquire() error {
	ok, err := fl.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w (%s)", ErrLocked, fl.path)
	}
	return nil
}

// Unlock releases the file lock and closes the lock file.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = fl.file.Close()
		fl.file = nil
		return fmt.Errorf("funlock: %w", err)
	}

	err := fl.file.Close()
	fl.file = nil
	return err
}
