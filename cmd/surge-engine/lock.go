package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// instanceLock guards against two CLI invocations racing over the same
// state file by holding an exclusive file lock for the process lifetime.
type instanceLock struct {
	flock *flock.Flock
}

func lockPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, "dashfetch")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "engine.lock"), nil
}

// acquireLock attempts to take the single-instance lock. ok is false if
// another instance already holds it.
func acquireLock() (*instanceLock, bool, error) {
	path, err := lockPath()
	if err != nil {
		return nil, false, fmt.Errorf("resolving lock path: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return &instanceLock{flock: fl}, true, nil
}

func (l *instanceLock) release() {
	if l != nil && l.flock != nil {
		l.flock.Unlock()
	}
}
