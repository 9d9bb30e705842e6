// pattern: Imperative Shell
package lock

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

const lockFileName = "taskmasterd.lock"

// Acquire takes an exclusive file lock for single-instance enforcement,
// under dataDir. Returns the flock handle (caller must defer Release) or
// an error if another taskmasterd instance already holds the lock.
func Acquire(dataDir string) (*flock.Flock, error) {
	lockPath := filepath.Join(dataDir, lockFileName)
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another taskmasterd instance is already running against %s", dataDir)
	}
	return fl, nil
}

// Release unlocks fl. Safe to call with a nil handle.
func Release(fl *flock.Flock) {
	if fl != nil {
		_ = fl.Unlock()
	}
}
