//go:build !unix

package storage

import (
	"errors"
	"os"
	"sync"
)

var errLockHeld = errors.New("lock held")

// Without flock the lock only guards writers inside this process.
var (
	heldMu sync.Mutex
	held   = map[string]bool{}
)

func lockFile(f *os.File) error {
	heldMu.Lock()
	defer heldMu.Unlock()
	if held[f.Name()] {
		return errLockHeld
	}
	held[f.Name()] = true
	return nil
}

func unlockFile(f *os.File) {
	heldMu.Lock()
	defer heldMu.Unlock()
	delete(held, f.Name())
}
