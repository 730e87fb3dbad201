package procreg

import (
	"fmt"
	"os"
	"sync"
	"time"
)

const lockPollInterval = 25 * time.Millisecond

// fileLock is a cross-process exclusive lock on a sidecar file. The mutex
// serializes holders within this process, since flock on two descriptors of
// one process would otherwise be tracked separately.
type fileLock struct {
	path string
	mu   sync.Mutex
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// Lock polls for the lock until timeout elapses and returns the release func.
func (fl *fileLock) Lock(timeout time.Duration) (func() error, error) {
	fl.mu.Lock()

	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		fl.mu.Unlock()
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		ok, err := tryLockFile(f)
		if err != nil {
			_ = f.Close()
			fl.mu.Unlock()
			return nil, fmt.Errorf("lock %s: %w", fl.path, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			fl.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, fl.path)
		}
		time.Sleep(lockPollInterval)
	}

	return func() error {
		defer fl.mu.Unlock()
		err := unlockFile(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
