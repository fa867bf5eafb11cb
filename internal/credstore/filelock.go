package credstore

import (
	"fmt"
	"os"
	"time"
)

// fileLock coordinates store access across processes via a companion .lock
// file created with O_EXCL.
type fileLock struct {
	lockFile *os.File
	lockPath string
}

// acquireFileLock acquires an exclusive lock for the store file. Locks older
// than 30 seconds are considered stale and removed.
func acquireFileLock(path string) (*fileLock, error) {
	lockPath := path + ".lock"
	const maxRetries = 50
	const retryDelay = 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(lockFile, "%d", os.Getpid())
			return &fileLock{lockFile: lockFile, lockPath: lockPath}, nil
		}

		if os.IsExist(err) {
			if info, statErr := os.Stat(lockPath); statErr == nil {
				if time.Since(info.ModTime()) > 30*time.Second {
					if remErr := os.Remove(lockPath); remErr != nil && !os.IsNotExist(remErr) {
						return nil, fmt.Errorf("remove stale lock %s: %w", lockPath, remErr)
					}
					continue
				}
			}
			time.Sleep(retryDelay)
			continue
		}

		return nil, fmt.Errorf("acquire file lock: %w", err)
	}

	return nil, fmt.Errorf("timeout waiting for file lock after %v", maxRetries*retryDelay)
}

// release closes and removes the lock file.
func (fl *fileLock) release() error {
	if fl.lockFile != nil {
		fl.lockFile.Close()
	}
	return os.Remove(fl.lockPath)
}
