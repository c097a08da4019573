package mirror

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFileName sits at the root of the media directory.
const LockFileName = ".lock"

// LockMediaDir creates baseDir if needed and takes an exclusive, non-blocking
// file lock on it. The engine assumes it is the only writer of the tree.
func LockMediaDir(baseDir string) (*flock.Flock, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, &FileSystemError{Op: "mkdir", Path: baseDir, Err: err}
	}
	lock := flock.New(filepath.Join(baseDir, LockFileName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire media dir lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("media dir %s is in use by another process", baseDir)
	}
	return lock, nil
}
