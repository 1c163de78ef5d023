package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// InstanceLock guards a state directory against two engine processes
// managing the same strategies at once.
type InstanceLock struct {
	path string
}

// AcquireInstanceLock creates the lock file exclusively, recording pid and
// start time. A stale lock from a dead process older than staleAfter is
// taken over.
func AcquireInstanceLock(root string, staleAfter time.Duration) (*InstanceLock, error) {
	path := filepath.Join(root, ".instance.lock")
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			content := fmt.Sprintf("pid=%d\nstarted=%d\n", os.Getpid(), time.Now().UTC().Unix())
			if _, werr := f.WriteString(content); werr != nil {
				_ = f.Close()
				_ = os.Remove(path)
				return nil, werr
			}
			if cerr := f.Close(); cerr != nil {
				_ = os.Remove(path)
				return nil, cerr
			}
			return &InstanceLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if staleAfter <= 0 || !lockIsStale(path, staleAfter) {
			return nil, fmt.Errorf("instance lock exists: %s", path)
		}
		_ = os.Remove(path)
	}
	return nil, fmt.Errorf("instance lock exists: %s", path)
}

func lockIsStale(path string, staleAfter time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return time.Since(info.ModTime()) > staleAfter
}

// Release removes the lock file.
func (l *InstanceLock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
