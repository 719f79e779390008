//go:build !(darwin || dragonfly || freebsd || linux || netbsd || openbsd || windows)

package storage

import (
	"fmt"
	"os"
	"sync"
)

// Platforms without advisory locks only get in-process exclusion.
type folderLock struct {
	f  *os.File
	mu sync.Mutex
}

func openFolderLock(path string) (*folderLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &folderLock{f: f}, nil
}

func (l *folderLock) lock() error   { l.mu.Lock(); return nil }
func (l *folderLock) unlock() error { l.mu.Unlock(); return nil }
func (l *folderLock) close() error  { return l.f.Close() }

func syncDir(string) error { return nil }
