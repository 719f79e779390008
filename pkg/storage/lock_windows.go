// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

//go:build windows

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// folderLock holds an exclusive LockFileEx byte-range lock on the folder's
// .lock file.
type folderLock struct {
	f *os.File
}

func openFolderLock(path string) (*folderLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &folderLock{f: f}, nil
}

func (l *folderLock) lock() error {
	ol := new(windows.Overlapped)
	return windows.LockFileEx(windows.Handle(l.f.Fd()), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, ol)
}

func (l *folderLock) unlock() error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, 1, 0, ol)
}

func (l *folderLock) close() error {
	return l.f.Close()
}

// NTFS journals renames; there is no directory handle to flush.
func syncDir(string) error { return nil }
