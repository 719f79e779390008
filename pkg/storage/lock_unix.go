// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd

package storage

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// folderLock is an advisory flock(2) on the folder's .lock file. Every
// process sharing the folder opens its own descriptor, so the kernel
// arbitrates between them; a crashed holder's lock is released with its
// descriptor.
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
	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

func (l *folderLock) unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

func (l *folderLock) close() error {
	return l.f.Close()
}

// syncDir makes renames and unlinks in dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
