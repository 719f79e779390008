// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// fdatasync flushes file data and the metadata needed to read it back
// (size), skipping timestamps.
func fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
