// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package storage

import "os"

// fdatasync falls back to a full fsync outside Linux.
func fdatasync(f *os.File) error {
	return f.Sync()
}
