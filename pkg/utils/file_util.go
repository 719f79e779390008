// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// TestWritableDir reports an error unless folder is an existing directory
// with the owner write bit set.
func TestWritableDir(folder string) error {
	info, err := os.Stat(folder)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return os.ErrInvalid
	}

	if info.Mode().Perm()&0200 != 0 {
		return nil
	}

	return os.ErrPermission
}

// ResolvePath expands a leading ~ and environment variables and makes the
// result absolute.
func ResolvePath(path string) string {
	if path == "" {
		return path
	}

	if path == "~" {
		if usr, err := user.Current(); err == nil {
			path = usr.HomeDir
		}
	} else if strings.HasPrefix(path, "~/") {
		if usr, err := user.Current(); err == nil {
			path = filepath.Join(usr.HomeDir, path[2:])
		}
	}

	path = os.ExpandEnv(path)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}

	return path
}
