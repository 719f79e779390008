//go:build !(darwin || freebsd || linux || windows)

package storage

import "errors"

func diskSpace(string) (uint64, uint64, error) {
	return 0, 0, errors.New("free space unavailable on this platform")
}
