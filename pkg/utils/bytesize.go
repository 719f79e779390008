package utils

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
)

// ParseByteSize accepts a plain byte count ("1048576") or a humanized size
// ("10MiB", "512 kB").
func ParseByteSize(s string) (uint64, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, nil
	}

	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	return n, nil
}

// FormatBytes renders n using IEC units, e.g. "10 MiB".
func FormatBytes(n uint64) string {
	return humanize.IBytes(n)
}
