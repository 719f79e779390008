// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package compression compresses transmission payloads before they are
// persisted and posted. The algorithm name doubles as the HTTP
// Content-Encoding value sent to the collector.
package compression

import "fmt"

// Algorithm represents a compression algorithm
type Algorithm string

const (
	// None indicates no compression
	None Algorithm = "none"
	// Gzip is the encoding every HTTP collector understands
	Gzip Algorithm = "gzip"
	// LZ4 uses the LZ4 frame format (fast, moderate ratio)
	LZ4 Algorithm = "lz4"
	// ZSTD uses Zstandard (balanced speed/ratio)
	ZSTD Algorithm = "zstd"
	// S2 uses klauspost's S2 block format
	S2 Algorithm = "s2"
)

// IsValid returns true if the algorithm is recognized
func (a Algorithm) IsValid() bool {
	switch a {
	case None, Gzip, LZ4, ZSTD, S2:
		return true
	default:
		return false
	}
}

// String returns the string representation of the algorithm
func (a Algorithm) String() string {
	return string(a)
}

// ContentEncoding returns the HTTP Content-Encoding header value, or "" for
// uncompressed payloads.
func (a Algorithm) ContentEncoding() string {
	if a == None || a == "" {
		return ""
	}
	return string(a)
}

// ParseAlgorithm parses a string into an Algorithm. An empty string means
// None; anything unrecognized is an error.
func ParseAlgorithm(s string) (Algorithm, error) {
	if s == "" {
		return None, nil
	}
	algo := Algorithm(s)
	if !algo.IsValid() {
		return None, fmt.Errorf("unknown compression algorithm %q", s)
	}
	return algo, nil
}

// FromContentEncoding maps a Content-Encoding header value back to an
// Algorithm. Empty and "identity" mean None.
func FromContentEncoding(s string) (Algorithm, error) {
	if s == "" || s == "identity" {
		return None, nil
	}
	return ParseAlgorithm(s)
}
