// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"bytes"
	"hash"
	"hash/crc32"
	"sync"
)

var (
	bufferPool = sync.Pool{
		New: func() any {
			return new(bytes.Buffer)
		},
	}
	crc32Pool = sync.Pool{
		New: func() any {
			return crc32.NewIEEE()
		},
	}
)

func SyncPoolGetBuffer() *bytes.Buffer {
	return bufferPool.Get().(*bytes.Buffer)
}

func SyncPoolPutBuffer(buffer *bytes.Buffer) {
	buffer.Reset()
	bufferPool.Put(buffer)
}

func Crc32PoolGetHasher() hash.Hash32 {
	return crc32Pool.Get().(hash.Hash32)
}

func Crc32PoolPutHasher(h hash.Hash32) {
	h.Reset()
	crc32Pool.Put(h)
}
