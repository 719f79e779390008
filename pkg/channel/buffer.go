// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"sync"

	"github.com/LeeDigitalWorks/relay/pkg/telemetry"
)

// Buffer is a bounded, insertion-ordered list of records waiting to be
// flushed. When it is full the incoming record is rejected (drop-newest):
// records already accepted are never displaced, so the same over-capacity
// sequence always loses the same records.
type Buffer struct {
	mu       sync.Mutex
	records  []telemetry.Record
	capacity int
	onFull   func()
}

func NewBuffer(capacity int) (*Buffer, error) {
	if capacity < 1 {
		return nil, invalidf("buffer capacity %d, must be at least 1", capacity)
	}
	return &Buffer{capacity: capacity}, nil
}

// SetOnFull registers fn to run, outside the buffer lock, whenever an
// accepted record fills the buffer.
func (b *Buffer) SetOnFull(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFull = fn
}

// Enqueue appends r and reports whether it was accepted. It never blocks
// on a flush.
func (b *Buffer) Enqueue(r telemetry.Record) bool {
	b.mu.Lock()
	if len(b.records) >= b.capacity {
		b.mu.Unlock()
		bufferDroppedTotal.Inc()
		return false
	}
	b.records = append(b.records, r)
	full := len(b.records) >= b.capacity
	onFull := b.onFull
	b.mu.Unlock()

	bufferEnqueuedTotal.Inc()
	if full && onFull != nil {
		onFull()
	}
	return true
}

// DrainAll removes and returns every buffered record in insertion order.
func (b *Buffer) DrainAll() []telemetry.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.records
	b.records = nil
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// SetCapacity applies to the next Enqueue. Shrinking below the current
// length keeps the records already accepted, rejects new ones until the
// next drain, and fires the full callback so that drain comes early.
func (b *Buffer) SetCapacity(n int) error {
	if n < 1 {
		return invalidf("buffer capacity %d, must be at least 1", n)
	}
	b.mu.Lock()
	b.capacity = n
	full := len(b.records) >= n
	onFull := b.onFull
	b.mu.Unlock()

	if full && onFull != nil {
		onFull()
	}
	return nil
}
