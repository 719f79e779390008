// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/utils"
)

const (
	DefaultBaseBackoff   = 5 * time.Second
	DefaultMaxBackoff    = time.Hour
	DefaultBackoffJitter = 0.1
)

// Backoff computes retry delays: Base doubled per previous failure, capped
// at Max. Jitter only ever adds, by up to that fraction, and never pushes
// the delay past Max. With Jitter below 1 the delay for attempt n+1 is
// strictly greater than for attempt n until the cap is reached.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: DefaultBaseBackoff, Max: DefaultMaxBackoff, Jitter: DefaultBackoffJitter}
}

// Delay returns the wait after the given number of failed attempts
// (1 for the first failure).
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		d = min(utils.JitterUp(d, b.Jitter), b.Max)
	}
	return d
}

// withRetryAfter raises d to the collector's requested delay, still capped.
func (b Backoff) withRetryAfter(d, retryAfter time.Duration) time.Duration {
	if retryAfter > d {
		d = retryAfter
	}
	return min(d, b.Max)
}
