// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidConfig is returned synchronously by constructors and setters.
	ErrInvalidConfig = errors.New("channel: invalid configuration")

	ErrClosed = errors.New("channel: closed")

	// ErrPermanentFailure matches a DeliveryError the collector will never
	// accept, such as a 400 for a malformed payload.
	ErrPermanentFailure = errors.New("channel: permanent delivery failure")
)

// DeliveryError describes a non-2xx response from the collector.
type DeliveryError struct {
	StatusCode int
	// RetryAfter is the delay the collector asked for, zero if none.
	RetryAfter time.Duration
	Permanent  bool
}

func (e *DeliveryError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s delivery failure: status %d, retry after %s", kind, e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("%s delivery failure: status %d", kind, e.StatusCode)
}

func (e *DeliveryError) Is(target error) bool {
	return target == ErrPermanentFailure && e.Permanent
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
