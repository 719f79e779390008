package utils

import (
	"math/rand/v2"
	"time"
)

// Jitter spreads base by up to ±fraction so that peers sharing a schedule
// do not fire together.
//
// Example: Jitter(time.Second, 0.1) returns 900ms-1.1s
func Jitter(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || base <= 0 {
		return base
	}
	if fraction > 1 {
		fraction = 1
	}
	spread := float64(base) * fraction
	return base + time.Duration((rand.Float64()*2-1)*spread)
}

// JitterUp only lengthens base, by up to fraction of it. Retry delays use
// it so that a computed minimum is never undercut.
//
// Example: JitterUp(time.Minute, 0.25) returns 60s-75s
func JitterUp(base time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || base <= 0 {
		return base
	}
	return base + time.Duration(rand.Float64()*float64(base)*fraction)
}
