package storage

import "errors"

var (
	// ErrQuotaExceeded means the write would push the folder past its byte
	// or file-count quota. Nothing was written.
	ErrQuotaExceeded = errors.New("storage: quota exceeded")

	// ErrEmpty means no transmission is currently eligible for sending.
	ErrEmpty = errors.New("storage: no transmission available")

	// ErrLeaseLost means the lease expired and was reclaimed by another
	// worker or process.
	ErrLeaseLost = errors.New("storage: lease lost")

	ErrCorrupt = errors.New("storage: corrupt transmission")
	ErrClosed  = errors.New("storage: closed")
)
