package domain

import "errors"

var (
	// ErrJobNotFound indicates the specified job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrWriteRetryExhausted marks a store write that kept failing with a
	// transient error after every allowed retry.
	ErrWriteRetryExhausted = errors.New("write retry exhausted")
)
