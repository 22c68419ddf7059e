package service

import "errors"

var (
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrConflictNotPending = errors.New("entry is not awaiting manual resolution")
	ErrInvalidResolution  = errors.New("invalid resolution")
	ErrMergedDataRequired = errors.New("mergedData is required for merge resolution")
	ErrInvalidRequest     = errors.New("invalid request")
)

// ValidationError wraps a request that failed struct validation.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}
