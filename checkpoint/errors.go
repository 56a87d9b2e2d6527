package checkpoint

import (
	"errors"
	"fmt"
	"net/http"
)

// Caller contract violations. They are never retried.
var (
	ErrMissingThreadID     = errors.New("checkpoint: 'thread_id' is required in config")
	ErrMissingCheckpointID = errors.New("checkpoint: 'checkpoint_id' is required in config")
	ErrCheckpointWithoutID = errors.New("checkpoint: checkpoint must have an 'id' field")
	ErrInvalidFilter       = errors.New("checkpoint: invalid metadata filter key")
)

// Lifecycle errors.
var (
	ErrNotInitialized = errors.New("checkpoint: saver not initialized, call Setup first")
	ErrClosed         = errors.New("checkpoint: saver is closed")
)

// StatusError is a backing-store failure carrying an HTTP-style status code.
// Backends translate their native errors into it so that the retry policy can
// tell transient failures from permanent ones.
type StatusError struct {
	StatusCode int
	Op         string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("store error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: store error (status %d): %v", e.Op, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a 503 StatusError. Backends use it for failures
// that are expected to clear on their own (busy, locked, loading, timeouts).
func Unavailable(op string, err error) error {
	return &StatusError{StatusCode: http.StatusServiceUnavailable, Op: op, Err: err}
}

// IsTransient reports whether err is a rate-limited (429) or
// service-unavailable (503) store failure.
func IsTransient(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.StatusCode == http.StatusTooManyRequests ||
		se.StatusCode == http.StatusServiceUnavailable
}
