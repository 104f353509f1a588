package session

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyKey is returned for an empty or blank session key.
	ErrEmptyKey = errors.New("session key cannot be empty")
	// ErrClosed is returned by a backend used after Close.
	ErrClosed = errors.New("session backend is closed")
)

// InitError reports that durable storage for a session could not be
// initialized. The key stays unregistered so a later call retries.
type InitError struct {
	Key string
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("failed to initialize session %q: %v", e.Key, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}
