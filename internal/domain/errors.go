package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNoAgentAvailable  = errors.New("no agent available")
	ErrInvalidTransition = errors.New("invalid conversation transition")
	ErrForbidden         = errors.New("actor may not perform this action")
	ErrInvalidBroadcast  = errors.New("invalid broadcast")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// StoreError marks a persistence failure as retryable for the caller.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// Unavailable wraps a store error. nil stays nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
