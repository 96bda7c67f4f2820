package order

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("invalid order request")
	ErrRouting           = errors.New("routing failed")
	ErrSlippageExceeded  = errors.New("slippage exceeded")
	ErrPersistence       = errors.New("persistence failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("order not found")
)

// ValidationError describes a malformed submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order request: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SlippageError is returned when the executed output falls below the floor.
type SlippageError struct {
	Expected float64 // minimum acceptable output
	Actual   float64
}

func (e *SlippageError) Error() string {
	return fmt.Sprintf("Slippage exceeded: expected %v, got %v", e.Expected, e.Actual)
}

func (e *SlippageError) Is(target error) bool { return target == ErrSlippageExceeded }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether retrying err cannot change the outcome.
// Slippage and validation failures are always permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) ||
		errors.Is(err, ErrSlippageExceeded) ||
		errors.Is(err, ErrValidation)
}
