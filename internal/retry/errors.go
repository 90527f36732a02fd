package retry

import (
	"context"
	"errors"
)

// TransientError represents a temporary failure that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{err: err}
}

// FatalError represents a permanent failure that must not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{err: err}
}

// IsTransient reports whether err is marked transient.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err is marked fatal.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsTimeout reports whether err came from an attempt deadline.
func IsTimeout(err error) bool {
	return IsTransient(err) && errors.Is(err, context.DeadlineExceeded)
}
