package llm

import (
	"errors"
	"fmt"
)

var errNotConfigured = errors.New("no model endpoint configured")

// TimeoutError means every attempt ran out of time.
type TimeoutError struct {
	Role     string
	Model    string
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("model %s (%s) timed out after %d attempt(s): %v", e.Role, e.Model, e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// ProviderError is any other failure reported by or on the way to the provider.
type ProviderError struct {
	Role     string
	Model    string
	Status   int
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("model %s (%s) failed with status %d after %d attempt(s): %v", e.Role, e.Model, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("model %s (%s) failed after %d attempt(s): %v", e.Role, e.Model, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
