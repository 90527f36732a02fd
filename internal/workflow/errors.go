package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("request not found")
	ErrNoPendingQuestion = errors.New("no pending question for request")
	ErrQuestionPending   = errors.New("a question is already pending for request")
	ErrCancelled         = errors.New("request cancelled")
	ErrTerminated        = errors.New("request terminated")
	ErrNotSuspended      = errors.New("request is not waiting for an answer")
	ErrInvalidTransition = errors.New("ticket transition not allowed")
)

// FieldError is one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError rejects a payload before it enters the pipeline.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records an invalid field.
func (e *ValidationError) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// OrNil returns e when any field failed, otherwise nil.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ParseError means model output could not be turned into a record.
type ParseError struct {
	Stage  StageName
	Reason string
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s output: %s", e.Stage, e.Reason)
}

// ExternalServiceError is a collaborator failure that survived retries.
type ExternalServiceError struct {
	Service  string
	Op       string
	Attempts int
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Service, e.Op, e.Attempts, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

// RetrievalError is a document retrieval failure.
type RetrievalError struct {
	Err error
}

func (e *RetrievalError) Error() string {
	return "retrieval failed: " + e.Err.Error()
}

func (e *RetrievalError) Unwrap() error {
	return e.Err
}

// FatalError is an unexpected failure inside a stage, including panics.
type FatalError struct {
	Stage StageName
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// ConcurrentModificationError rejects a write made against a stale version.
type ConcurrentModificationError struct {
	RequestID string
	Expected  int64
	Actual    int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("request %s modified concurrently: expected version %d, found %d", e.RequestID, e.Expected, e.Actual)
}

// IsConcurrentModification reports whether err is a stale-version rejection.
func IsConcurrentModification(err error) bool {
	var cm *ConcurrentModificationError
	return errors.As(err, &cm)
}

// classify maps a stage error onto the error taxonomy.
func classify(err error) (ErrorKind, Severity) {
	var (
		parseErr     *ParseError
		externalErr  *ExternalServiceError
		retrievalErr *RetrievalError
		validation   *ValidationError
	)
	switch {
	case errors.As(err, &parseErr):
		return KindParse, SeverityMedium
	case errors.As(err, &externalErr):
		return KindExternalService, SeverityHigh
	case errors.As(err, &retrievalErr):
		return KindRetrieval, SeverityMedium
	case errors.As(err, &validation):
		return KindValidation, SeverityMedium
	default:
		return KindFatal, SeverityCritical
	}
}
