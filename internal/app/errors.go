package app

import (
	"errors"
	"fmt"
	"net/http"

	"helpdesk/api/internal/auth"
	"helpdesk/api/internal/report"
	"helpdesk/api/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errNotFound  = domainError(http.StatusNotFound, "NOT_FOUND", "Request not found", nil)
	errNoPolicy  = domainError(http.StatusServiceUnavailable, "POLICIES_UNAVAILABLE", "No policy repository configured", nil)
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var validation *workflow.ValidationError
	if errors.As(err, &validation) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", validation.Fields
	}
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Request not found", nil
	case errors.Is(err, workflow.ErrNoPendingQuestion):
		return http.StatusConflict, "NO_PENDING_QUESTION", "Request has no pending question", nil
	case errors.Is(err, workflow.ErrCancelled):
		return http.StatusConflict, "REQUEST_CANCELLED", "Request was cancelled", nil
	case errors.Is(err, workflow.ErrTerminated):
		return http.StatusConflict, "REQUEST_TERMINATED", "Request already finished", nil
	case errors.Is(err, workflow.ErrNotSuspended):
		return http.StatusConflict, "REQUEST_NOT_SUSPENDED", "Request is still processing, retry once it is waiting for review", nil
	case workflow.IsConcurrentModification(err):
		return http.StatusConflict, "CONCURRENT_MODIFICATION", "Request changed concurrently, retry", nil
	case errors.Is(err, report.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Format must be html or pdf", nil
	case errors.Is(err, report.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
