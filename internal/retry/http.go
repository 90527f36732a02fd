package retry

import (
	"fmt"
	"net/http"
)

// ClassifyHTTPStatus wraps a non-success response as transient or fatal.
// Rate limiting and server errors are retried; everything else is not.
func ClassifyHTTPStatus(service string, statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("%s API error (status %d): %s", service, statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		return NewFatalError(err)
	}
}
