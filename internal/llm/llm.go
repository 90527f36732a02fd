// Package llm calls language models for the classification and planning stages.
package llm

import "context"

// Roles used by the stages.
const (
	RoleClassifier = "classifier"
	RolePlanner    = "planner"
)

// Request is one model call. Prompt is the system instruction; Input is the
// request-specific content.
type Request struct {
	Role        string
	Model       string
	Prompt      string
	Input       string
	MaxTokens   int
	Temperature float64
}

// Caller returns the model's text. Failures are *TimeoutError or *ProviderError.
type Caller interface {
	Call(ctx context.Context, req Request) (string, error)
}

// Unavailable is the caller used when no model endpoint is configured. Every
// call fails, so stages fall back to human review.
type Unavailable struct{}

func (Unavailable) Call(_ context.Context, req Request) (string, error) {
	return "", &ProviderError{Role: req.Role, Model: req.Model, Err: errNotConfigured}
}
