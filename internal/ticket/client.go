package ticket

import (
	"context"

	"helpdesk/api/internal/workflow"
)

// Issue is the external view of a ticket.
type Issue struct {
	ID     string
	Key    string
	Status workflow.TicketStatus
}

type CreateInput struct {
	Summary     string
	Description string
	IssueType   string
	Priority    string
	Labels      []string
	// ExternalKey is a label unique to the request, used to find a ticket
	// created by an earlier attempt.
	ExternalKey string
}

type TransitionInput struct {
	To         workflow.TicketStatus
	Comment    string
	Assignee   string
	Resolution string
}

// Client talks to the ticketing system. Implementations return
// retry.TransientError / retry.FatalError to steer retries.
type Client interface {
	// Find returns the ticket labelled externalKey, or nil when there is none.
	Find(ctx context.Context, externalKey string) (*Issue, error)
	Create(ctx context.Context, in CreateInput) (Issue, error)
	Transition(ctx context.Context, id string, in TransitionInput) error
	Comment(ctx context.Context, id, body string) error
}
