// Package checkpoint persists RequestState with optimistic versioning and
// exposes the question queue projection kept alongside it.
package checkpoint

import (
	"context"

	"helpdesk/api/internal/hil"
	"helpdesk/api/internal/workflow"
)

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	WorkflowStatus workflow.WorkflowStatus
	RequestStatus  workflow.RequestStatus
	RequesterEmail string
	Category       string
	Priority       workflow.Priority
	Limit          int
	Offset         int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 200 {
		return 50
	}
	return f.Limit
}

func (f ListFilter) match(st workflow.RequestState) bool {
	if f.WorkflowStatus != "" && st.WorkflowStatus != f.WorkflowStatus {
		return false
	}
	if f.RequestStatus != "" && st.RequestStatus != f.RequestStatus {
		return false
	}
	if f.RequesterEmail != "" && st.Requester.Email != f.RequesterEmail {
		return false
	}
	if f.Category != "" && st.Payload.Category != f.Category {
		return false
	}
	if f.Priority != "" && st.Payload.Priority != f.Priority {
		return false
	}
	return true
}

// Store is the full persistence surface used by the service.
type Store interface {
	workflow.CheckpointStore
	hil.Queue
	List(ctx context.Context, f ListFilter) ([]workflow.RequestState, error)
	// ListByWorkflowStatus returns request ids, oldest first.
	ListByWorkflowStatus(ctx context.Context, status workflow.WorkflowStatus) ([]string, error)
	Ping(ctx context.Context) error
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
