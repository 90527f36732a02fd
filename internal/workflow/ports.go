package workflow

import (
	"context"
	"time"

	"helpdesk/api/internal/events"
)

// Stage is one pipeline step. Run receives a private copy of the committed
// state and returns the proposed next state. Failures are returned as typed
// errors (ParseError, ExternalServiceError, RetrievalError, FatalError); the
// Engine turns them into error records and fallback state.
type Stage interface {
	Name() StageName
	Run(ctx context.Context, st RequestState) (RequestState, Outcome, error)
}

// CheckpointStore persists RequestState with optimistic versioning.
type CheckpointStore interface {
	// Create stores a new request at version 1.
	Create(ctx context.Context, st RequestState) (RequestState, error)
	// Load returns the latest committed state or ErrNotFound.
	Load(ctx context.Context, requestID string) (RequestState, error)
	// Save writes st if the stored version equals st.Version and returns the
	// state at the incremented version, or a *ConcurrentModificationError.
	Save(ctx context.Context, st RequestState) (RequestState, error)
}

// Approvals manages human-in-the-loop questions inside a RequestState.
type Approvals interface {
	Open(st *RequestState, spec QuestionSpec, now time.Time) (Question, error)
	Answer(st *RequestState, ans Answer, now time.Time) (Question, error)
	Finalize(st *RequestState, questionID string, status QuestionStatus, now time.Time) error
	Withdraw(st *RequestState, questionID string, now time.Time) error
	Escalate(st *RequestState, questionID string, now time.Time) (Question, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) (events.Event, error)
}

// Archiver stores snapshots of requests that reached a final status.
type Archiver interface {
	Archive(ctx context.Context, st RequestState) error
}

// TicketReconciler retries a ticket transition left pending by an earlier failure.
type TicketReconciler interface {
	Reconcile(ctx context.Context, st *RequestState) error
}

// Recorder receives engine metrics.
type Recorder interface {
	StageCompleted(stage StageName, outcome Outcome, elapsed time.Duration)
	Suspended(status RequestStatus)
	Finished(status WorkflowStatus)
	Escalated()
}

type nopRecorder struct{}

func (nopRecorder) StageCompleted(StageName, Outcome, time.Duration) {}
func (nopRecorder) Suspended(RequestStatus)                          {}
func (nopRecorder) Finished(WorkflowStatus)                          {}
func (nopRecorder) Escalated()                                       {}

type nopPublisher struct{}

func (nopPublisher) Publish(_ context.Context, ev events.Event) (events.Event, error) {
	return ev, nil
}
