package stages

import (
	"context"
	"errors"
	"fmt"

	"helpdesk/api/internal/workflow"
)

// SyncTicket carries out the state's sync intent. A deferred sync is not a
// failure of the request: the pending work stays on the ticket record for
// reconciliation and the pipeline continues.
type SyncTicket struct {
	deps Deps
}

func (s *SyncTicket) Name() workflow.StageName { return workflow.StageSyncTicket }

func (s *SyncTicket) Run(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
	if st.SyncIntent == nil {
		return st, "", &workflow.FatalError{Stage: workflow.StageSyncTicket, Err: errors.New("no sync intent")}
	}
	err := s.deps.Tickets.Sync(ctx, &st, *st.SyncIntent)
	switch {
	case err == nil:
		return st, workflow.OutcomeSynced, nil
	case errors.Is(err, workflow.ErrInvalidTransition):
		return st, "", &workflow.FatalError{Stage: workflow.StageSyncTicket, Err: err}
	default:
		var ext *workflow.ExternalServiceError
		if errors.As(err, &ext) {
			return st, workflow.OutcomeSyncDeferred, err
		}
		return st, "", &workflow.FatalError{Stage: workflow.StageSyncTicket, Err: fmt.Errorf("sync ticket: %w", err)}
	}
}
