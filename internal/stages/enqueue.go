package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"helpdesk/api/internal/workflow"
)

// EnqueueApproval opens the human question the request is waiting on, moves
// the ticket to the matching waiting status and notifies the assignee. The
// stage always suspends once a question is pending; ticket and notification
// failures are reported alongside.
type EnqueueApproval struct {
	deps Deps
}

func (s *EnqueueApproval) Name() workflow.StageName { return workflow.StageEnqueueApproval }

func (s *EnqueueApproval) Run(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
	if st.PendingQuestion() == nil {
		if _, err := s.deps.Approvals.Open(&st, s.questionSpec(&st), s.deps.Now()); err != nil {
			return st, "", &workflow.FatalError{Stage: workflow.StageEnqueueApproval, Err: fmt.Errorf("open question: %w", err)}
		}
	}
	q := *st.PendingQuestion()

	var errs []error
	if target := waitingStatus(&st, q); target != "" && st.TicketStatus() != target {
		intent := workflow.SyncIntent{
			Op:        workflow.SyncUpdate,
			Targets:   []workflow.TicketStatus{target},
			Purpose:   purposeOf(&st),
			CreatedAt: s.deps.Now(),
		}
		if err := s.deps.Tickets.Sync(ctx, &st, intent); err != nil {
			if errors.Is(err, workflow.ErrInvalidTransition) {
				return st, "", &workflow.FatalError{Stage: workflow.StageEnqueueApproval, Err: err}
			}
			errs = append(errs, err)
		}
	}
	if s.deps.Notify != nil {
		if err := s.deps.Notify.ApprovalRequested(ctx, &st, q); err != nil {
			errs = append(errs, err)
		}
	}
	return st, workflow.OutcomeSuspended, errors.Join(errs...)
}

func purposeOf(st *workflow.RequestState) workflow.SyncPurpose {
	if st.SyncIntent != nil {
		return st.SyncIntent.Purpose
	}
	return workflow.PurposeClassified
}

// questionSpec derives the question from why the request is waiting.
func (s *EnqueueApproval) questionSpec(st *workflow.RequestState) workflow.QuestionSpec {
	if purposeOf(st) == workflow.PurposeMoreInfo {
		if prev := st.LastAnswered(); prev != nil {
			spec := workflow.QuestionSpec{
				Kind:     prev.Kind,
				Context:  prev.Context,
				Prompt:   prev.Prompt,
				Decision: prev.Decision,
				Priority: prev.Priority,
			}
			if prev.Answer != nil && prev.Answer.Notes != "" {
				spec.Prompt = fmt.Sprintf("%s\n\nMore information requested by %s: %s", prev.Prompt, prev.Answer.AnsweredBy, prev.Answer.Notes)
			}
			if prev.Context == workflow.ContextExecution {
				spec.Assignee = prev.Assignee
			}
			return spec
		}
	}
	if st.Execution != nil && purposeOf(st) == workflow.PurposeExecutionAwaiting {
		return s.followUpSpec(st)
	}
	return s.reviewSpec(st)
}

func (s *EnqueueApproval) reviewSpec(st *workflow.RequestState) workflow.QuestionSpec {
	spec := workflow.QuestionSpec{
		Context:  workflow.ContextReview,
		Decision: st.Decision.Effective(),
		Priority: st.Payload.Priority,
	}
	risk := workflow.RiskMedium
	if st.Decision != nil {
		risk = st.Decision.Risk
	}
	spec.Risk = risk

	switch {
	case st.Routing != nil && len(st.Routing.Conflicts) > 0:
		spec.Kind = workflow.KindPolicyInterpretation
	case spec.Decision == workflow.DecisionRequiresApproval:
		spec.Kind = workflow.KindApprovalDecision
	case risk == workflow.RiskCritical:
		spec.Kind = workflow.KindRiskAssessment
	default:
		spec.Kind = workflow.KindClassificationReview
	}
	if st.Routing != nil && st.Routing.Escalate && spec.Priority.Rank() < workflow.PriorityHigh.Rank() {
		spec.Priority = workflow.PriorityHigh
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review %q from %s.", st.Payload.Title, st.Requester.Name)
	if st.Decision != nil {
		fmt.Fprintf(&b, " Automated classification: %s (confidence %.2f).", st.Decision.Decision, st.Decision.Confidence)
		if st.Decision.Justification != "" {
			fmt.Fprintf(&b, " %s", st.Decision.Justification)
		}
		if len(st.Decision.MissingFields) > 0 {
			fmt.Fprintf(&b, " Missing: %s.", strings.Join(st.Decision.MissingFields, ", "))
		}
	}
	if st.Routing != nil && len(st.Routing.Conflicts) > 0 {
		fmt.Fprintf(&b, " Policy conflicts: %s.", strings.Join(st.Routing.Conflicts, "; "))
	}
	spec.Prompt = b.String()
	return spec
}

func (s *EnqueueApproval) followUpSpec(st *workflow.RequestState) workflow.QuestionSpec {
	spec := workflow.QuestionSpec{
		Kind:     workflow.KindExecutionFollowUp,
		Context:  workflow.ContextExecution,
		Decision: st.Decision.Effective(),
		Priority: st.Payload.Priority,
		Risk:     workflow.RiskLow,
	}
	var pending []string
	if st.Plan != nil {
		for _, step := range st.Plan.Steps {
			if step.Manual() && !step.Completed {
				pending = append(pending, step.Description)
			}
		}
	}
	if st.Execution.Outcome == workflow.ExecutionAwaitingManager {
		spec.Assignee = st.Requester.ManagerEmail
		spec.Prompt = fmt.Sprintf("Manager approval needed for %q requested by %s: %s",
			st.Payload.Title, st.Requester.Name, strings.Join(pending, "; "))
	} else {
		spec.Assignee = st.Requester.Email
		spec.Prompt = fmt.Sprintf("Confirm when these steps for %q are done: %s",
			st.Payload.Title, strings.Join(pending, "; "))
	}
	return spec
}

// waitingStatus is the ticket status that matches the open question. Employee
// follow-ups leave the ticket in progress.
func waitingStatus(st *workflow.RequestState, q workflow.Question) workflow.TicketStatus {
	switch q.Context {
	case workflow.ContextExecution:
		if st.Execution != nil && st.Execution.Outcome == workflow.ExecutionAwaitingManager {
			return workflow.TicketWaitingForApproval
		}
		return ""
	default:
		return workflow.TicketWaitingForHumanReview
	}
}
