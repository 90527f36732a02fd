package stages

import (
	"context"
	"errors"
	"testing"

	"helpdesk/api/internal/workflow"
)

func TestSyncTicketOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		outcome workflow.Outcome
		fatal   bool
	}{
		{name: "synced", outcome: workflow.OutcomeSynced},
		{name: "deferred", err: &workflow.ExternalServiceError{Service: "jira", Op: "transition", Attempts: 3, Err: errors.New("503")}, outcome: workflow.OutcomeSyncDeferred},
		{name: "invalid transition", err: workflow.ErrInvalidTransition, fatal: true},
		{name: "unexpected", err: errors.New("boom"), fatal: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			env.tickets.syncFn = func(context.Context, *workflow.RequestState, workflow.SyncIntent) error { return tt.err }
			st := baseState()
			st.SyncIntent = &workflow.SyncIntent{Op: workflow.SyncCreate, Targets: []workflow.TicketStatus{workflow.TicketInProgress}, Purpose: workflow.PurposeClassified}

			_, outcome, err := env.run(t, workflow.StageSyncTicket, st)
			var fatal *workflow.FatalError
			if got := errors.As(err, &fatal); got != tt.fatal {
				t.Fatalf("fatal = %t (err %v), want %t", got, err, tt.fatal)
			}
			if !tt.fatal && outcome != tt.outcome {
				t.Fatalf("outcome = %s, want %s", outcome, tt.outcome)
			}
		})
	}
}

func TestSyncTicketWithoutIntent(t *testing.T) {
	env := newTestEnv()
	_, _, err := env.run(t, workflow.StageSyncTicket, baseState())
	var fatal *workflow.FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalError", err)
	}
}

func reviewState() workflow.RequestState {
	st := baseState()
	st.CurrentStage = workflow.StageEnqueueApproval
	st.Decision = &workflow.DecisionRecord{Decision: workflow.DecisionRequiresApproval, Confidence: 0.8, Risk: workflow.RiskMedium, Justification: "Licensed software."}
	st.Ticket = &workflow.TicketRecord{TicketID: "10001", Key: "IT-1", Status: workflow.TicketInProgress}
	st.SyncIntent = &workflow.SyncIntent{Purpose: workflow.PurposeClassified}
	return st
}

func TestEnqueueApprovalOpensReview(t *testing.T) {
	env := newTestEnv()
	st, outcome, err := env.run(t, workflow.StageEnqueueApproval, reviewState())
	if err != nil || outcome != workflow.OutcomeSuspended {
		t.Fatalf("Run = %s, %v", outcome, err)
	}
	q := st.PendingQuestion()
	if q == nil || q.Kind != workflow.KindApprovalDecision || q.Context != workflow.ContextReview || q.Assignee != "team_lead" {
		t.Fatalf("question = %+v", q)
	}
	if len(env.tickets.intents) != 1 || env.tickets.intents[0].Targets[0] != workflow.TicketWaitingForHumanReview {
		t.Fatalf("intents = %+v", env.tickets.intents)
	}
	if len(env.notify.approvals) != 1 || env.notify.approvals[0].ID != q.ID {
		t.Fatalf("notifications = %+v", env.notify.approvals)
	}
}

func TestEnqueueApprovalReusesPendingQuestion(t *testing.T) {
	env := newTestEnv()
	st := reviewState()
	st.Ticket.Status = workflow.TicketWaitingForHumanReview
	st.Approvals = []workflow.Question{{ID: "q_existing", Status: workflow.QuestionPending, Context: workflow.ContextReview, Emergency: true}}

	st, outcome, err := env.run(t, workflow.StageEnqueueApproval, st)
	if err != nil || outcome != workflow.OutcomeSuspended {
		t.Fatalf("Run = %s, %v", outcome, err)
	}
	if len(st.Approvals) != 1 {
		t.Fatalf("approvals = %+v", st.Approvals)
	}
	if len(env.tickets.intents) != 0 {
		t.Fatalf("ticket already waiting, got intents %+v", env.tickets.intents)
	}
	if env.notify.approvals[0].ID != "q_existing" {
		t.Fatalf("notified %+v", env.notify.approvals)
	}
}

func TestEnqueueApprovalManagerFollowUp(t *testing.T) {
	env := newTestEnv()
	st := reviewState()
	st.SyncIntent.Purpose = workflow.PurposeExecutionAwaiting
	st.Ticket.Status = workflow.TicketInProgress
	st.Plan = &workflow.PlanRecord{Steps: []workflow.PlanStep{{StepID: "s1", Description: "Approve licence cost", Actor: workflow.ActorManagerApproval}}}
	st.Execution = &workflow.ExecutionRecord{Outcome: workflow.ExecutionAwaitingManager}

	st, _, err := env.run(t, workflow.StageEnqueueApproval, st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	q := st.PendingQuestion()
	if q.Kind != workflow.KindExecutionFollowUp || q.Context != workflow.ContextExecution || q.Assignee != "boss@example.com" {
		t.Fatalf("question = %+v", q)
	}
	if env.tickets.intents[0].Targets[0] != workflow.TicketWaitingForApproval {
		t.Fatalf("intents = %+v", env.tickets.intents)
	}
}

func TestEnqueueApprovalMoreInfoReopensSameKind(t *testing.T) {
	env := newTestEnv()
	st := reviewState()
	st.SyncIntent.Purpose = workflow.PurposeMoreInfo
	st.Ticket.Status = workflow.TicketWaitingForHumanReview
	st.Approvals = []workflow.Question{{
		ID:       "q_1",
		Kind:     workflow.KindPolicyInterpretation,
		Context:  workflow.ContextReview,
		Prompt:   "Which policy applies?",
		Priority: workflow.PriorityHigh,
		Status:   workflow.QuestionAnswered,
		Answer:   &workflow.Answer{AnsweredBy: "lead", Decision: workflow.AnswerNeedsMoreInfo, Notes: "Which contract?"},
	}}

	st, _, err := env.run(t, workflow.StageEnqueueApproval, st)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	q := st.PendingQuestion()
	if q.Kind != workflow.KindPolicyInterpretation || q.Priority != workflow.PriorityHigh {
		t.Fatalf("question = %+v", q)
	}
	if q.Prompt != "Which policy applies?\n\nMore information requested by lead: Which contract?" {
		t.Fatalf("prompt = %q", q.Prompt)
	}
}

func TestEnqueueApprovalReportsSideEffectFailures(t *testing.T) {
	env := newTestEnv()
	env.notify.err = &workflow.ExternalServiceError{Service: "smtp", Op: "approval_request", Attempts: 3, Err: errors.New("down")}
	env.tickets.syncFn = func(context.Context, *workflow.RequestState, workflow.SyncIntent) error {
		return &workflow.ExternalServiceError{Service: "jira", Op: "transition", Attempts: 3, Err: errors.New("down")}
	}
	st, outcome, err := env.run(t, workflow.StageEnqueueApproval, reviewState())
	if outcome != workflow.OutcomeSuspended || st.PendingQuestion() == nil {
		t.Fatalf("outcome = %s, pending = %v", outcome, st.PendingQuestion())
	}
	var ext *workflow.ExternalServiceError
	if !errors.As(err, &ext) {
		t.Fatalf("err = %v, want ExternalServiceError", err)
	}
}
