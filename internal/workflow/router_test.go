package workflow_test

import (
	"reflect"
	"testing"
	"time"

	"helpdesk/api/internal/workflow"
)

func withDecision(d workflow.Decision, needsHuman bool) *workflow.RequestState {
	return &workflow.RequestState{
		RequestID: "req_1",
		Decision:  &workflow.DecisionRecord{Decision: d, NeedsHuman: needsHuman},
	}
}

func withTicket(st *workflow.RequestState) *workflow.RequestState {
	st.Ticket = &workflow.TicketRecord{TicketID: "10001", Status: workflow.TicketInProgress}
	return st
}

func synced(st *workflow.RequestState, purpose workflow.SyncPurpose) *workflow.RequestState {
	st.SyncIntent = &workflow.SyncIntent{Purpose: purpose}
	return st
}

func TestRouterNext(t *testing.T) {
	executionAnswered := synced(withTicket(withDecision(workflow.DecisionAllowed, false)), workflow.PurposeApprovalResumed)
	executionAnswered.Approvals = []workflow.Question{{
		ID:      "q_1",
		Context: workflow.ContextExecution,
		Status:  workflow.QuestionApproved,
		Answer:  &workflow.Answer{Decision: workflow.AnswerApproved},
	}}

	awaitingManager := withTicket(withDecision(workflow.DecisionAllowed, false))
	awaitingManager.Execution = &workflow.ExecutionRecord{Outcome: workflow.ExecutionAwaitingManager}
	awaitingManager.Approvals = []workflow.Question{{ID: "q_1", Context: workflow.ContextExecution, Status: workflow.QuestionPending}}

	reviewPending := withTicket(withDecision(workflow.DecisionRequiresApproval, false))
	reviewPending.Approvals = []workflow.Question{{ID: "q_1", Context: workflow.ContextReview, Status: workflow.QuestionPending}}

	cases := []struct {
		name    string
		stage   workflow.StageName
		outcome workflow.Outcome
		st      *workflow.RequestState
		action  workflow.Action
		next    workflow.StageName
		status  workflow.RequestStatus
	}{
		{name: "retrieve", stage: workflow.StageRetrieve, outcome: workflow.OutcomeCompleted, st: &workflow.RequestState{}, action: workflow.ActionAdvance, next: workflow.StageRoute},
		{name: "route", stage: workflow.StageRoute, outcome: workflow.OutcomeCompleted, st: &workflow.RequestState{}, action: workflow.ActionAdvance, next: workflow.StageClassify},
		{name: "escalated from any stage", stage: workflow.StageExecute, outcome: workflow.OutcomeEscalated, st: &workflow.RequestState{}, action: workflow.ActionSuspend, status: workflow.RequestAwaitingApproval},
		{name: "classified allowed", stage: workflow.StageClassify, outcome: workflow.OutcomeCompleted, st: withDecision(workflow.DecisionAllowed, false), action: workflow.ActionAdvance, next: workflow.StageSyncTicket, status: workflow.RequestInProgress},
		{name: "classified denied", stage: workflow.StageClassify, outcome: workflow.OutcomeCompleted, st: withDecision(workflow.DecisionDenied, false), action: workflow.ActionAdvance, next: workflow.StageSyncTicket},
		{name: "classified without decision", stage: workflow.StageClassify, outcome: workflow.OutcomeCompleted, st: &workflow.RequestState{}, action: workflow.ActionTerminate, status: workflow.RequestClosed},
		{name: "synced allowed", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSynced, st: synced(withDecision(workflow.DecisionAllowed, false), workflow.PurposeClassified), action: workflow.ActionAdvance, next: workflow.StagePlan},
		{name: "synced allowed needing a human", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSynced, st: synced(withDecision(workflow.DecisionAllowed, true), workflow.PurposeClassified), action: workflow.ActionAdvance, next: workflow.StageEnqueueApproval},
		{name: "synced requires approval", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSyncDeferred, st: synced(withDecision(workflow.DecisionRequiresApproval, false), workflow.PurposeClassified), action: workflow.ActionAdvance, next: workflow.StageEnqueueApproval},
		{name: "synced denied", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSynced, st: synced(withDecision(workflow.DecisionDenied, false), workflow.PurposeClassified), action: workflow.ActionTerminate, status: workflow.RequestClosed},
		{name: "synced after review approval", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSynced, st: synced(withDecision(workflow.DecisionAllowed, false), workflow.PurposeApprovalResumed), action: workflow.ActionAdvance, next: workflow.StagePlan},
		{name: "synced after execution approval", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSynced, st: executionAnswered, action: workflow.ActionAdvance, next: workflow.StageExecute},
		{name: "synced approver denial", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSynced, st: synced(withDecision(workflow.DecisionDenied, false), workflow.PurposeApprovalDenied), action: workflow.ActionTerminate, status: workflow.RequestClosed},
		{name: "synced more info", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSynced, st: synced(withDecision(workflow.DecisionAllowed, false), workflow.PurposeMoreInfo), action: workflow.ActionAdvance, next: workflow.StageEnqueueApproval},
		{name: "synced resolved", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSynced, st: synced(withDecision(workflow.DecisionAllowed, false), workflow.PurposeResolved), action: workflow.ActionAdvance, next: workflow.StageClose},
		{name: "synced without intent", stage: workflow.StageSyncTicket, outcome: workflow.OutcomeSynced, st: withDecision(workflow.DecisionAllowed, false), action: workflow.ActionTerminate, status: workflow.RequestClosed},
		{name: "review enqueued", stage: workflow.StageEnqueueApproval, outcome: workflow.OutcomeSuspended, st: reviewPending, action: workflow.ActionSuspend, status: workflow.RequestAwaitingApproval},
		{name: "manager step enqueued", stage: workflow.StageEnqueueApproval, outcome: workflow.OutcomeSuspended, st: awaitingManager, action: workflow.ActionSuspend, status: workflow.RequestAwaitingManager},
		{name: "enqueued without question", stage: workflow.StageEnqueueApproval, outcome: workflow.OutcomeSuspended, st: withDecision(workflow.DecisionAllowed, false), action: workflow.ActionTerminate, status: workflow.RequestClosed},
		{name: "planned", stage: workflow.StagePlan, outcome: workflow.OutcomeCompleted, st: withDecision(workflow.DecisionAllowed, false), action: workflow.ActionAdvance, next: workflow.StageExecute},
		{name: "plan suspended", stage: workflow.StagePlan, outcome: workflow.OutcomeSuspended, st: withDecision(workflow.DecisionAllowed, false), action: workflow.ActionTerminate, status: workflow.RequestClosed},
		{name: "executed", stage: workflow.StageExecute, outcome: workflow.OutcomeExecuted, st: withTicket(withDecision(workflow.DecisionAllowed, false)), action: workflow.ActionAdvance, next: workflow.StageSyncTicket},
		{name: "execution awaits employee", stage: workflow.StageExecute, outcome: workflow.OutcomeAwaitingEmployee, st: withTicket(withDecision(workflow.DecisionAllowed, false)), action: workflow.ActionAdvance, next: workflow.StageSyncTicket},
		{name: "closed", stage: workflow.StageClose, outcome: workflow.OutcomeCompleted, st: withDecision(workflow.DecisionAllowed, false), action: workflow.ActionTerminate, status: workflow.RequestClosed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := workflow.Router{}.Next(tc.stage, tc.outcome, tc.st)
			if tr.Action != tc.action || tr.Next != tc.next || tr.Status != tc.status {
				t.Fatalf("transition = %s %q %q, want %s %q %q", tr.Action, tr.Next, tr.Status, tc.action, tc.next, tc.status)
			}
			invalid := tc.action == workflow.ActionTerminate && tc.status == workflow.RequestClosed && tr.Err != nil
			if invalid && tr.Err.Kind != workflow.KindFatal {
				t.Fatalf("invalid route error kind = %s", tr.Err.Kind)
			}
		})
	}
}

func TestRouterInvalidRoutesRecordError(t *testing.T) {
	tr := workflow.Router{}.Next(workflow.StagePlan, workflow.OutcomeSuspended, withDecision(workflow.DecisionAllowed, false))
	if tr.Err == nil || tr.Err.Severity != workflow.SeverityCritical || tr.Err.Stage != workflow.StagePlan {
		t.Fatalf("err = %+v", tr.Err)
	}
	tr = workflow.Router{}.Next(workflow.StageClose, workflow.OutcomeCompleted, withDecision(workflow.DecisionAllowed, false))
	if tr.Err != nil {
		t.Fatalf("a normal close must not record an error: %+v", tr.Err)
	}
}

func TestRouterSyncIntents(t *testing.T) {
	cases := []struct {
		name    string
		tr      workflow.Transition
		op      workflow.SyncOp
		purpose workflow.SyncPurpose
		targets []workflow.TicketStatus
		comment string
	}{
		{
			name:    "denied before a ticket exists",
			tr:      workflow.Router{}.Next(workflow.StageClassify, workflow.OutcomeCompleted, withDecision(workflow.DecisionDenied, false)),
			op:      workflow.SyncCreate,
			purpose: workflow.PurposeClassified,
			targets: []workflow.TicketStatus{workflow.TicketClosed},
			comment: "Request denied by policy",
		},
		{
			name:    "executed resolves then closes",
			tr:      workflow.Router{}.Next(workflow.StageExecute, workflow.OutcomeExecuted, withTicket(withDecision(workflow.DecisionAllowed, false))),
			op:      workflow.SyncUpdate,
			purpose: workflow.PurposeResolved,
			targets: []workflow.TicketStatus{workflow.TicketResolved, workflow.TicketClosed},
			comment: "All plan steps completed",
		},
		{
			name:    "manager step waits for approval",
			tr:      workflow.Router{}.Next(workflow.StageExecute, workflow.OutcomeAwaitingManager, withTicket(withDecision(workflow.DecisionAllowed, false))),
			op:      workflow.SyncUpdate,
			purpose: workflow.PurposeExecutionAwaiting,
			targets: []workflow.TicketStatus{workflow.TicketWaitingForApproval},
			comment: "Waiting on manager approval",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := tc.tr.Intent
			if in == nil {
				t.Fatal("expected a sync intent")
			}
			if in.Op != tc.op || in.Purpose != tc.purpose || in.Comment != tc.comment || !reflect.DeepEqual(in.Targets, tc.targets) {
				t.Fatalf("intent = %+v", in)
			}
		})
	}
}

func TestRouterAfterAnswer(t *testing.T) {
	review := workflow.Question{ID: "q_1", Context: workflow.ContextReview}
	recovery := func(stage workflow.StageName) workflow.Question {
		return workflow.Question{ID: "q_2", Context: workflow.ContextRecovery, ResumeStage: stage}
	}
	approved := workflow.Answer{AnsweredBy: "kim", Decision: workflow.AnswerApproved}

	cases := []struct {
		name    string
		st      *workflow.RequestState
		q       workflow.Question
		ans     workflow.Answer
		next    workflow.StageName
		purpose workflow.SyncPurpose
		targets []workflow.TicketStatus
		status  workflow.RequestStatus
		comment string
	}{
		{name: "approved review", st: withTicket(withDecision(workflow.DecisionRequiresApproval, false)), q: review, ans: approved,
			next: workflow.StageSyncTicket, purpose: workflow.PurposeApprovalResumed, targets: []workflow.TicketStatus{workflow.TicketInProgress}, status: workflow.RequestInProgress},
		{name: "approved recovery reruns stage", st: withTicket(withDecision(workflow.DecisionAllowed, false)), q: recovery(workflow.StageExecute), ans: approved,
			next: workflow.StageExecute, status: workflow.RequestInProgress},
		{name: "approved recovery before classification continues as review", st: withDecision(workflow.DecisionRequiresApproval, false), q: recovery(workflow.StageClassify), ans: approved,
			next: workflow.StageSyncTicket, purpose: workflow.PurposeApprovalResumed, targets: []workflow.TicketStatus{workflow.TicketInProgress}, status: workflow.RequestInProgress},
		{name: "denied with justification", st: withTicket(withDecision(workflow.DecisionRequiresApproval, false)), q: review,
			ans:  workflow.Answer{AnsweredBy: "kim", Decision: workflow.AnswerDenied, Justification: "no licence budget"},
			next: workflow.StageSyncTicket, purpose: workflow.PurposeApprovalDenied, targets: []workflow.TicketStatus{workflow.TicketClosed}, comment: "Denied by kim: no licence budget"},
		{name: "denied without justification", st: withTicket(withDecision(workflow.DecisionRequiresApproval, false)), q: review,
			ans:  workflow.Answer{AnsweredBy: "kim", Decision: workflow.AnswerDenied},
			next: workflow.StageSyncTicket, purpose: workflow.PurposeApprovalDenied, targets: []workflow.TicketStatus{workflow.TicketClosed}, comment: "Denied by kim"},
		{name: "more info with ticket", st: withTicket(withDecision(workflow.DecisionRequiresApproval, false)), q: review,
			ans:  workflow.Answer{AnsweredBy: "kim", Decision: workflow.AnswerNeedsMoreInfo, Notes: "which edition?"},
			next: workflow.StageSyncTicket, purpose: workflow.PurposeMoreInfo, status: workflow.RequestInProgress, comment: "More information requested: which edition?"},
		{name: "more info creates ticket", st: withDecision(workflow.DecisionRequiresApproval, false), q: review,
			ans:  workflow.Answer{AnsweredBy: "kim", Decision: workflow.AnswerNeedsMoreInfo},
			next: workflow.StageSyncTicket, purpose: workflow.PurposeMoreInfo, targets: []workflow.TicketStatus{workflow.TicketInProgress}, comment: "More information requested"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := workflow.Router{}.AfterAnswer(tc.st, tc.q, tc.ans)
			if tr.Action != workflow.ActionAdvance || tr.Next != tc.next || tr.Status != tc.status {
				t.Fatalf("transition = %s %q %q", tr.Action, tr.Next, tr.Status)
			}
			if tc.purpose == "" {
				if tr.Intent != nil {
					t.Fatalf("unexpected intent %+v", tr.Intent)
				}
				return
			}
			if tr.Intent == nil || tr.Intent.Purpose != tc.purpose || tr.Intent.Comment != tc.comment || !reflect.DeepEqual(tr.Intent.Targets, tc.targets) {
				t.Fatalf("intent = %+v", tr.Intent)
			}
		})
	}

	tr := workflow.Router{}.AfterAnswer(withDecision(workflow.DecisionAllowed, false), review, workflow.Answer{Decision: "MAYBE"})
	if tr.Action != workflow.ActionTerminate || tr.Err == nil {
		t.Fatalf("unknown decision transition = %+v", tr)
	}
}

func TestSummarize(t *testing.T) {
	due := time.Date(2026, 4, 1, 17, 0, 0, 0, time.UTC)
	st := workflow.RequestState{
		RequestID:      "req_1",
		Version:        7,
		Payload:        workflow.UserRequest{Title: "Need Adobe Acrobat"},
		Requester:      workflow.Employee{Email: "dana@example.com"},
		CurrentStage:   workflow.StageEnqueueApproval,
		WorkflowStatus: workflow.WorkflowSuspended,
		RequestStatus:  workflow.RequestAwaitingApproval,
		Decision: &workflow.DecisionRecord{
			Decision:   workflow.DecisionRequiresApproval,
			Confidence: 0.72,
			NeedsHuman: true,
			Override:   &workflow.DecisionOverride{Decision: workflow.DecisionAllowed},
		},
		Ticket: &workflow.TicketRecord{
			TicketID:    "10001",
			Status:      workflow.TicketInProgress,
			PendingSync: &workflow.PendingSync{Targets: []workflow.TicketStatus{workflow.TicketWaitingForApproval}},
		},
		Approvals: []workflow.Question{
			{ID: "q_1", Status: workflow.QuestionExpired},
			{ID: "q_2", Kind: workflow.KindApprovalDecision, Assignee: "supervisor", Status: workflow.QuestionPending, EscalationLevel: 1, DueAt: due},
		},
		Errors: []workflow.ErrorRecord{
			{ID: "err_1", Kind: workflow.KindParse},
			{ID: "err_2", Kind: workflow.KindExternalService},
		},
	}

	got := workflow.Summarize(st)
	if got.Decision != workflow.DecisionAllowed || got.ModelDecision != workflow.DecisionRequiresApproval {
		t.Fatalf("decision = %s model %s", got.Decision, got.ModelDecision)
	}
	if got.TicketID != "10001" || !got.TicketPendingSync {
		t.Fatalf("ticket = %s pending=%v", got.TicketID, got.TicketPendingSync)
	}
	if !got.PendingApproval || got.PendingQuestion.ID != "q_2" || got.PendingQuestion.EscalationLevel != 1 || !got.PendingQuestion.DueAt.Equal(due) {
		t.Fatalf("pending question = %+v", got.PendingQuestion)
	}
	if got.ErrorCount != 2 || got.LastError.ID != "err_2" {
		t.Fatalf("errors = %d last %+v", got.ErrorCount, got.LastError)
	}

	empty := workflow.Summarize(workflow.RequestState{RequestID: "req_2"})
	if empty.PendingQuestion != nil || empty.LastError != nil || empty.TicketID != "" {
		t.Fatalf("empty summary = %+v", empty)
	}
}
