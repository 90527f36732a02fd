package workflow_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"helpdesk/api/internal/checkpoint"
	"helpdesk/api/internal/events"
	"helpdesk/api/internal/hil"
	"helpdesk/api/internal/workflow"
)

var start = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type stageFunc struct {
	name  workflow.StageName
	fn    func(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error)
	calls int
}

func (s *stageFunc) Name() workflow.StageName { return s.name }

func (s *stageFunc) Run(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
	s.calls++
	return s.fn(ctx, st)
}

type recordingArchiver struct {
	archived []string
}

func (a *recordingArchiver) Archive(_ context.Context, st workflow.RequestState) error {
	a.archived = append(a.archived, st.RequestID)
	return nil
}

type reconcilerFunc func(ctx context.Context, st *workflow.RequestState) error

func (f reconcilerFunc) Reconcile(ctx context.Context, st *workflow.RequestState) error {
	return f(ctx, st)
}

// conflictStore bumps the stored version behind the engine's back on the
// first Save so the write is rejected as stale.
type conflictStore struct {
	*checkpoint.MemoryStore
	armed bool
}

func (s *conflictStore) Save(ctx context.Context, st workflow.RequestState) (workflow.RequestState, error) {
	if s.armed {
		s.armed = false
		current, err := s.MemoryStore.Load(ctx, st.RequestID)
		if err != nil {
			return workflow.RequestState{}, err
		}
		if _, err := s.MemoryStore.Save(ctx, current); err != nil {
			return workflow.RequestState{}, err
		}
	}
	return s.MemoryStore.Save(ctx, st)
}

type harness struct {
	t         *testing.T
	store     *checkpoint.MemoryStore
	bus       *events.MemoryBus
	approvals *hil.Manager
	archiver  *recordingArchiver
	stages    map[workflow.StageName]*stageFunc
	decision  workflow.Decision
	now       time.Time
	deps      workflow.Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		store:     checkpoint.NewMemoryStore(),
		bus:       events.NewMemoryBus(),
		approvals: hil.NewManager(hil.DefaultConfig()),
		archiver:  &recordingArchiver{},
		stages:    map[workflow.StageName]*stageFunc{},
		decision:  workflow.DecisionAllowed,
		now:       start,
	}
	h.stage(workflow.StageRetrieve, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		st.Evidence = &workflow.Evidence{Query: st.Payload.Title, Documents: []workflow.Document{}, Citations: []workflow.Citation{}}
		return st, workflow.OutcomeCompleted, nil
	})
	h.stage(workflow.StageRoute, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		st.Routing = &workflow.RoutingVerdict{Complexity: workflow.ComplexitySimple, Model: "small", Risk: workflow.RiskLow}
		return st, workflow.OutcomeCompleted, nil
	})
	h.stage(workflow.StageClassify, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		st.Decision = &workflow.DecisionRecord{Decision: h.decision, Confidence: 0.9, Citations: []workflow.Citation{}, Model: "small"}
		return st, workflow.OutcomeCompleted, nil
	})
	h.stage(workflow.StageSyncTicket, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		if st.Ticket == nil {
			st.Ticket = &workflow.TicketRecord{TicketID: "10001", Key: "IT-1", Status: workflow.TicketNew}
		}
		if n := len(st.SyncIntent.Targets); n > 0 {
			st.Ticket.Status = st.SyncIntent.Targets[n-1]
		}
		return st, workflow.OutcomeSynced, nil
	})
	h.stage(workflow.StageEnqueueApproval, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		if st.PendingQuestion() == nil {
			_, err := h.approvals.Open(&st, workflow.QuestionSpec{
				Kind:     workflow.KindApprovalDecision,
				Context:  workflow.ContextReview,
				Prompt:   "Approve " + st.Payload.Title + "?",
				Decision: st.Decision.Effective(),
			}, h.now)
			if err != nil {
				return st, "", err
			}
		}
		return st, workflow.OutcomeSuspended, nil
	})
	h.stage(workflow.StagePlan, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		st.Plan = &workflow.PlanRecord{
			PlanID:  "plan_1",
			Summary: "Install " + st.Payload.Title,
			Steps:   []workflow.PlanStep{{StepID: "step_1", Order: 1, Description: "Install", Actor: workflow.ActorSystem, AutomationPossible: true}},
		}
		return st, workflow.OutcomeCompleted, nil
	})
	h.stage(workflow.StageExecute, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		st.Execution = &workflow.ExecutionRecord{Outcome: workflow.ExecutionExecuted, Steps: []workflow.StepResult{}, Invocations: 1}
		return st, workflow.OutcomeExecuted, nil
	})
	h.stage(workflow.StageClose, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		st.Completion = &workflow.CompletionSummary{CompletionID: "done_1", Status: workflow.CompletionCompleted}
		return st, workflow.OutcomeCompleted, nil
	})
	h.deps = workflow.Deps{
		Store:     h.store,
		Approvals: h.approvals,
		Events:    h.bus,
		Archiver:  h.archiver,
		Policy:    workflow.DefaultPolicy(),
		Now:       func() time.Time { return h.now },
	}
	return h
}

func (h *harness) stage(name workflow.StageName, fn func(context.Context, workflow.RequestState) (workflow.RequestState, workflow.Outcome, error)) {
	h.stages[name] = &stageFunc{name: name, fn: fn}
}

func (h *harness) engine() *workflow.Engine {
	deps := h.deps
	deps.Stages = nil
	for _, name := range workflow.Stages {
		if s, ok := h.stages[name]; ok {
			deps.Stages = append(deps.Stages, s)
		}
	}
	return workflow.NewEngine(deps)
}

func (h *harness) submit(e *workflow.Engine) workflow.RequestState {
	h.t.Helper()
	ctx := context.Background()
	st, err := e.Create(ctx, "", workflow.UserRequest{
		Title:       "Need Adobe Acrobat",
		Description: "PDF editing for contracts",
		Category:    "software",
		Priority:    workflow.PriorityMedium,
	}, workflow.Employee{ID: "dana@example.com", Name: "Dana", Email: "dana@example.com"})
	if err != nil {
		h.t.Fatalf("Create: %v", err)
	}
	st, err = e.Run(ctx, st.RequestID)
	if err != nil {
		h.t.Fatalf("Run: %v", err)
	}
	return st
}

func (h *harness) eventTypes(requestID string) []events.Type {
	h.t.Helper()
	history, err := h.bus.History(context.Background(), requestID, "")
	if err != nil {
		h.t.Fatalf("History: %v", err)
	}
	out := make([]events.Type, 0, len(history))
	for _, ev := range history {
		out = append(out, ev.Type)
	}
	return out
}

func stagePath(st workflow.RequestState) string {
	names := make([]string, 0, len(st.History))
	for _, rec := range st.History {
		names = append(names, string(rec.Stage))
	}
	return strings.Join(names, ",")
}

func approve(by string) workflow.Answer {
	return workflow.Answer{AnsweredBy: by, Decision: workflow.AnswerApproved, Justification: "business need confirmed", Confidence: 0.9}
}

func TestEngineRunsAllowedRequestToClose(t *testing.T) {
	h := newHarness(t)
	st := h.submit(h.engine())

	if st.WorkflowStatus != workflow.WorkflowTerminated || st.RequestStatus != workflow.RequestClosed {
		t.Fatalf("status = %s/%s, want TERMINATED/CLOSED", st.WorkflowStatus, st.RequestStatus)
	}
	if got, want := stagePath(st), "retrieve,route,classify,sync_ticket,plan,execute,sync_ticket,close"; got != want {
		t.Fatalf("path = %s, want %s", got, want)
	}
	if st.Version != int64(1+len(st.History)) {
		t.Fatalf("version = %d after %d steps", st.Version, len(st.History))
	}
	if st.TicketStatus() != workflow.TicketClosed {
		t.Fatalf("ticket status = %q", st.TicketStatus())
	}
	if len(st.Errors) != 0 || len(st.Approvals) != 0 {
		t.Fatalf("errors=%d approvals=%d, want none", len(st.Errors), len(st.Approvals))
	}
	if len(h.archiver.archived) != 1 || h.archiver.archived[0] != st.RequestID {
		t.Fatalf("archived = %v", h.archiver.archived)
	}

	types := h.eventTypes(st.RequestID)
	if types[0] != events.TypeCreated || types[len(types)-1] != events.TypeTerminated {
		t.Fatalf("events = %v", types)
	}
	completed := 0
	for _, typ := range types {
		if typ == events.TypeStageCompleted {
			completed++
		}
	}
	if completed != len(st.History) {
		t.Fatalf("stage.completed events = %d, want %d", completed, len(st.History))
	}

	stored, err := h.store.Load(context.Background(), st.RequestID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if stored.Version != st.Version {
		t.Fatalf("stored version = %d, returned %d", stored.Version, st.Version)
	}
}

func TestEngineDeniedByPolicyClosesWithoutPlan(t *testing.T) {
	h := newHarness(t)
	h.decision = workflow.DecisionDenied
	st := h.submit(h.engine())

	if st.WorkflowStatus != workflow.WorkflowTerminated || st.RequestStatus != workflow.RequestClosed {
		t.Fatalf("status = %s/%s", st.WorkflowStatus, st.RequestStatus)
	}
	if st.Plan != nil || h.stages[workflow.StagePlan].calls != 0 {
		t.Fatal("denied request must not be planned")
	}
	if st.SyncIntent == nil || st.SyncIntent.Comment != "Request denied by policy" {
		t.Fatalf("sync intent = %+v", st.SyncIntent)
	}
	if st.TicketStatus() != workflow.TicketClosed {
		t.Fatalf("ticket status = %q", st.TicketStatus())
	}
}

func TestEngineApprovalSuspendsAndResumes(t *testing.T) {
	h := newHarness(t)
	h.decision = workflow.DecisionRequiresApproval
	e := h.engine()
	st := h.submit(e)

	if st.WorkflowStatus != workflow.WorkflowSuspended || st.RequestStatus != workflow.RequestAwaitingApproval {
		t.Fatalf("status = %s/%s, want SUSPENDED/AWAITING_APPROVAL", st.WorkflowStatus, st.RequestStatus)
	}
	q := st.PendingQuestion()
	if q == nil {
		t.Fatal("expected a pending question")
	}
	if q.Assignee != "team_lead" || !q.DueAt.Equal(start.Add(8*time.Hour)) {
		t.Fatalf("question = %+v", q)
	}
	if types := h.eventTypes(st.RequestID); types[len(types)-1] != events.TypeSuspended {
		t.Fatalf("last event = %s", types[len(types)-1])
	}

	h.now = start.Add(time.Hour)
	out, err := e.Resume(context.Background(), st.RequestID, approve("it.manager@example.com"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.WorkflowStatus != workflow.WorkflowTerminated || out.RequestStatus != workflow.RequestClosed {
		t.Fatalf("status = %s/%s", out.WorkflowStatus, out.RequestStatus)
	}
	if out.Decision.Decision != workflow.DecisionRequiresApproval || out.Decision.Effective() != workflow.DecisionAllowed {
		t.Fatalf("decision = %s effective %s", out.Decision.Decision, out.Decision.Effective())
	}
	if out.Decision.Override.By != "it.manager@example.com" {
		t.Fatalf("override = %+v", out.Decision.Override)
	}
	answered := out.Question(q.ID)
	if answered.Status != workflow.QuestionApproved || answered.ClosedAt == nil {
		t.Fatalf("question = %+v", answered)
	}
	if h.stages[workflow.StagePlan].calls != 1 || h.stages[workflow.StageClose].calls != 1 {
		t.Fatal("approved request should be planned and closed once")
	}

	found := false
	for _, typ := range h.eventTypes(st.RequestID) {
		if typ == events.TypeAnswered {
			found = true
		}
	}
	if !found {
		t.Fatal("missing hil.answered event")
	}
}

func TestEngineApproverDenial(t *testing.T) {
	h := newHarness(t)
	h.decision = workflow.DecisionRequiresApproval
	e := h.engine()
	st := h.submit(e)

	out, err := e.Resume(context.Background(), st.RequestID, workflow.Answer{
		AnsweredBy:    "it.manager@example.com",
		Decision:      workflow.AnswerDenied,
		Justification: "no budget",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.WorkflowStatus != workflow.WorkflowTerminated || out.RequestStatus != workflow.RequestClosed {
		t.Fatalf("status = %s/%s", out.WorkflowStatus, out.RequestStatus)
	}
	if out.Decision.Effective() != workflow.DecisionDenied || out.Plan != nil {
		t.Fatalf("decision=%s plan=%v", out.Decision.Effective(), out.Plan)
	}
	if out.SyncIntent.Comment != "Denied by it.manager@example.com: no budget" {
		t.Fatalf("comment = %q", out.SyncIntent.Comment)
	}
	if out.Approvals[0].Status != workflow.QuestionRejected {
		t.Fatalf("question status = %s", out.Approvals[0].Status)
	}
}

func TestEngineNeedsMoreInfoReopensQuestion(t *testing.T) {
	h := newHarness(t)
	h.decision = workflow.DecisionRequiresApproval
	e := h.engine()
	st := h.submit(e)
	first := st.PendingQuestion().ID

	out, err := e.Resume(context.Background(), st.RequestID, workflow.Answer{
		AnsweredBy: "it.manager@example.com",
		Decision:   workflow.AnswerNeedsMoreInfo,
		Notes:      "which edition?",
	})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.WorkflowStatus != workflow.WorkflowSuspended {
		t.Fatalf("status = %s", out.WorkflowStatus)
	}
	next := out.PendingQuestion()
	if next == nil || next.ID == first {
		t.Fatalf("expected a new pending question, got %+v", next)
	}
	if out.Question(first).Status != workflow.QuestionAnswered {
		t.Fatalf("first question status = %s", out.Question(first).Status)
	}
	if out.Decision.Override != nil {
		t.Fatal("NEEDS_MORE_INFO must not override the decision")
	}
}

func TestEngineResumeRejectsBadAnswers(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	done := h.submit(e)

	if _, err := e.Resume(context.Background(), done.RequestID, approve("x")); !errors.Is(err, workflow.ErrTerminated) {
		t.Fatalf("resume terminated: err = %v", err)
	}

	h.decision = workflow.DecisionRequiresApproval
	st := h.submit(e)
	var verr *workflow.ValidationError
	if _, err := e.Resume(context.Background(), st.RequestID, workflow.Answer{Decision: workflow.AnswerApproved}); !errors.As(err, &verr) {
		t.Fatalf("missing answered_by: err = %v", err)
	}
	wrong := approve("it.manager@example.com")
	wrong.QuestionID = "q_unknown"
	if _, err := e.Resume(context.Background(), st.RequestID, wrong); !errors.Is(err, workflow.ErrNoPendingQuestion) {
		t.Fatalf("wrong question: err = %v", err)
	}
	if _, err := e.Resume(context.Background(), "req_missing", approve("x")); !errors.Is(err, workflow.ErrNotFound) {
		t.Fatalf("unknown request: err = %v", err)
	}

	stored, _ := h.store.Load(context.Background(), st.RequestID)
	if stored.Version != st.Version {
		t.Fatal("rejected answers must not write a checkpoint")
	}
}

func TestEngineClassifyParseErrorFallsBackToReview(t *testing.T) {
	h := newHarness(t)
	h.stage(workflow.StageClassify, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		return st, "", &workflow.ParseError{Stage: workflow.StageClassify, Reason: "unexpected end of JSON input"}
	})
	st := h.submit(h.engine())

	if st.WorkflowStatus != workflow.WorkflowSuspended || st.RequestStatus != workflow.RequestAwaitingApproval {
		t.Fatalf("status = %s/%s", st.WorkflowStatus, st.RequestStatus)
	}
	if len(st.Errors) != 1 || st.Errors[0].Kind != workflow.KindParse || st.Errors[0].Stage != workflow.StageClassify {
		t.Fatalf("errors = %+v", st.Errors)
	}
	if !st.Decision.Fallback || st.Decision.Decision != workflow.DecisionRequiresApproval || !st.Decision.NeedsHuman {
		t.Fatalf("decision = %+v", st.Decision)
	}
	if len(st.Approvals) != 1 {
		t.Fatalf("approvals = %d, want the single fallback review", len(st.Approvals))
	}
	q := st.PendingQuestion()
	if q.Kind != workflow.KindClassificationReview || !q.Emergency || q.Priority != workflow.PriorityHigh {
		t.Fatalf("question = %+v", q)
	}
	if st.TicketStatus() != workflow.TicketInProgress {
		t.Fatalf("ticket status = %q", st.TicketStatus())
	}
}

func TestEngineResumeRejectsRunningRequest(t *testing.T) {
	h := newHarness(t)
	h.stage(workflow.StageClassify, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		return st, "", &workflow.ParseError{Stage: workflow.StageClassify, Reason: "unexpected end of JSON input"}
	})
	var (
		e         *workflow.Engine
		answered  bool
		resumeErr error
	)
	syncTicket := h.stages[workflow.StageSyncTicket].fn
	h.stage(workflow.StageSyncTicket, func(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		// The fallback review is pending while the request is still running.
		if !answered && st.PendingQuestion() != nil {
			answered = true
			_, resumeErr = e.Resume(ctx, st.RequestID, approve("it.manager@example.com"))
		}
		return syncTicket(ctx, st)
	})
	e = h.engine()
	st := h.submit(e)

	if !errors.Is(resumeErr, workflow.ErrNotSuspended) {
		t.Fatalf("resume while running: err = %v, want ErrNotSuspended", resumeErr)
	}
	if got := stagePath(st); got != "retrieve,route,classify,sync_ticket,enqueue_approval" {
		t.Fatalf("path = %s", got)
	}
	if st.WorkflowStatus != workflow.WorkflowSuspended || st.PendingQuestion() == nil {
		t.Fatalf("status = %s, pending = %v", st.WorkflowStatus, st.PendingQuestion())
	}

	out, err := e.Resume(context.Background(), st.RequestID, approve("it.manager@example.com"))
	if err != nil || out.WorkflowStatus != workflow.WorkflowTerminated {
		t.Fatalf("Resume after suspend = %s, %v", out.WorkflowStatus, err)
	}
}

func TestEngineCheckpointRoundTripKeepsRouting(t *testing.T) {
	h := newHarness(t)
	h.decision = workflow.DecisionRequiresApproval
	first := h.engine()
	a := h.submit(first)
	b := h.submit(first)

	loaded, err := h.store.Load(context.Background(), b.RequestID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	last := loaded.History[len(loaded.History)-1]
	if tr := (workflow.Router{}).Next(last.Stage, last.Outcome, &loaded); tr.Action != last.Action || tr.Next != last.Next {
		t.Fatalf("router on reloaded state = %s/%s, recorded %s/%s", tr.Action, tr.Next, last.Action, last.Next)
	}

	outA, err := first.Resume(context.Background(), a.RequestID, approve("it.manager@example.com"))
	if err != nil {
		t.Fatalf("Resume on original engine: %v", err)
	}
	outB, err := h.engine().Resume(context.Background(), b.RequestID, approve("it.manager@example.com"))
	if err != nil {
		t.Fatalf("Resume on fresh engine: %v", err)
	}
	if stagePath(outA) != stagePath(outB) {
		t.Fatalf("paths differ:\n original %s\n fresh    %s", stagePath(outA), stagePath(outB))
	}
	for i := len(a.History); i < len(outA.History); i++ {
		if outA.History[i].Next != outB.History[i].Next || outA.History[i].Action != outB.History[i].Action {
			t.Fatalf("step %d: original %+v, fresh %+v", i, outA.History[i], outB.History[i])
		}
	}
}

func TestEngineRetrievalTimeoutContinuesWithoutEvidence(t *testing.T) {
	h := newHarness(t)
	h.deps.Policy.StageTimeouts = map[workflow.StageName]time.Duration{workflow.StageRetrieve: 10 * time.Millisecond}
	h.stage(workflow.StageRetrieve, func(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		<-ctx.Done()
		return st, "", &workflow.RetrievalError{Err: ctx.Err()}
	})
	st := h.submit(h.engine())

	if st.WorkflowStatus != workflow.WorkflowTerminated {
		t.Fatalf("status = %s", st.WorkflowStatus)
	}
	if st.Evidence == nil || len(st.Evidence.Documents) != 0 || st.Evidence.Query != "Need Adobe Acrobat" {
		t.Fatalf("evidence = %+v", st.Evidence)
	}
	if st.Errors[0].Kind != workflow.KindRetrieval || !strings.Contains(st.Errors[0].Message, "deadline exceeded") {
		t.Fatalf("errors = %+v", st.Errors)
	}
}

func TestEnginePanicOpensRecoveryQuestion(t *testing.T) {
	h := newHarness(t)
	plan := h.stages[workflow.StagePlan].fn
	h.stage(workflow.StagePlan, func(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		if h.stages[workflow.StagePlan].calls == 1 {
			panic("template missing")
		}
		return plan(ctx, st)
	})
	e := h.engine()
	st := h.submit(e)

	if st.WorkflowStatus != workflow.WorkflowSuspended || st.RequestStatus != workflow.RequestAwaitingApproval {
		t.Fatalf("status = %s/%s", st.WorkflowStatus, st.RequestStatus)
	}
	if st.CurrentStage != workflow.StagePlan {
		t.Fatalf("stage = %s, want plan", st.CurrentStage)
	}
	last := st.Errors[len(st.Errors)-1]
	if last.Kind != workflow.KindFatal || last.Severity != workflow.SeverityCritical || !strings.Contains(last.Message, "template missing") {
		t.Fatalf("error = %+v", last)
	}
	q := st.PendingQuestion()
	if q.Kind != workflow.KindRiskAssessment || q.Context != workflow.ContextRecovery || q.ResumeStage != workflow.StagePlan {
		t.Fatalf("question = %+v", q)
	}
	if q.Assignee != "emergency_team" || q.Priority != workflow.PriorityCritical {
		t.Fatalf("assignee=%s priority=%s", q.Assignee, q.Priority)
	}

	out, err := e.Resume(context.Background(), st.RequestID, approve("oncall@example.com"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if out.WorkflowStatus != workflow.WorkflowTerminated || out.RequestStatus != workflow.RequestClosed {
		t.Fatalf("status = %s/%s", out.WorkflowStatus, out.RequestStatus)
	}
	if h.stages[workflow.StagePlan].calls != 2 {
		t.Fatalf("plan calls = %d, want a retry of the failed stage", h.stages[workflow.StagePlan].calls)
	}
}

func TestEngineMissingStageEscalates(t *testing.T) {
	h := newHarness(t)
	delete(h.stages, workflow.StageExecute)
	st := h.submit(h.engine())

	if st.WorkflowStatus != workflow.WorkflowSuspended || st.CurrentStage != workflow.StageExecute {
		t.Fatalf("status = %s at %s", st.WorkflowStatus, st.CurrentStage)
	}
	if !strings.Contains(st.Errors[len(st.Errors)-1].Message, "no stage registered") {
		t.Fatalf("errors = %+v", st.Errors)
	}
}

func TestEngineInvariantViolationEscalates(t *testing.T) {
	h := newHarness(t)
	h.stage(workflow.StagePlan, func(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		st.Decision = nil
		st.Plan = &workflow.PlanRecord{PlanID: "plan_bad"}
		return st, workflow.OutcomeCompleted, nil
	})
	st := h.submit(h.engine())

	if st.WorkflowStatus != workflow.WorkflowSuspended || st.RequestStatus != workflow.RequestAwaitingApproval {
		t.Fatalf("status = %s/%s", st.WorkflowStatus, st.RequestStatus)
	}
	if st.Decision == nil || st.Decision.Decision != workflow.DecisionAllowed {
		t.Fatalf("decision = %+v, want the committed one kept", st.Decision)
	}
	if st.Plan != nil {
		t.Fatal("rejected proposal must not be committed")
	}
	if !strings.Contains(st.Errors[len(st.Errors)-1].Message, "decision cleared") {
		t.Fatalf("errors = %+v", st.Errors)
	}
}

func TestEngineStepBudgetHaltsRunaway(t *testing.T) {
	h := newHarness(t)
	h.deps.Policy.MaxSteps = 2
	st := h.submit(h.engine())

	if st.WorkflowStatus != workflow.WorkflowSuspended || st.CurrentStage != workflow.StageClassify {
		t.Fatalf("status = %s at %s", st.WorkflowStatus, st.CurrentStage)
	}
	if got := stagePath(st); got != "retrieve,route,classify" {
		t.Fatalf("path = %s", got)
	}
	if st.History[2].Outcome != workflow.OutcomeEscalated {
		t.Fatalf("last outcome = %s", st.History[2].Outcome)
	}
	if !strings.Contains(st.Errors[0].Message, "step budget of 2 exhausted") {
		t.Fatalf("errors = %+v", st.Errors)
	}
	if st.Decision == nil || st.Decision.Model != "emergency_fallback" {
		t.Fatalf("decision = %+v", st.Decision)
	}
	if h.stages[workflow.StageClassify].calls != 0 {
		t.Fatal("classify must not run past the budget")
	}
}

func TestEngineRetriesAfterConcurrentModification(t *testing.T) {
	h := newHarness(t)
	store := &conflictStore{MemoryStore: h.store}
	h.deps.Store = store
	e := h.engine()

	st, err := e.Create(context.Background(), "req_conflict", workflow.UserRequest{Title: "VPN access", Description: "remote work"}, workflow.Employee{Email: "dana@example.com"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	store.armed = true
	out, err := e.Run(context.Background(), st.RequestID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.WorkflowStatus != workflow.WorkflowTerminated {
		t.Fatalf("status = %s", out.WorkflowStatus)
	}
	if h.stages[workflow.StageRetrieve].calls != 2 {
		t.Fatalf("retrieve calls = %d, want a rerun on the reloaded version", h.stages[workflow.StageRetrieve].calls)
	}
	if out.History[0].Stage != workflow.StageRetrieve || out.History[1].Stage != workflow.StageRoute {
		t.Fatalf("history = %s", stagePath(out))
	}
}

func TestEngineRunStopsWhenContextCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.stage(workflow.StageRetrieve, func(stageCtx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
		cancel()
		<-stageCtx.Done()
		return st, "", &workflow.RetrievalError{Err: stageCtx.Err()}
	})
	e := h.engine()
	st, err := e.Create(ctx, "", workflow.UserRequest{Title: "Laptop"}, workflow.Employee{Email: "dana@example.com"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Run(ctx, st.RequestID); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	stored, _ := h.store.Load(context.Background(), st.RequestID)
	if stored.Version != st.Version || stored.CurrentStage != workflow.StageRetrieve || len(stored.Errors) != 0 {
		t.Fatalf("stored = v%d at %s with %d errors, want untouched", stored.Version, stored.CurrentStage, len(stored.Errors))
	}
}

func TestEngineCancel(t *testing.T) {
	h := newHarness(t)
	h.decision = workflow.DecisionRequiresApproval
	e := h.engine()
	st := h.submit(e)
	qid := st.PendingQuestion().ID

	out, err := e.Cancel(context.Background(), st.RequestID, "no longer needed")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if out.WorkflowStatus != workflow.WorkflowCancelled || out.RequestStatus != workflow.RequestCancelled || out.CancelReason != "no longer needed" {
		t.Fatalf("state = %s/%s %q", out.WorkflowStatus, out.RequestStatus, out.CancelReason)
	}
	if out.PendingQuestion() != nil || out.Question(qid).Status != workflow.QuestionExpired {
		t.Fatal("pending question should be withdrawn")
	}
	if types := h.eventTypes(st.RequestID); types[len(types)-1] != events.TypeCancelled {
		t.Fatalf("last event = %s", types[len(types)-1])
	}
	if len(h.archiver.archived) != 1 {
		t.Fatalf("archived = %v", h.archiver.archived)
	}

	if _, err := e.Cancel(context.Background(), st.RequestID, "again"); !errors.Is(err, workflow.ErrCancelled) {
		t.Fatalf("second cancel err = %v", err)
	}
	if _, err := e.Resume(context.Background(), st.RequestID, approve("it.manager@example.com")); !errors.Is(err, workflow.ErrCancelled) {
		t.Fatalf("resume after cancel err = %v", err)
	}
	if _, err := e.Run(context.Background(), st.RequestID); err != nil {
		t.Fatalf("Run on cancelled request: %v", err)
	}
	if h.stages[workflow.StagePlan].calls != 0 {
		t.Fatal("cancelled request must not advance")
	}

	h.decision = workflow.DecisionAllowed
	done := h.submit(e)
	if _, err := e.Cancel(context.Background(), done.RequestID, ""); !errors.Is(err, workflow.ErrTerminated) {
		t.Fatalf("cancel terminated err = %v", err)
	}
}

func TestEngineEscalate(t *testing.T) {
	h := newHarness(t)
	h.decision = workflow.DecisionRequiresApproval
	e := h.engine()
	st := h.submit(e)
	q := *st.PendingQuestion()
	ctx := context.Background()

	same, got, err := e.Escalate(ctx, st.RequestID, q.ID)
	if err != nil || got.ID != q.ID || same.Version != st.Version {
		t.Fatalf("not overdue: q=%s v=%d err=%v", got.ID, same.Version, err)
	}

	h.now = q.DueAt.Add(time.Minute)
	out, successor, err := e.Escalate(ctx, st.RequestID, q.ID)
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if successor.PreviousID != q.ID || successor.Assignee != "supervisor" || successor.EscalationLevel != 1 {
		t.Fatalf("successor = %+v", successor)
	}
	if out.Question(q.ID).Status != workflow.QuestionExpired || out.PendingQuestion().ID != successor.ID {
		t.Fatal("expected the original expired and the successor pending")
	}
	if out.Version != st.Version+1 {
		t.Fatalf("version = %d", out.Version)
	}

	if _, _, err := e.Escalate(ctx, st.RequestID, "q_missing"); !errors.Is(err, workflow.ErrNoPendingQuestion) {
		t.Fatalf("unknown question err = %v", err)
	}

	found := false
	for _, typ := range h.eventTypes(st.RequestID) {
		if typ == events.TypeEscalated {
			found = true
		}
	}
	if !found {
		t.Fatal("missing hil.escalated event")
	}

	// The successor answers like any other question.
	done, err := e.Resume(ctx, st.RequestID, approve("supervisor@example.com"))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if done.WorkflowStatus != workflow.WorkflowTerminated {
		t.Fatalf("status = %s", done.WorkflowStatus)
	}
	if _, _, err := e.Escalate(ctx, st.RequestID, successor.ID); !errors.Is(err, workflow.ErrTerminated) {
		t.Fatalf("escalate terminated err = %v", err)
	}
}

func TestEngineReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.engine()
	st := h.submit(e)
	out, err := e.Reconcile(ctx, st.RequestID)
	if err != nil || out.Version != st.Version {
		t.Fatalf("no reconciler should be a no-op: v=%d err=%v", out.Version, err)
	}

	calls := 0
	h.deps.Reconciler = reconcilerFunc(func(_ context.Context, st *workflow.RequestState) error {
		calls++
		if calls == 1 {
			st.Ticket.PendingSync.Attempts++
			return &workflow.ExternalServiceError{Service: "jira", Op: "transition", Attempts: 3, Err: errors.New("503")}
		}
		targets := st.Ticket.PendingSync.Targets
		st.Ticket.Status = targets[len(targets)-1]
		st.Ticket.PendingSync = nil
		return nil
	})
	e = h.engine()

	out, err = e.Reconcile(ctx, st.RequestID)
	if err != nil || calls != 0 || out.Version != st.Version {
		t.Fatalf("nothing pending should be a no-op: calls=%d err=%v", calls, err)
	}

	pending, _ := h.store.Load(ctx, st.RequestID)
	pending.Ticket.Status = workflow.TicketResolved
	pending.Ticket.PendingSync = &workflow.PendingSync{Op: workflow.SyncUpdate, Targets: []workflow.TicketStatus{workflow.TicketClosed}, Since: start}
	pending, err = h.store.Save(ctx, pending)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err = e.Reconcile(ctx, st.RequestID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Ticket.PendingSync == nil || out.Ticket.PendingSync.Attempts != 1 {
		t.Fatalf("failed reconcile should keep the pending sync: %+v", out.Ticket.PendingSync)
	}
	if last := out.Errors[len(out.Errors)-1]; last.Kind != workflow.KindExternalService || last.Stage != workflow.StageSyncTicket {
		t.Fatalf("error = %+v", last)
	}

	out, err = e.Reconcile(ctx, st.RequestID)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if out.Ticket.PendingSync != nil || out.TicketStatus() != workflow.TicketClosed {
		t.Fatalf("ticket = %+v", out.Ticket)
	}
	if out.Version != pending.Version+2 {
		t.Fatalf("version = %d, want %d", out.Version, pending.Version+2)
	}
	if types := h.eventTypes(st.RequestID); types[len(types)-1] != events.TypeTicketSynced {
		t.Fatalf("last event = %s", types[len(types)-1])
	}
}

func TestEngineCreateRejectsDuplicateID(t *testing.T) {
	h := newHarness(t)
	e := h.engine()
	ctx := context.Background()
	if _, err := e.Create(ctx, "req_dup", workflow.UserRequest{Title: "a"}, workflow.Employee{Email: "dana@example.com"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Create(ctx, "req_dup", workflow.UserRequest{Title: "b"}, workflow.Employee{Email: "dana@example.com"}); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}
