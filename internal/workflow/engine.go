package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"helpdesk/api/internal/events"
	"helpdesk/api/internal/util"
)

// Policy bounds how the engine drives a request.
type Policy struct {
	MaxSteps        int
	ConflictRetries int
	DefaultTimeout  time.Duration
	StageTimeouts   map[StageName]time.Duration
}

// DefaultPolicy returns the stock step budget and per-stage timeouts.
func DefaultPolicy() Policy {
	return Policy{
		MaxSteps:        50,
		ConflictRetries: 3,
		DefaultTimeout:  2 * time.Minute,
		StageTimeouts: map[StageName]time.Duration{
			StageRetrieve:        5 * time.Minute,
			StageRoute:           time.Minute,
			StageClassify:        2 * time.Minute,
			StageSyncTicket:      time.Minute,
			StageEnqueueApproval: 30 * time.Second,
			StagePlan:            5 * time.Minute,
			StageExecute:         10 * time.Minute,
			StageClose:           time.Minute,
		},
	}
}

func (p Policy) timeout(stage StageName) time.Duration {
	if d, ok := p.StageTimeouts[stage]; ok && d > 0 {
		return d
	}
	if p.DefaultTimeout > 0 {
		return p.DefaultTimeout
	}
	return 2 * time.Minute
}

// Deps are the collaborators of an Engine. Store, Stages and Approvals are
// required; the rest default to no-ops.
type Deps struct {
	Store      CheckpointStore
	Stages     []Stage
	Approvals  Approvals
	Events     Publisher
	Archiver   Archiver
	Reconciler TicketReconciler
	Metrics    Recorder
	Policy     Policy
	Now        func() time.Time
}

// Engine drives requests through the stage pipeline. Every committed step is
// a versioned checkpoint write; a request is only ever advanced by the holder
// of its latest version.
type Engine struct {
	store      CheckpointStore
	stages     map[StageName]Stage
	router     Router
	approvals  Approvals
	events     Publisher
	archiver   Archiver
	reconciler TicketReconciler
	metrics    Recorder
	policy     Policy
	now        func() time.Time
}

func NewEngine(deps Deps) *Engine {
	e := &Engine{
		store:      deps.Store,
		stages:     map[StageName]Stage{},
		approvals:  deps.Approvals,
		events:     deps.Events,
		archiver:   deps.Archiver,
		reconciler: deps.Reconciler,
		metrics:    deps.Metrics,
		policy:     deps.Policy,
		now:        deps.Now,
	}
	for _, stage := range deps.Stages {
		e.stages[stage.Name()] = stage
	}
	if e.events == nil {
		e.events = nopPublisher{}
	}
	if e.metrics == nil {
		e.metrics = nopRecorder{}
	}
	if e.policy.MaxSteps <= 0 {
		e.policy.MaxSteps = DefaultPolicy().MaxSteps
	}
	if e.policy.ConflictRetries <= 0 {
		e.policy.ConflictRetries = DefaultPolicy().ConflictRetries
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// Create checkpoints a new request at the first stage. An empty requestID
// is replaced by a generated one.
func (e *Engine) Create(ctx context.Context, requestID string, payload UserRequest, requester Employee) (RequestState, error) {
	now := e.now()
	if payload.SubmittedAt.IsZero() {
		payload.SubmittedAt = now
	}
	if requestID == "" {
		requestID = util.NewID("req")
	}
	st := RequestState{
		RequestID:      requestID,
		Payload:        payload,
		Requester:      requester,
		CurrentStage:   StageRetrieve,
		WorkflowStatus: WorkflowRunning,
		RequestStatus:  RequestNew,
		Errors:         []ErrorRecord{},
		Approvals:      []Question{},
		Notifications:  []NotificationRecord{},
		History:        []StepRecord{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	saved, err := e.store.Create(ctx, st)
	if err != nil {
		return RequestState{}, fmt.Errorf("create request: %w", err)
	}
	e.publish(ctx, saved, events.TypeCreated, nil)
	return saved, nil
}

// Run drives a RUNNING request until it suspends, terminates or ctx ends.
func (e *Engine) Run(ctx context.Context, requestID string) (RequestState, error) {
	st, err := e.store.Load(ctx, requestID)
	if err != nil {
		return RequestState{}, err
	}
	return e.drive(ctx, st)
}

func (e *Engine) drive(ctx context.Context, st RequestState) (RequestState, error) {
	steps := 0
	conflicts := 0
	for st.WorkflowStatus == WorkflowRunning {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		var (
			next RequestState
			err  error
		)
		if steps >= e.policy.MaxSteps {
			next, err = e.haltRunaway(ctx, st)
		} else {
			next, err = e.step(ctx, st)
		}
		if err != nil {
			if IsConcurrentModification(err) && conflicts < e.policy.ConflictRetries {
				conflicts++
				fresh, loadErr := e.store.Load(ctx, st.RequestID)
				if loadErr != nil {
					return st, loadErr
				}
				log.Printf("workflow: request=%s version conflict at stage %s, reloaded version %d", st.RequestID, st.CurrentStage, fresh.Version)
				st = fresh
				continue
			}
			return st, err
		}
		conflicts = 0
		steps++
		st = next
	}
	return st, nil
}

// step runs the current stage and commits its result.
func (e *Engine) step(ctx context.Context, st RequestState) (RequestState, error) {
	started := e.now()
	stage := st.CurrentStage
	proposed, outcome, stageErr := e.runStage(ctx, st)
	if stageErr != nil && ctx.Err() != nil {
		// Shutting down: leave the committed state for the next run.
		return st, ctx.Err()
	}
	if stageErr != nil {
		proposed, outcome = e.fallback(st, proposed, stageErr)
	}
	proposed.Version = st.Version

	tr := e.router.Next(stage, outcome, &proposed)
	next := e.apply(proposed, tr, StepRecord{Stage: stage, Outcome: outcome, StartedAt: started})
	if err := verifyInvariants(&st, &next); err != nil {
		outcome = OutcomeEscalated
		next = e.emergency(st, &FatalError{Stage: stage, Err: err})
		tr = e.router.Next(stage, outcome, &next)
		next = e.apply(next, tr, StepRecord{Stage: stage, Outcome: outcome, StartedAt: started})
	}
	return e.commit(ctx, st, next, outcome, e.now().Sub(started))
}

func (e *Engine) runStage(ctx context.Context, st RequestState) (out RequestState, outcome Outcome, err error) {
	stage, ok := e.stages[st.CurrentStage]
	if !ok {
		return st, "", &FatalError{Stage: st.CurrentStage, Err: errors.New("no stage registered")}
	}
	stageCtx, cancel := context.WithTimeout(ctx, e.policy.timeout(st.CurrentStage))
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			out, outcome, err = st, "", &FatalError{Stage: st.CurrentStage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return stage.Run(stageCtx, st.Clone())
}

// haltRunaway stops a request that exceeded the step budget.
func (e *Engine) haltRunaway(ctx context.Context, st RequestState) (RequestState, error) {
	err := &FatalError{Stage: st.CurrentStage, Err: fmt.Errorf("step budget of %d exhausted", e.policy.MaxSteps)}
	next := e.emergency(st, err)
	tr := e.router.Next(st.CurrentStage, OutcomeEscalated, &next)
	next = e.apply(next, tr, StepRecord{Stage: st.CurrentStage, Outcome: OutcomeEscalated, StartedAt: e.now()})
	return e.commit(ctx, st, next, OutcomeEscalated, 0)
}

// apply folds a transition into the proposed state.
func (e *Engine) apply(st RequestState, tr Transition, rec StepRecord) RequestState {
	now := e.now()
	if tr.Intent != nil {
		intent := *tr.Intent
		intent.CreatedAt = now
		st.SyncIntent = &intent
	}
	if tr.Err != nil {
		errRec := *tr.Err
		errRec.ID = util.NewID("err")
		errRec.OccurredAt = now
		st.AppendError(errRec)
	}
	if tr.Status != "" {
		st.RequestStatus = tr.Status
	}
	switch tr.Action {
	case ActionAdvance:
		st.CurrentStage = tr.Next
		st.WorkflowStatus = WorkflowRunning
		if st.RequestStatus == RequestNew {
			st.RequestStatus = RequestInProgress
		}
	case ActionSuspend:
		st.WorkflowStatus = WorkflowSuspended
	case ActionTerminate:
		st.WorkflowStatus = WorkflowTerminated
	}
	rec.Action = tr.Action
	rec.Next = tr.Next
	rec.FinishedAt = now
	st.History = append(st.History, rec)
	st.UpdatedAt = now
	return st
}

// commit saves next over prev and emits the resulting events.
func (e *Engine) commit(ctx context.Context, prev, next RequestState, outcome Outcome, elapsed time.Duration) (RequestState, error) {
	saved, err := e.store.Save(ctx, next)
	if err != nil {
		return prev, err
	}
	last := saved.History[len(saved.History)-1]
	log.Printf(`{"component":"engine","request_id":%q,"stage":%q,"outcome":%q,"action":%q,"next":%q,"version":%d}`,
		saved.RequestID, last.Stage, outcome, last.Action, last.Next, saved.Version)
	e.metrics.StageCompleted(last.Stage, outcome, elapsed)
	e.publishNewErrors(ctx, prev, saved)
	e.publish(ctx, saved, events.TypeStageCompleted, map[string]string{
		"action": string(last.Action),
		"next":   string(last.Next),
	})
	e.afterCommit(ctx, saved)
	return saved, nil
}

func (e *Engine) afterCommit(ctx context.Context, saved RequestState) {
	switch saved.WorkflowStatus {
	case WorkflowSuspended:
		e.metrics.Suspended(saved.RequestStatus)
		data := map[string]string{}
		if q := saved.PendingQuestion(); q != nil {
			data["question_id"] = q.ID
			data["assignee"] = q.Assignee
			data["due_at"] = q.DueAt.Format(time.RFC3339)
		}
		e.publish(ctx, saved, events.TypeSuspended, data)
	case WorkflowTerminated:
		e.metrics.Finished(saved.WorkflowStatus)
		e.publish(ctx, saved, events.TypeTerminated, map[string]string{"decision": string(saved.Decision.Effective())})
		e.archive(ctx, saved)
	case WorkflowCancelled:
		e.metrics.Finished(saved.WorkflowStatus)
		e.publish(ctx, saved, events.TypeCancelled, map[string]string{"reason": saved.CancelReason})
		e.archive(ctx, saved)
	}
}

// Resume applies a human answer to the pending question and drives the
// request on. Only SUSPENDED requests accept answers.
func (e *Engine) Resume(ctx context.Context, requestID string, ans Answer) (RequestState, error) {
	for attempt := 0; ; attempt++ {
		st, err := e.store.Load(ctx, requestID)
		if err != nil {
			return RequestState{}, err
		}
		switch st.WorkflowStatus {
		case WorkflowCancelled:
			return st, ErrCancelled
		case WorkflowTerminated:
			return st, ErrTerminated
		}
		if st.WorkflowStatus != WorkflowSuspended {
			// A running request is still owned by its driver.
			return st, ErrNotSuspended
		}

		now := e.now()
		if ans.AnsweredAt.IsZero() {
			ans.AnsweredAt = now
		}
		next := st.Clone()
		q, err := e.approvals.Answer(&next, ans, now)
		if err != nil {
			return st, err
		}
		applyAnswer(&next, q, ans)
		tr := e.router.AfterAnswer(&next, q, ans)
		if err := e.approvals.Finalize(&next, q.ID, finalStatus(ans.Decision), now); err != nil {
			return st, err
		}
		next = e.apply(next, tr, StepRecord{Stage: st.CurrentStage, Outcome: OutcomeAnswered, StartedAt: now})
		if err := verifyInvariants(&st, &next); err != nil {
			return st, err
		}

		saved, err := e.store.Save(ctx, next)
		if err != nil {
			if IsConcurrentModification(err) && attempt < e.policy.ConflictRetries {
				continue
			}
			return st, err
		}
		e.publish(ctx, saved, events.TypeAnswered, map[string]string{
			"question_id": q.ID,
			"decision":    string(ans.Decision),
			"answered_by": ans.AnsweredBy,
		})
		e.publishNewErrors(ctx, st, saved)
		e.afterCommit(ctx, saved)
		return e.drive(ctx, saved)
	}
}

// applyAnswer records what an answer changes besides routing.
func applyAnswer(st *RequestState, q Question, ans Answer) {
	switch q.Context {
	case ContextReview, ContextRecovery:
		if st.Decision == nil || ans.Decision == AnswerNeedsMoreInfo {
			return
		}
		override := &DecisionOverride{
			By:            ans.AnsweredBy,
			Justification: ans.Justification,
			QuestionID:    q.ID,
			At:            ans.AnsweredAt,
		}
		switch ans.Decision {
		case AnswerApproved:
			override.Decision = DecisionAllowed
		case AnswerDenied:
			override.Decision = DecisionDenied
		}
		st.Decision.Override = override
	case ContextExecution:
		if ans.Decision != AnswerApproved || st.Plan == nil {
			return
		}
		for i := range st.Plan.Steps {
			step := &st.Plan.Steps[i]
			if step.Manual() && !step.Completed {
				step.Completed = true
				step.CompletedBy = ans.AnsweredBy
			}
		}
	}
}

func finalStatus(d AnswerDecision) QuestionStatus {
	switch d {
	case AnswerApproved:
		return QuestionApproved
	case AnswerDenied:
		return QuestionRejected
	default:
		return QuestionAnswered
	}
}

// Cancel stops a request. A pending question is withdrawn; the external
// ticket is left as is.
func (e *Engine) Cancel(ctx context.Context, requestID, reason string) (RequestState, error) {
	for attempt := 0; ; attempt++ {
		st, err := e.store.Load(ctx, requestID)
		if err != nil {
			return RequestState{}, err
		}
		switch st.WorkflowStatus {
		case WorkflowCancelled:
			return st, ErrCancelled
		case WorkflowTerminated:
			return st, ErrTerminated
		}

		now := e.now()
		next := st.Clone()
		if q := next.PendingQuestion(); q != nil {
			if err := e.approvals.Withdraw(&next, q.ID, now); err != nil {
				return st, err
			}
		}
		next.WorkflowStatus = WorkflowCancelled
		next.RequestStatus = RequestCancelled
		next.CancelReason = reason
		next.UpdatedAt = now
		next.History = append(next.History, StepRecord{
			Stage:      st.CurrentStage,
			Action:     ActionTerminate,
			StartedAt:  now,
			FinishedAt: now,
		})

		saved, err := e.store.Save(ctx, next)
		if err != nil {
			if IsConcurrentModification(err) && attempt < e.policy.ConflictRetries {
				continue
			}
			return st, err
		}
		e.afterCommit(ctx, saved)
		return saved, nil
	}
}

// Escalate expires an overdue question and opens its successor. It is a
// no-op when the question is no longer pending or not yet due.
func (e *Engine) Escalate(ctx context.Context, requestID, questionID string) (RequestState, Question, error) {
	for attempt := 0; ; attempt++ {
		st, err := e.store.Load(ctx, requestID)
		if err != nil {
			return RequestState{}, Question{}, err
		}
		if st.Terminal() {
			return st, Question{}, ErrTerminated
		}
		q := st.Question(questionID)
		if q == nil {
			return st, Question{}, ErrNoPendingQuestion
		}
		now := e.now()
		if !q.Overdue(now) {
			return st, *q, nil
		}

		next := st.Clone()
		successor, err := e.approvals.Escalate(&next, questionID, now)
		if err != nil {
			return st, Question{}, err
		}
		next.UpdatedAt = now
		if err := verifyInvariants(&st, &next); err != nil {
			return st, Question{}, err
		}
		saved, err := e.store.Save(ctx, next)
		if err != nil {
			if IsConcurrentModification(err) && attempt < e.policy.ConflictRetries {
				continue
			}
			return st, Question{}, err
		}
		e.metrics.Escalated()
		e.publishNewErrors(ctx, st, saved)
		e.publish(ctx, saved, events.TypeEscalated, map[string]string{
			"expired_question_id": questionID,
			"question_id":         successor.ID,
			"assignee":            successor.Assignee,
		})
		return saved, successor, nil
	}
}

// Reconcile retries a ticket transition left pending by an earlier failure.
func (e *Engine) Reconcile(ctx context.Context, requestID string) (RequestState, error) {
	for attempt := 0; ; attempt++ {
		st, err := e.store.Load(ctx, requestID)
		if err != nil {
			return RequestState{}, err
		}
		if e.reconciler == nil || st.Ticket == nil || st.Ticket.PendingSync == nil {
			return st, nil
		}
		next := st.Clone()
		if err := e.reconciler.Reconcile(ctx, &next); err != nil {
			kind, sev := classify(err)
			next.AppendError(e.errorRecord(kind, sev, StageSyncTicket, err))
		}
		next.UpdatedAt = e.now()
		if err := verifyInvariants(&st, &next); err != nil {
			return st, err
		}
		saved, err := e.store.Save(ctx, next)
		if err != nil {
			if IsConcurrentModification(err) && attempt < e.policy.ConflictRetries {
				continue
			}
			return st, err
		}
		e.publishNewErrors(ctx, st, saved)
		e.publish(ctx, saved, events.TypeTicketSynced, map[string]string{
			"ticket_id":     saved.Ticket.TicketID,
			"ticket_status": string(saved.Ticket.Status),
		})
		return saved, nil
	}
}

func (e *Engine) archive(ctx context.Context, st RequestState) {
	if e.archiver == nil {
		return
	}
	if err := e.archiver.Archive(ctx, st); err != nil {
		log.Printf("workflow: archive request=%s: %v", st.RequestID, err)
	}
}

func (e *Engine) publishNewErrors(ctx context.Context, prev, next RequestState) {
	for _, rec := range next.Errors[len(prev.Errors):] {
		e.publish(ctx, next, events.TypeErrorRecorded, map[string]string{
			"error_id": rec.ID,
			"kind":     string(rec.Kind),
			"severity": string(rec.Severity),
			"message":  rec.Message,
		})
	}
}

func (e *Engine) publish(ctx context.Context, st RequestState, typ events.Type, data map[string]string) {
	ev := events.Event{
		RequestID:      st.RequestID,
		Type:           typ,
		Stage:          string(st.CurrentStage),
		WorkflowStatus: string(st.WorkflowStatus),
		RequestStatus:  string(st.RequestStatus),
		Version:        st.Version,
		Data:           data,
		At:             e.now(),
	}
	if n := len(st.History); n > 0 && typ == events.TypeStageCompleted {
		ev.Stage = string(st.History[n-1].Stage)
		ev.Outcome = string(st.History[n-1].Outcome)
	}
	if _, err := e.events.Publish(ctx, ev); err != nil {
		log.Printf("workflow: publish %s for request=%s: %v", typ, st.RequestID, err)
	}
}
