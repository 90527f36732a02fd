package workflow

import "fmt"

// Action is what the engine does after a stage.
type Action string

const (
	ActionAdvance   Action = "advance"
	ActionSuspend   Action = "suspend"
	ActionTerminate Action = "terminate"
)

// Transition is the router's verdict for one committed step.
type Transition struct {
	Action Action
	Next   StageName
	// Intent is the ticket work for the next SyncTicket stage.
	Intent *SyncIntent
	// Status replaces the request status when set.
	Status RequestStatus
	Reason string
	// Err is recorded on the state when the route itself is invalid.
	Err *ErrorRecord
}

// Router is a pure function of (stage, outcome, state) onto the next action.
type Router struct{}

// Next picks the transition after stage finished with outcome.
func (Router) Next(stage StageName, outcome Outcome, st *RequestState) Transition {
	if outcome == OutcomeEscalated {
		return suspend(RequestAwaitingApproval, "emergency review opened")
	}
	switch stage {
	case StageRetrieve:
		return advance(StageRoute)
	case StageRoute:
		return advance(StageClassify)
	case StageClassify:
		return afterClassify(st)
	case StageSyncTicket:
		if outcome == OutcomeSynced || outcome == OutcomeSyncDeferred {
			return afterSync(st)
		}
	case StageEnqueueApproval:
		if outcome == OutcomeSuspended {
			return afterEnqueue(st)
		}
	case StagePlan:
		if outcome == OutcomeCompleted {
			return advance(StageExecute)
		}
	case StageExecute:
		return afterExecute(outcome, st)
	case StageClose:
		if outcome == OutcomeCompleted {
			return terminate(RequestClosed, "request closed")
		}
	}
	return invalidRoute(stage, fmt.Sprintf("no route for stage %s with outcome %q", stage, outcome))
}

// AfterAnswer picks the transition for a human answer to q.
func (Router) AfterAnswer(st *RequestState, q Question, ans Answer) Transition {
	switch ans.Decision {
	case AnswerApproved:
		if q.Context == ContextRecovery && !reviewLike(q.ResumeStage) {
			tr := advance(q.ResumeStage)
			tr.Status = RequestInProgress
			return tr
		}
		tr := syncThen(st, PurposeApprovalResumed, "", TicketInProgress)
		tr.Status = RequestInProgress
		return tr
	case AnswerDenied:
		return syncThen(st, PurposeApprovalDenied, denialComment(ans), TicketClosed)
	case AnswerNeedsMoreInfo:
		comment := "More information requested"
		if ans.Notes != "" {
			comment += ": " + ans.Notes
		}
		if st.Ticket == nil || st.Ticket.TicketID == "" {
			return syncThen(st, PurposeMoreInfo, comment, TicketInProgress)
		}
		tr := syncThen(st, PurposeMoreInfo, comment)
		tr.Status = RequestInProgress
		return tr
	}
	return invalidRoute(st.CurrentStage, fmt.Sprintf("unknown answer decision %q", ans.Decision))
}

// reviewLike reports whether approving a recovery question should continue
// the way an approved review does rather than re-running the failed stage.
func reviewLike(stage StageName) bool {
	switch stage {
	case "", StageRetrieve, StageRoute, StageClassify, StageEnqueueApproval:
		return true
	default:
		return false
	}
}

func afterClassify(st *RequestState) Transition {
	if st.Decision == nil || !st.Decision.Decision.Valid() {
		return invalidRoute(StageClassify, "classification produced no valid decision")
	}
	switch st.Decision.Decision {
	case DecisionDenied:
		return syncThen(st, PurposeClassified, "Request denied by policy", TicketClosed)
	default:
		tr := syncThen(st, PurposeClassified, "", TicketInProgress)
		tr.Status = RequestInProgress
		return tr
	}
}

func afterSync(st *RequestState) Transition {
	if st.SyncIntent == nil {
		return invalidRoute(StageSyncTicket, "ticket sync finished without an intent")
	}
	switch st.SyncIntent.Purpose {
	case PurposeClassified:
		switch st.Decision.Effective() {
		case DecisionDenied:
			return terminate(RequestClosed, "denied by policy")
		case DecisionRequiresApproval:
			return advance(StageEnqueueApproval)
		case DecisionAllowed:
			if st.Decision.NeedsHuman {
				return advance(StageEnqueueApproval)
			}
			return advance(StagePlan)
		}
		return invalidRoute(StageSyncTicket, "classification produced no valid decision")
	case PurposeApprovalResumed:
		if q := st.LastAnswered(); q != nil && q.Context == ContextExecution {
			return advance(StageExecute)
		}
		return advance(StagePlan)
	case PurposeApprovalDenied:
		return terminate(RequestClosed, "denied by approver")
	case PurposeMoreInfo, PurposeExecutionAwaiting:
		return advance(StageEnqueueApproval)
	case PurposeResolved:
		return advance(StageClose)
	}
	return invalidRoute(StageSyncTicket, fmt.Sprintf("unknown sync purpose %q", st.SyncIntent.Purpose))
}

func afterEnqueue(st *RequestState) Transition {
	q := st.PendingQuestion()
	if q == nil {
		return invalidRoute(StageEnqueueApproval, "approval stage suspended without a pending question")
	}
	if q.Context == ContextExecution {
		if st.Execution != nil && st.Execution.Outcome == ExecutionAwaitingManager {
			return suspend(RequestAwaitingManager, "awaiting manager")
		}
		return suspend(RequestAwaitingEmployee, "awaiting employee")
	}
	return suspend(RequestAwaitingApproval, "awaiting approval")
}

func afterExecute(outcome Outcome, st *RequestState) Transition {
	switch outcome {
	case OutcomeExecuted:
		return syncThen(st, PurposeResolved, "All plan steps completed", TicketResolved, TicketClosed)
	case OutcomeAwaitingEmployee:
		return syncThen(st, PurposeExecutionAwaiting, "Waiting on employee action", TicketInProgress)
	case OutcomeAwaitingManager:
		return syncThen(st, PurposeExecutionAwaiting, "Waiting on manager approval", TicketWaitingForApproval)
	}
	return invalidRoute(StageExecute, fmt.Sprintf("unknown execution outcome %q", outcome))
}

func denialComment(ans Answer) string {
	if ans.Justification != "" {
		return "Denied by " + ans.AnsweredBy + ": " + ans.Justification
	}
	return "Denied by " + ans.AnsweredBy
}

func syncThen(st *RequestState, purpose SyncPurpose, comment string, targets ...TicketStatus) Transition {
	op := SyncUpdate
	if st.Ticket == nil || st.Ticket.TicketID == "" {
		op = SyncCreate
	}
	return Transition{
		Action: ActionAdvance,
		Next:   StageSyncTicket,
		Intent: &SyncIntent{Op: op, Targets: targets, Purpose: purpose, Comment: comment},
		Reason: string(purpose),
	}
}

func advance(next StageName) Transition {
	return Transition{Action: ActionAdvance, Next: next, Reason: "advance to " + string(next)}
}

func suspend(status RequestStatus, reason string) Transition {
	return Transition{Action: ActionSuspend, Status: status, Reason: reason}
}

func terminate(status RequestStatus, reason string) Transition {
	return Transition{Action: ActionTerminate, Status: status, Reason: reason}
}

func invalidRoute(stage StageName, message string) Transition {
	return Transition{
		Action: ActionTerminate,
		Status: RequestClosed,
		Reason: message,
		Err: &ErrorRecord{
			Kind:     KindFatal,
			Message:  message,
			Severity: SeverityCritical,
			Stage:    stage,
		},
	}
}
