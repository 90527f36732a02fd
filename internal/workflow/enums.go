package workflow

// StageName identifies one step of the request pipeline.
type StageName string

const (
	StageRetrieve        StageName = "retrieve"
	StageRoute           StageName = "route"
	StageClassify        StageName = "classify"
	StageSyncTicket      StageName = "sync_ticket"
	StageEnqueueApproval StageName = "enqueue_approval"
	StagePlan            StageName = "plan"
	StageExecute         StageName = "execute"
	StageClose           StageName = "close"
)

// Stages lists every stage in pipeline order.
var Stages = []StageName{
	StageRetrieve,
	StageRoute,
	StageClassify,
	StageSyncTicket,
	StageEnqueueApproval,
	StagePlan,
	StageExecute,
	StageClose,
}

// WorkflowStatus is the engine-level marker of a request.
type WorkflowStatus string

const (
	WorkflowRunning    WorkflowStatus = "RUNNING"
	WorkflowSuspended  WorkflowStatus = "SUSPENDED"
	WorkflowTerminated WorkflowStatus = "TERMINATED"
	WorkflowCancelled  WorkflowStatus = "CANCELLED"
)

// Final reports whether no further stage may run.
func (s WorkflowStatus) Final() bool {
	return s == WorkflowTerminated || s == WorkflowCancelled
}

// RequestStatus is the business-facing status of a request.
type RequestStatus string

const (
	RequestNew              RequestStatus = "NEW"
	RequestInProgress       RequestStatus = "IN_PROGRESS"
	RequestAwaitingApproval RequestStatus = "AWAITING_APPROVAL"
	RequestAwaitingEmployee RequestStatus = "AWAITING_EMPLOYEE"
	RequestAwaitingManager  RequestStatus = "AWAITING_MANAGER"
	RequestClosed           RequestStatus = "CLOSED"
	RequestCancelled        RequestStatus = "CANCELLED"
)

// Decision is the classification of a request against policy.
type Decision string

const (
	DecisionAllowed          Decision = "ALLOWED"
	DecisionDenied           Decision = "DENIED"
	DecisionRequiresApproval Decision = "REQUIRES_APPROVAL"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionAllowed, DecisionDenied, DecisionRequiresApproval:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

func (p Priority) Valid() bool {
	return p.Rank() > 0
}

// Rank orders priorities; unknown values rank 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	default:
		return 0
	}
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

func (r RiskLevel) Rank() int {
	return Priority(r).Rank()
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Actor is who performs a plan step.
type Actor string

const (
	ActorITAgent         Actor = "it_agent"
	ActorEmployee        Actor = "employee"
	ActorManagerApproval Actor = "manager_approval"
	ActorSystem          Actor = "system"
)

func (a Actor) Valid() bool {
	switch a {
	case ActorITAgent, ActorEmployee, ActorManagerApproval, ActorSystem:
		return true
	default:
		return false
	}
}

// TicketStatus values match the external ticketing workflow's status names.
type TicketStatus string

const (
	TicketNew                   TicketStatus = "New"
	TicketInProgress            TicketStatus = "In Progress"
	TicketWaitingForApproval    TicketStatus = "Waiting for Approval"
	TicketWaitingForHumanReview TicketStatus = "Waiting for Human Review"
	TicketResolved              TicketStatus = "Resolved"
	TicketClosed                TicketStatus = "Closed"
)

// ExecutionOutcome is produced once per Execute invocation.
type ExecutionOutcome string

const (
	ExecutionExecuted         ExecutionOutcome = "EXECUTED"
	ExecutionAwaitingEmployee ExecutionOutcome = "AWAITING_EMPLOYEE"
	ExecutionAwaitingManager  ExecutionOutcome = "AWAITING_MANAGER"
)

// Outcome is what a stage reports to the router.
type Outcome string

const (
	OutcomeCompleted        Outcome = "COMPLETED"
	OutcomeExecuted         Outcome = Outcome(ExecutionExecuted)
	OutcomeAwaitingEmployee Outcome = Outcome(ExecutionAwaitingEmployee)
	OutcomeAwaitingManager  Outcome = Outcome(ExecutionAwaitingManager)
	OutcomeSynced           Outcome = "SYNCED"
	OutcomeSyncDeferred     Outcome = "SYNC_DEFERRED"
	OutcomeSuspended        Outcome = "SUSPENDED"
	OutcomeAnswered         Outcome = "ANSWERED"
	// OutcomeEscalated means a stage failed fatally and an emergency question is open.
	OutcomeEscalated Outcome = "ESCALATED"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type ErrorKind string

const (
	KindValidation          ErrorKind = "ValidationError"
	KindParse               ErrorKind = "ParseError"
	KindExternalService     ErrorKind = "ExternalServiceError"
	KindRetrieval           ErrorKind = "RetrievalError"
	KindFatal               ErrorKind = "FatalError"
	KindEscalationExhausted ErrorKind = "EscalationExhausted"
)

type QuestionStatus string

const (
	QuestionPending  QuestionStatus = "PENDING"
	QuestionAnswered QuestionStatus = "ANSWERED"
	QuestionApproved QuestionStatus = "APPROVED"
	QuestionRejected QuestionStatus = "REJECTED"
	QuestionExpired  QuestionStatus = "EXPIRED"
)

type QuestionKind string

const (
	KindClassificationReview QuestionKind = "classification_review"
	KindPolicyInterpretation QuestionKind = "policy_interpretation"
	KindRiskAssessment       QuestionKind = "risk_assessment"
	KindApprovalDecision     QuestionKind = "approval_decision"
	KindExceptionGranting    QuestionKind = "exception_granting"
	KindExecutionFollowUp    QuestionKind = "execution_followup"
)

// QuestionContext says which part of the pipeline a question pauses.
type QuestionContext string

const (
	ContextReview    QuestionContext = "review"
	ContextExecution QuestionContext = "execution"
	ContextRecovery  QuestionContext = "recovery"
)

type AnswerDecision string

const (
	AnswerApproved      AnswerDecision = "APPROVED"
	AnswerDenied        AnswerDecision = "DENIED"
	AnswerNeedsMoreInfo AnswerDecision = "NEEDS_MORE_INFO"
)

func (d AnswerDecision) Valid() bool {
	switch d {
	case AnswerApproved, AnswerDenied, AnswerNeedsMoreInfo:
		return true
	default:
		return false
	}
}

type SyncOp string

const (
	SyncCreate SyncOp = "create"
	SyncUpdate SyncOp = "update"
)

// SyncPurpose records why a ticket sync was scheduled; the router reads it
// after SyncTicket to pick the continuation.
type SyncPurpose string

const (
	PurposeClassified        SyncPurpose = "classified"
	PurposeApprovalResumed   SyncPurpose = "approval_resumed"
	PurposeApprovalDenied    SyncPurpose = "approval_denied"
	PurposeMoreInfo          SyncPurpose = "more_info"
	PurposeExecutionAwaiting SyncPurpose = "execution_awaiting"
	PurposeResolved          SyncPurpose = "resolved"
)
