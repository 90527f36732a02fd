package workflow

import (
	"encoding/json"
	"time"
)

// RequestState is the versioned aggregate for one request. Only the Engine
// mutates and commits it; stages receive a copy and return a proposed copy.
type RequestState struct {
	RequestID      string         `json:"request_id"`
	Version        int64          `json:"version"`
	Payload        UserRequest    `json:"payload"`
	Requester      Employee       `json:"requester"`
	CurrentStage   StageName      `json:"current_stage"`
	WorkflowStatus WorkflowStatus `json:"workflow_status"`
	RequestStatus  RequestStatus  `json:"request_status"`

	Evidence   *Evidence          `json:"evidence,omitempty"`
	Routing    *RoutingVerdict    `json:"routing,omitempty"`
	Decision   *DecisionRecord    `json:"decision,omitempty"`
	Plan       *PlanRecord        `json:"plan,omitempty"`
	Ticket     *TicketRecord      `json:"ticket,omitempty"`
	Execution  *ExecutionRecord   `json:"execution,omitempty"`
	Completion *CompletionSummary `json:"completion,omitempty"`
	SyncIntent *SyncIntent        `json:"sync_intent,omitempty"`

	Errors        []ErrorRecord        `json:"errors"`
	Approvals     []Question           `json:"approvals"`
	Notifications []NotificationRecord `json:"notifications"`
	History       []StepRecord         `json:"history"`

	CancelReason string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserRequest is the submitted payload.
type UserRequest struct {
	Title                 string            `json:"title"`
	Description           string            `json:"description"`
	Category              string            `json:"category"`
	Priority              Priority          `json:"priority"`
	Urgency               string            `json:"urgency,omitempty"`
	BusinessJustification string            `json:"business_justification,omitempty"`
	DesiredCompletion     *time.Time        `json:"desired_completion,omitempty"`
	Attachments           []string          `json:"attachments,omitempty"`
	CustomFields          map[string]string `json:"custom_fields,omitempty"`
	SubmittedAt           time.Time         `json:"submitted_at"`
}

// Employee identifies the requester.
type Employee struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Department   string `json:"department,omitempty"`
	Role         string `json:"role,omitempty"`
	ManagerEmail string `json:"manager_email,omitempty"`
	AccessLevel  string `json:"access_level,omitempty"`
	Location     string `json:"location,omitempty"`
}

type Evidence struct {
	Query       string     `json:"query"`
	Documents   []Document `json:"documents"`
	Citations   []Citation `json:"citations"`
	RetrievedAt time.Time  `json:"retrieved_at"`
}

type Document struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Source      string  `json:"source"`
	Category    string  `json:"category,omitempty"`
	Section     string  `json:"section,omitempty"`
	Revision    string  `json:"revision,omitempty"`
	Excerpt     string  `json:"excerpt"`
	Relevance   float64 `json:"relevance"`
	Fingerprint string  `json:"fingerprint"`
}

type Citation struct {
	Source     string  `json:"source"`
	Text       string  `json:"text"`
	Relevance  float64 `json:"relevance"`
	DocumentID string  `json:"document_id,omitempty"`
	Section    string  `json:"section,omitempty"`
	Page       int     `json:"page,omitempty"`
}

type Complexity string

const (
	ComplexitySimple   Complexity = "SIMPLE"
	ComplexityModerate Complexity = "MODERATE"
	ComplexityComplex  Complexity = "COMPLEX"
)

// RoutingVerdict selects the model tier for classification.
type RoutingVerdict struct {
	Complexity          Complexity `json:"complexity"`
	Model               string     `json:"model"`
	Confidence          float64    `json:"confidence"`
	Risk                RiskLevel  `json:"risk"`
	Escalate            bool       `json:"escalate"`
	TokenEstimate       int        `json:"token_estimate"`
	Conflicts           []string   `json:"conflicts,omitempty"`
	Novelty             float64    `json:"novelty"`
	ReasoningIndicators []string   `json:"reasoning_indicators,omitempty"`
	Reasons             []string   `json:"reasons,omitempty"`
}

// DecisionRecord is the single canonical classification result. Once set it is
// never cleared; a human answer supersedes it through Override.
type DecisionRecord struct {
	Decision         Decision          `json:"decision"`
	Confidence       float64           `json:"confidence"`
	Citations        []Citation        `json:"citations"`
	NeedsHuman       bool              `json:"needs_human"`
	MissingFields    []string          `json:"missing_fields,omitempty"`
	Justification    string            `json:"justification"`
	Model            string            `json:"model"`
	PolicyReferences []string          `json:"policy_references,omitempty"`
	Risk             RiskLevel         `json:"risk"`
	Fallback         bool              `json:"fallback"`
	DecidedAt        time.Time         `json:"decided_at"`
	Override         *DecisionOverride `json:"override,omitempty"`
}

// DecisionOverride is a human decision recorded from an answered question.
type DecisionOverride struct {
	Decision      Decision  `json:"decision"`
	By            string    `json:"by"`
	Justification string    `json:"justification,omitempty"`
	QuestionID    string    `json:"question_id"`
	At            time.Time `json:"at"`
}

// Effective returns the override when present, otherwise the model decision.
func (d *DecisionRecord) Effective() Decision {
	if d == nil {
		return ""
	}
	if d.Override != nil {
		return d.Override.Decision
	}
	return d.Decision
}

type PlanRecord struct {
	PlanID            string           `json:"plan_id"`
	Summary           string           `json:"summary"`
	Classification    string           `json:"classification,omitempty"`
	Priority          Priority         `json:"priority,omitempty"`
	EstimatedDuration string           `json:"estimated_duration,omitempty"`
	Steps             []PlanStep       `json:"steps"`
	Approval          ApprovalWorkflow `json:"approval_workflow"`
	EmailDraft        *EmailDraft      `json:"email_draft,omitempty"`
	RiskAssessment    string           `json:"risk_assessment,omitempty"`
	ComplianceChecks  []string         `json:"compliance_checklist,omitempty"`
	SuccessCriteria   []string         `json:"success_criteria,omitempty"`
	Model             string           `json:"model,omitempty"`
	Fallback          bool             `json:"fallback"`
	CreatedAt         time.Time        `json:"created_at"`
}

type PlanStep struct {
	StepID             string   `json:"step_id"`
	Order              int      `json:"order"`
	Description        string   `json:"description"`
	Actor              Actor    `json:"actor"`
	ActorDetails       string   `json:"actor_details,omitempty"`
	EstimatedDuration  string   `json:"estimated_duration,omitempty"`
	AutomationPossible bool     `json:"automation_possible"`
	RequiredTools      []string `json:"required_tools,omitempty"`
	Completed          bool     `json:"completed"`
	CompletedBy        string   `json:"completed_by,omitempty"`
}

// Manual reports whether the step needs a person outside IT to act.
func (s PlanStep) Manual() bool {
	if s.AutomationPossible {
		return false
	}
	return s.Actor == ActorEmployee || s.Actor == ActorManagerApproval
}

type ApprovalWorkflow struct {
	Needed         bool     `json:"needed"`
	Approvers      []string `json:"approvers,omitempty"`
	EscalationPath []string `json:"escalation_path,omitempty"`
	TimeoutHours   int      `json:"timeout_hours"`
}

type EmailDraft struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type TicketRecord struct {
	TicketID    string        `json:"ticket_id"`
	Key         string        `json:"key,omitempty"`
	Status      TicketStatus  `json:"status"`
	Assignee    string        `json:"assignee,omitempty"`
	Resolution  string        `json:"resolution,omitempty"`
	PendingSync *PendingSync  `json:"pending_sync,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Audit       []TicketAudit `json:"audit"`
}

// PendingSync is a transition the external system has not yet confirmed.
type PendingSync struct {
	Op        SyncOp         `json:"op"`
	Targets   []TicketStatus `json:"targets"`
	Comment   string         `json:"comment,omitempty"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	Since     time.Time      `json:"since"`
}

type TicketAudit struct {
	From    TicketStatus `json:"from,omitempty"`
	To      TicketStatus `json:"to"`
	Action  string       `json:"action"`
	Comment string       `json:"comment,omitempty"`
	At      time.Time    `json:"at"`
}

// SyncIntent is the ticket work the next SyncTicket stage performs.
type SyncIntent struct {
	Op        SyncOp         `json:"op"`
	Targets   []TicketStatus `json:"targets"`
	Purpose   SyncPurpose    `json:"purpose"`
	Comment   string         `json:"comment,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type ExecutionRecord struct {
	Outcome     ExecutionOutcome `json:"outcome"`
	Steps       []StepResult     `json:"steps"`
	Pending     []string         `json:"pending_steps,omitempty"`
	UserGuide   string           `json:"user_guide,omitempty"`
	Invocations int              `json:"invocations"`
	ExecutedAt  time.Time        `json:"executed_at"`
}

type StepResult struct {
	StepID string    `json:"step_id"`
	Tool   string    `json:"tool"`
	Status string    `json:"status"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type CompletionStatus string

const (
	CompletionCompleted          CompletionStatus = "completed"
	CompletionPartiallyCompleted CompletionStatus = "partially_completed"
	CompletionEscalated          CompletionStatus = "escalated"
	CompletionCancelled          CompletionStatus = "cancelled"
)

type CompletionSummary struct {
	CompletionID           string              `json:"completion_id"`
	TicketID               string              `json:"ticket_id,omitempty"`
	Status                 CompletionStatus    `json:"status"`
	ResolutionSummary      string              `json:"resolution_summary"`
	HoursToResolution      float64             `json:"hours_to_resolution"`
	StepsCompleted         int                 `json:"steps_completed"`
	TotalSteps             int                 `json:"total_steps"`
	HumanIntervention      bool                `json:"human_intervention"`
	EscalationReason       string              `json:"escalation_reason,omitempty"`
	KnowledgeGaps          []string            `json:"knowledge_gaps,omitempty"`
	ImprovementSuggestions []string            `json:"improvement_suggestions,omitempty"`
	Survey                 *SatisfactionSurvey `json:"survey,omitempty"`
	CompletedAt            time.Time           `json:"completed_at"`
}

type SatisfactionSurvey struct {
	SurveyID  string    `json:"survey_id"`
	TicketID  string    `json:"ticket_id,omitempty"`
	Questions []string  `json:"questions"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorRecord is append-only.
type ErrorRecord struct {
	ID         string            `json:"id"`
	Kind       ErrorKind         `json:"kind"`
	Message    string            `json:"message"`
	Severity   Severity          `json:"severity"`
	Stage      StageName         `json:"stage,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Context    map[string]string `json:"context,omitempty"`
}

// Question is a human-in-the-loop item. At most one per request is PENDING.
type Question struct {
	ID              string          `json:"id"`
	RequestID       string          `json:"request_id"`
	Kind            QuestionKind    `json:"kind"`
	Context         QuestionContext `json:"context"`
	Prompt          string          `json:"prompt"`
	Decision        Decision        `json:"decision,omitempty"`
	Assignee        string          `json:"assignee"`
	Priority        Priority        `json:"priority"`
	Status          QuestionStatus  `json:"status"`
	Emergency       bool            `json:"emergency"`
	EscalationPath  []string        `json:"escalation_path,omitempty"`
	EscalationLevel int             `json:"escalation_level"`
	ResumeStage     StageName       `json:"resume_stage,omitempty"`
	PreviousID      string          `json:"previous_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	DueAt           time.Time       `json:"due_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	Answer          *Answer         `json:"answer,omitempty"`
}

// Overdue reports whether a pending question has passed its due time.
func (q Question) Overdue(now time.Time) bool {
	return q.Status == QuestionPending && !q.DueAt.IsZero() && !now.Before(q.DueAt)
}

type Answer struct {
	// QuestionID, when set, must name the pending question.
	QuestionID    string         `json:"question_id,omitempty"`
	AnsweredBy    string         `json:"answered_by"`
	Decision      AnswerDecision `json:"decision"`
	Justification string         `json:"justification,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
	Notes         string         `json:"notes,omitempty"`
	AnsweredAt    time.Time      `json:"answered_at"`
}

// QuestionSpec describes a question to open; the suspension manager fills in
// assignment, due time and escalation path.
type QuestionSpec struct {
	Kind           QuestionKind
	Context        QuestionContext
	Prompt         string
	Decision       Decision
	Risk           RiskLevel
	Priority       Priority
	Assignee       string
	EscalationPath []string
	Emergency      bool
	ResumeStage    StageName
}

type NotificationRecord struct {
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	To      []string  `json:"to"`
	Subject string    `json:"subject"`
	SentAt  time.Time `json:"sent_at"`
}

// StepRecord is one committed engine step.
type StepRecord struct {
	Stage      StageName `json:"stage"`
	Outcome    Outcome   `json:"outcome"`
	Action     Action    `json:"action"`
	Next       StageName `json:"next,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Clone returns a deep copy so stages cannot alias the committed state.
func (s RequestState) Clone() RequestState {
	raw, err := json.Marshal(s)
	if err != nil {
		panic("workflow: clone request state: " + err.Error())
	}
	var out RequestState
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("workflow: clone request state: " + err.Error())
	}
	return out
}

// PendingQuestion returns the open question, if any.
func (s *RequestState) PendingQuestion() *Question {
	for i := len(s.Approvals) - 1; i >= 0; i-- {
		if s.Approvals[i].Status == QuestionPending {
			return &s.Approvals[i]
		}
	}
	return nil
}

// Question returns the question with the given id.
func (s *RequestState) Question(id string) *Question {
	for i := range s.Approvals {
		if s.Approvals[i].ID == id {
			return &s.Approvals[i]
		}
	}
	return nil
}

// LastAnswered returns the most recently answered question.
func (s *RequestState) LastAnswered() *Question {
	for i := len(s.Approvals) - 1; i >= 0; i-- {
		if s.Approvals[i].Answer != nil {
			return &s.Approvals[i]
		}
	}
	return nil
}

// HasNotification reports whether a message with key was already sent.
func (s *RequestState) HasNotification(key string) bool {
	for _, n := range s.Notifications {
		if n.Key == key {
			return true
		}
	}
	return false
}

// AppendError adds to the error log.
func (s *RequestState) AppendError(rec ErrorRecord) {
	s.Errors = append(s.Errors, rec)
}

// TicketStatus returns the last confirmed ticket status, or "" without a ticket.
func (s *RequestState) TicketStatus() TicketStatus {
	if s.Ticket == nil {
		return ""
	}
	return s.Ticket.Status
}

// Terminal reports whether the request can no longer progress.
func (s *RequestState) Terminal() bool {
	return s.WorkflowStatus.Final()
}
