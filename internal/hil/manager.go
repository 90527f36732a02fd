// Package hil manages human-in-the-loop questions: opening them with an
// assignee and due time, recording answers, and escalating overdue ones.
package hil

import (
	"fmt"
	"time"

	"helpdesk/api/internal/util"
	"helpdesk/api/internal/workflow"
)

// Assignees are the default owners of new questions.
type Assignees struct {
	Default   string
	Approval  string
	Senior    string
	Emergency string
}

type Config struct {
	DueWindows    map[workflow.Priority]time.Duration
	DefaultPath   []string
	EmergencyPath []string
	Assignees     Assignees
}

func DefaultConfig() Config {
	return Config{
		DueWindows: map[workflow.Priority]time.Duration{
			workflow.PriorityCritical: time.Hour,
			workflow.PriorityHigh:     4 * time.Hour,
			workflow.PriorityMedium:   8 * time.Hour,
			workflow.PriorityLow:      24 * time.Hour,
		},
		DefaultPath:   []string{"supervisor", "manager"},
		EmergencyPath: []string{"supervisor", "manager", "emergency_team"},
		Assignees: Assignees{
			Default:   "analyst",
			Approval:  "team_lead",
			Senior:    "senior_analyst",
			Emergency: "emergency_team",
		},
	}
}

// Manager implements workflow.Approvals. It only edits the state it is
// handed; persistence is the caller's checkpoint write.
type Manager struct {
	cfg Config
}

func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if len(cfg.DueWindows) == 0 {
		cfg.DueWindows = def.DueWindows
	}
	if len(cfg.DefaultPath) == 0 {
		cfg.DefaultPath = def.DefaultPath
	}
	if len(cfg.EmergencyPath) == 0 {
		cfg.EmergencyPath = def.EmergencyPath
	}
	if cfg.Assignees.Default == "" {
		cfg.Assignees.Default = def.Assignees.Default
	}
	if cfg.Assignees.Approval == "" {
		cfg.Assignees.Approval = def.Assignees.Approval
	}
	if cfg.Assignees.Senior == "" {
		cfg.Assignees.Senior = def.Assignees.Senior
	}
	if cfg.Assignees.Emergency == "" {
		cfg.Assignees.Emergency = def.Assignees.Emergency
	}
	return &Manager{cfg: cfg}
}

// Open appends a new PENDING question. Only one question may be pending.
func (m *Manager) Open(st *workflow.RequestState, spec workflow.QuestionSpec, now time.Time) (workflow.Question, error) {
	if st.PendingQuestion() != nil {
		return workflow.Question{}, workflow.ErrQuestionPending
	}
	priority := spec.Priority
	if !priority.Valid() {
		priority = priorityForRisk(spec.Risk)
	}
	path := spec.EscalationPath
	if len(path) == 0 {
		path = m.cfg.DefaultPath
		if spec.Emergency {
			path = m.cfg.EmergencyPath
		}
	}
	qctx := spec.Context
	if qctx == "" {
		qctx = workflow.ContextReview
	}
	q := workflow.Question{
		ID:             util.NewID("q"),
		RequestID:      st.RequestID,
		Kind:           spec.Kind,
		Context:        qctx,
		Prompt:         spec.Prompt,
		Decision:       spec.Decision,
		Assignee:       m.assign(spec, priority),
		Priority:       priority,
		Status:         workflow.QuestionPending,
		Emergency:      spec.Emergency,
		EscalationPath: append([]string(nil), path...),
		ResumeStage:    spec.ResumeStage,
		CreatedAt:      now,
		DueAt:          now.Add(m.window(priority)),
	}
	st.Approvals = append(st.Approvals, q)
	return q, nil
}

func (m *Manager) assign(spec workflow.QuestionSpec, priority workflow.Priority) string {
	switch {
	case spec.Assignee != "":
		return spec.Assignee
	case spec.Emergency && priority == workflow.PriorityCritical:
		return m.cfg.Assignees.Emergency
	case spec.Decision == workflow.DecisionDenied || priority == workflow.PriorityCritical:
		return m.cfg.Assignees.Senior
	case spec.Decision == workflow.DecisionRequiresApproval:
		return m.cfg.Assignees.Approval
	default:
		return m.cfg.Assignees.Default
	}
}

func (m *Manager) window(p workflow.Priority) time.Duration {
	if d, ok := m.cfg.DueWindows[p]; ok && d > 0 {
		return d
	}
	return 8 * time.Hour
}

func priorityForRisk(r workflow.RiskLevel) workflow.Priority {
	switch r {
	case workflow.RiskCritical:
		return workflow.PriorityCritical
	case workflow.RiskHigh:
		return workflow.PriorityHigh
	case workflow.RiskLow:
		return workflow.PriorityLow
	default:
		return workflow.PriorityMedium
	}
}

// Answer records ans on the pending question and marks it ANSWERED.
func (m *Manager) Answer(st *workflow.RequestState, ans workflow.Answer, now time.Time) (workflow.Question, error) {
	verr := &workflow.ValidationError{}
	if !ans.Decision.Valid() {
		verr.Add("decision", "must be APPROVED, DENIED or NEEDS_MORE_INFO")
	}
	if ans.AnsweredBy == "" {
		verr.Add("answered_by", "is required")
	}
	if ans.Confidence < 0 || ans.Confidence > 1 {
		verr.Add("confidence", "must be between 0 and 1")
	}
	if err := verr.OrNil(); err != nil {
		return workflow.Question{}, err
	}

	q := st.PendingQuestion()
	if q == nil || (ans.QuestionID != "" && ans.QuestionID != q.ID) {
		return workflow.Question{}, workflow.ErrNoPendingQuestion
	}
	if ans.AnsweredAt.IsZero() {
		ans.AnsweredAt = now
	}
	q.Status = workflow.QuestionAnswered
	q.Answer = &ans
	return *q, nil
}

// Finalize moves an ANSWERED question to APPROVED or REJECTED. ANSWERED is
// accepted as a no-op for answers that neither approve nor reject.
func (m *Manager) Finalize(st *workflow.RequestState, questionID string, status workflow.QuestionStatus, now time.Time) error {
	q := st.Question(questionID)
	if q == nil {
		return fmt.Errorf("finalize question %s: %w", questionID, workflow.ErrNoPendingQuestion)
	}
	if status == workflow.QuestionAnswered {
		return nil
	}
	if q.Status != workflow.QuestionAnswered {
		return fmt.Errorf("finalize question %s: status is %s", questionID, q.Status)
	}
	if status != workflow.QuestionApproved && status != workflow.QuestionRejected {
		return fmt.Errorf("finalize question %s: invalid status %s", questionID, status)
	}
	q.Status = status
	closed := now
	q.ClosedAt = &closed
	return nil
}

// Withdraw expires a pending question without a successor.
func (m *Manager) Withdraw(st *workflow.RequestState, questionID string, now time.Time) error {
	q := st.Question(questionID)
	if q == nil || q.Status != workflow.QuestionPending {
		return fmt.Errorf("withdraw question %s: %w", questionID, workflow.ErrNoPendingQuestion)
	}
	q.Status = workflow.QuestionExpired
	closed := now
	q.ClosedAt = &closed
	return nil
}

// Escalate expires a pending question and opens its successor for the next
// level of the escalation path. Past the last level an EscalationExhausted
// error is recorded and the question is renewed for the last level, so the
// request always has an owner.
func (m *Manager) Escalate(st *workflow.RequestState, questionID string, now time.Time) (workflow.Question, error) {
	q := st.Question(questionID)
	if q == nil || q.Status != workflow.QuestionPending {
		return workflow.Question{}, fmt.Errorf("escalate question %s: %w", questionID, workflow.ErrNoPendingQuestion)
	}
	q.Status = workflow.QuestionExpired
	closed := now
	q.ClosedAt = &closed

	successor := *q
	successor.ID = util.NewID("q")
	successor.Status = workflow.QuestionPending
	successor.PreviousID = q.ID
	successor.CreatedAt = now
	successor.DueAt = now.Add(m.window(q.Priority))
	successor.ClosedAt = nil
	successor.Answer = nil
	successor.EscalationPath = append([]string(nil), q.EscalationPath...)

	level := q.EscalationLevel + 1
	if level <= len(q.EscalationPath) {
		successor.EscalationLevel = level
		successor.Assignee = q.EscalationPath[level-1]
	} else {
		if n := len(q.EscalationPath); n > 0 {
			successor.Assignee = q.EscalationPath[n-1]
		}
		st.AppendError(workflow.ErrorRecord{
			ID:         util.NewID("err"),
			Kind:       workflow.KindEscalationExhausted,
			Message:    fmt.Sprintf("escalation path exhausted for question %s; renewed for %s", q.ID, successor.Assignee),
			Severity:   workflow.SeverityCritical,
			Stage:      st.CurrentStage,
			OccurredAt: now,
			Context:    map[string]string{"question_id": q.ID},
		})
	}
	st.Approvals = append(st.Approvals, successor)
	return successor, nil
}
