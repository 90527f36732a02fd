package workflow

import "time"

// Summary is the read model returned by get_state.
type Summary struct {
	RequestID         string           `json:"requestId"`
	Version           int64            `json:"version"`
	Title             string           `json:"title"`
	RequesterEmail    string           `json:"requesterEmail"`
	CurrentStage      StageName        `json:"currentStage"`
	WorkflowStatus    WorkflowStatus   `json:"workflowStatus"`
	RequestStatus     RequestStatus    `json:"requestStatus"`
	Decision          Decision         `json:"decision,omitempty"`
	ModelDecision     Decision         `json:"modelDecision,omitempty"`
	Confidence        float64          `json:"confidence"`
	NeedsHuman        bool             `json:"needsHuman"`
	TicketID          string           `json:"ticketId,omitempty"`
	TicketStatus      TicketStatus     `json:"ticketStatus,omitempty"`
	TicketPendingSync bool             `json:"ticketPendingSync"`
	PendingApproval   bool             `json:"pendingApproval"`
	PendingQuestion   *QuestionSummary `json:"pendingQuestion,omitempty"`
	ErrorCount        int              `json:"errorCount"`
	LastError         *ErrorRecord     `json:"lastError,omitempty"`
	CreatedAt         time.Time        `json:"createdAt"`
	UpdatedAt         time.Time        `json:"updatedAt"`
}

type QuestionSummary struct {
	ID              string          `json:"id"`
	Kind            QuestionKind    `json:"kind"`
	Context         QuestionContext `json:"context"`
	Prompt          string          `json:"prompt"`
	Assignee        string          `json:"assignee"`
	Priority        Priority        `json:"priority"`
	EscalationLevel int             `json:"escalationLevel"`
	DueAt           time.Time       `json:"dueAt"`
}

// Summarize builds the read model for st.
func Summarize(st RequestState) Summary {
	out := Summary{
		RequestID:      st.RequestID,
		Version:        st.Version,
		Title:          st.Payload.Title,
		RequesterEmail: st.Requester.Email,
		CurrentStage:   st.CurrentStage,
		WorkflowStatus: st.WorkflowStatus,
		RequestStatus:  st.RequestStatus,
		ErrorCount:     len(st.Errors),
		CreatedAt:      st.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
	}
	if st.Decision != nil {
		out.Decision = st.Decision.Effective()
		out.ModelDecision = st.Decision.Decision
		out.Confidence = st.Decision.Confidence
		out.NeedsHuman = st.Decision.NeedsHuman
	}
	if st.Ticket != nil {
		out.TicketID = st.Ticket.TicketID
		out.TicketStatus = st.Ticket.Status
		out.TicketPendingSync = st.Ticket.PendingSync != nil
	}
	if q := st.PendingQuestion(); q != nil {
		out.PendingApproval = true
		out.PendingQuestion = &QuestionSummary{
			ID:              q.ID,
			Kind:            q.Kind,
			Context:         q.Context,
			Prompt:          q.Prompt,
			Assignee:        q.Assignee,
			Priority:        q.Priority,
			EscalationLevel: q.EscalationLevel,
			DueAt:           q.DueAt,
		}
	}
	if n := len(st.Errors); n > 0 {
		last := st.Errors[n-1]
		out.LastError = &last
	}
	return out
}
