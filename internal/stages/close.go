package stages

import (
	"context"
	"fmt"
	"strings"

	"helpdesk/api/internal/util"
	"helpdesk/api/internal/workflow"
)

var surveyQuestions = []string{
	"How satisfied are you with the overall resolution?",
	"How would you rate the response time? (1-5)",
	"How would you rate the quality of the solution? (1-5)",
	"How would you rate the communication during the process? (1-5)",
	"Would you recommend our IT support to others?",
	"Any additional feedback or suggestions?",
}

// Close writes the completion summary and tells the requester.
type Close struct {
	deps Deps
}

func (s *Close) Name() workflow.StageName { return workflow.StageClose }

func (s *Close) Run(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
	if st.Completion == nil {
		st.Completion = s.summarize(&st)
	}
	if s.deps.Notify != nil {
		if err := s.deps.Notify.Completed(ctx, &st); err != nil {
			return st, workflow.OutcomeCompleted, err
		}
	}
	return st, workflow.OutcomeCompleted, nil
}

func (s *Close) summarize(st *workflow.RequestState) *workflow.CompletionSummary {
	now := s.deps.Now()
	c := &workflow.CompletionSummary{
		CompletionID:      util.NewID("cmp"),
		HumanIntervention: len(st.Approvals) > 0,
		CompletedAt:       now,
	}
	if st.Ticket != nil {
		c.TicketID = st.Ticket.TicketID
	}
	started := st.CreatedAt
	if st.Ticket != nil && !st.Ticket.CreatedAt.IsZero() {
		started = st.Ticket.CreatedAt
	}
	if !started.IsZero() {
		c.HoursToResolution = now.Sub(started).Hours()
	}
	if st.Plan != nil {
		c.TotalSteps = len(st.Plan.Steps)
		for _, step := range st.Plan.Steps {
			if step.Completed {
				c.StepsCompleted++
			}
		}
	}

	escalation := escalationReason(st)
	switch {
	case c.StepsCompleted == 0:
		c.Status = workflow.CompletionCancelled
	case c.StepsCompleted == c.TotalSteps:
		c.Status = workflow.CompletionCompleted
	case escalation != "":
		c.Status = workflow.CompletionEscalated
		c.EscalationReason = escalation
	default:
		c.Status = workflow.CompletionPartiallyCompleted
	}

	switch {
	case st.Decision.Effective() == workflow.DecisionDenied:
		c.ResolutionSummary = "Request denied based on policy compliance requirements"
	case c.StepsCompleted > 0:
		c.ResolutionSummary = fmt.Sprintf("Successfully completed %d out of %d planned steps", c.StepsCompleted, c.TotalSteps)
	default:
		c.ResolutionSummary = "Request processed and resolved"
	}

	if st.Evidence == nil || len(st.Evidence.Documents) == 0 {
		c.KnowledgeGaps = append(c.KnowledgeGaps, "No relevant policies found for request category")
	}
	if st.Decision != nil && len(st.Decision.MissingFields) > 0 {
		c.KnowledgeGaps = append(c.KnowledgeGaps, "Request was missing: "+strings.Join(st.Decision.MissingFields, ", "))
	}

	if c.HoursToResolution > 24 {
		c.ImprovementSuggestions = append(c.ImprovementSuggestions, "Consider automation for faster response times")
	}
	if c.HumanIntervention {
		c.ImprovementSuggestions = append(c.ImprovementSuggestions, "Review process to reduce manual intervention requirements")
	}
	if len(c.KnowledgeGaps) > 0 {
		c.ImprovementSuggestions = append(c.ImprovementSuggestions, "Update knowledge base with missing policies and procedures")
	}
	if (st.Decision != nil && st.Decision.Fallback) || (st.Plan != nil && st.Plan.Fallback) {
		c.ImprovementSuggestions = append(c.ImprovementSuggestions, "Review model output quality; automated fallbacks were used")
	}

	if c.Status == workflow.CompletionCompleted {
		c.Survey = &workflow.SatisfactionSurvey{
			SurveyID:  util.NewID("srv"),
			TicketID:  c.TicketID,
			Questions: append([]string(nil), surveyQuestions...),
			ExpiresAt: now.Add(s.deps.Config.SurveyTTL),
		}
	}
	return c
}

// escalationReason names the last emergency question, if any.
func escalationReason(st *workflow.RequestState) string {
	for i := len(st.Approvals) - 1; i >= 0; i-- {
		q := st.Approvals[i]
		if q.Emergency || q.EscalationLevel > 0 {
			return fmt.Sprintf("%s question escalated to %s", q.Kind, q.Assignee)
		}
	}
	return ""
}
