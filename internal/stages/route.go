package stages

import (
	"context"
	"fmt"

	"helpdesk/api/internal/workflow"
)

// Route picks the model tier for classification from a complexity analysis.
type Route struct {
	deps Deps
}

func (s *Route) Name() workflow.StageName { return workflow.StageRoute }

func (s *Route) Run(_ context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
	var docs []workflow.Document
	if st.Evidence != nil {
		docs = st.Evidence.Documents
	}
	st.Routing = verdict(Analyze(st.Payload, docs), s.deps.Config.Models)
	return st, workflow.OutcomeCompleted, nil
}

func verdict(c Complexity, models Models) *workflow.RoutingVerdict {
	v := &workflow.RoutingVerdict{
		Complexity:          c.Level,
		Risk:                c.Risk,
		TokenEstimate:       c.Tokens,
		Conflicts:           c.Conflicts,
		Novelty:             c.Novelty,
		ReasoningIndicators: c.Indicators,
	}
	switch {
	case len(c.Conflicts) > 0:
		v.Escalate = true
		v.Reasons = append(v.Reasons, fmt.Sprintf("policy conflicts detected: %d", len(c.Conflicts)))
	case c.Risk == workflow.RiskHigh:
		v.Escalate = true
		v.Reasons = append(v.Reasons, "high-risk request")
	case c.Level == workflow.ComplexityComplex:
		v.Escalate = true
		v.Reasons = append(v.Reasons, "complex request requiring advanced reasoning")
	}

	switch {
	case c.Reasoning || v.Escalate:
		v.Model, v.Confidence = models.Advanced, 0.80
	case c.Level == workflow.ComplexityModerate:
		v.Model, v.Confidence = models.Standard, 0.85
	default:
		v.Model, v.Confidence = models.Basic, 0.90
	}
	v.Reasons = append(v.Reasons, fmt.Sprintf("%s complexity (%d tokens, novelty %.2f)", c.Level, c.Tokens, c.Novelty))
	return v
}
