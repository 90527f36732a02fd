package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"helpdesk/api/internal/llm"
	"helpdesk/api/internal/workflow"
)

// Classify asks the routed model for a policy decision. The decision is
// written once; a re-run keeps the existing record.
type Classify struct {
	deps Deps
}

func (s *Classify) Name() workflow.StageName { return workflow.StageClassify }

type classifierInput struct {
	Request  requestView              `json:"request"`
	Snippets []snippetView            `json:"retrieved_snippets"`
	Routing  *workflow.RoutingVerdict `json:"router_verdict,omitempty"`
}

type requestView struct {
	Title                 string `json:"title"`
	Description           string `json:"description"`
	Category              string `json:"category"`
	Priority              string `json:"priority"`
	Urgency               string `json:"urgency,omitempty"`
	BusinessJustification string `json:"business_justification,omitempty"`
	Department            string `json:"department,omitempty"`
	Role                  string `json:"role,omitempty"`
}

type snippetView struct {
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Source     string  `json:"source"`
	Section    string  `json:"section,omitempty"`
	Content    string  `json:"content"`
	Relevance  float64 `json:"relevance_score"`
}

func viewRequest(st *workflow.RequestState) requestView {
	return requestView{
		Title:                 st.Payload.Title,
		Description:           st.Payload.Description,
		Category:              st.Payload.Category,
		Priority:              string(st.Payload.Priority),
		Urgency:               st.Payload.Urgency,
		BusinessJustification: st.Payload.BusinessJustification,
		Department:            st.Requester.Department,
		Role:                  st.Requester.Role,
	}
}

func (s *Classify) Run(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
	if st.Decision != nil {
		return st, workflow.OutcomeCompleted, nil
	}
	model := s.deps.Config.Models.Standard
	if st.Routing != nil && st.Routing.Model != "" {
		model = st.Routing.Model
	}

	in := classifierInput{Request: viewRequest(&st), Snippets: []snippetView{}, Routing: st.Routing}
	if st.Evidence != nil {
		for _, d := range st.Evidence.Documents {
			in.Snippets = append(in.Snippets, snippetView{
				DocumentID: d.ID,
				Title:      d.Title,
				Source:     d.Source,
				Section:    d.Section,
				Content:    truncate(d.Excerpt, 1000),
				Relevance:  d.Relevance,
			})
		}
	}
	input, err := json.Marshal(in)
	if err != nil {
		return st, "", &workflow.FatalError{Stage: workflow.StageClassify, Err: fmt.Errorf("encode classifier input: %w", err)}
	}

	raw, err := s.deps.Model.Call(ctx, llm.Request{
		Role:        llm.RoleClassifier,
		Model:       model,
		Prompt:      classifierPrompt,
		Input:       string(input),
		Temperature: 0,
	})
	if err != nil {
		return st, "", modelError("classify", err)
	}
	out, err := parseClassification(raw)
	if err != nil {
		return st, "", err
	}

	st.Decision = s.decisionRecord(&st, out, model)
	log.Printf("stages: request=%s classified %s confidence=%.2f needs_human=%t",
		st.RequestID, st.Decision.Decision, st.Decision.Confidence, st.Decision.NeedsHuman)
	return st, workflow.OutcomeCompleted, nil
}

func (s *Classify) decisionRecord(st *workflow.RequestState, out classifierOutput, model string) *workflow.DecisionRecord {
	decision := workflow.Decision(*out.Decision)
	rec := &workflow.DecisionRecord{
		Decision:         decision,
		Confidence:       *out.Confidence,
		Citations:        make([]workflow.Citation, 0, len(out.Citations)),
		NeedsHuman:       *out.NeedsHuman || *out.Confidence < s.deps.Config.ConfidenceThreshold,
		MissingFields:    out.MissingFields,
		Justification:    *out.Justification,
		Model:            model,
		PolicyReferences: out.PolicyReferences,
		Risk:             workflow.RiskMedium,
		DecidedAt:        s.deps.Now(),
	}
	if decision == workflow.DecisionDenied {
		rec.Risk = workflow.RiskHigh
	}
	if st.Routing != nil {
		rec.Risk = workflow.MaxRisk(rec.Risk, st.Routing.Risk)
	}

	for _, c := range out.Citations {
		cite := workflow.Citation{
			Source:     c.Source,
			Text:       c.Text,
			DocumentID: c.DocumentID,
			Section:    c.Section,
		}
		if c.Relevance != nil && c.Relevance.ok {
			cite.Relevance = clamp01(c.Relevance.value)
		}
		if cite.DocumentID == "" {
			cite.DocumentID = matchDocument(st.Evidence, c.Source)
		}
		rec.Citations = append(rec.Citations, cite)
	}
	return rec
}

// matchDocument finds the evidence document a citation names by source or title.
func matchDocument(ev *workflow.Evidence, source string) string {
	if ev == nil {
		return ""
	}
	for _, d := range ev.Documents {
		if d.Source == source || d.Title == source {
			return d.ID
		}
	}
	return ""
}
