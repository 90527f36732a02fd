package stages

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"helpdesk/api/internal/llm"
	"helpdesk/api/internal/workflow"
)

// flexString accepts a JSON string, number or object. Non-strings keep their
// JSON text.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(bytes.TrimSpace(b))
	return nil
}

// flexFloat accepts a JSON number or a numeric string. Other strings decode
// to zero with ok unset.
type flexFloat struct {
	value float64
	ok    bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		f.value, f.ok = n, true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("expected number, got %s", b)
	}
	if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
		f.value, f.ok = n, true
	}
	return nil
}

type classifierCitation struct {
	Source     string     `json:"source"`
	Text       string     `json:"text"`
	Relevance  *flexFloat `json:"relevance"`
	DocumentID string     `json:"document_id"`
	Section    string     `json:"section"`
}

type classifierOutput struct {
	Decision         *string              `json:"decision"`
	Citations        []classifierCitation `json:"citations"`
	Confidence       *float64             `json:"confidence"`
	NeedsHuman       *bool                `json:"needs_human"`
	MissingFields    []string             `json:"missing_fields"`
	Justification    *string              `json:"justification_brief"`
	PolicyReferences []string             `json:"policy_references"`
}

// parseClassification validates classifier output. Every problem found is
// listed in the returned ParseError.
func parseClassification(raw string) (classifierOutput, error) {
	var out classifierOutput
	body := llm.ExtractJSON(raw)
	if body == "" {
		return out, parseErr(workflow.StageClassify, raw, "no JSON object found")
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, parseErr(workflow.StageClassify, raw, "invalid JSON: "+err.Error())
	}

	var problems []string
	switch {
	case out.Decision == nil:
		problems = append(problems, "missing decision")
	case !workflow.Decision(*out.Decision).Valid():
		problems = append(problems, fmt.Sprintf("invalid decision %q", *out.Decision))
	}
	switch {
	case out.Confidence == nil:
		problems = append(problems, "missing confidence")
	case *out.Confidence < 0 || *out.Confidence > 1:
		problems = append(problems, fmt.Sprintf("confidence %v outside [0,1]", *out.Confidence))
	}
	if out.NeedsHuman == nil {
		problems = append(problems, "missing needs_human")
	}
	if out.Justification == nil {
		problems = append(problems, "missing justification_brief")
	}
	if len(out.Citations) == 0 {
		problems = append(problems, "at least one citation is required")
	}
	for i, c := range out.Citations {
		if c.Source == "" {
			problems = append(problems, fmt.Sprintf("citation %d missing source", i))
		}
		if c.Text == "" {
			problems = append(problems, fmt.Sprintf("citation %d missing text", i))
		}
		if c.Relevance == nil {
			problems = append(problems, fmt.Sprintf("citation %d missing relevance", i))
		}
	}
	if len(problems) > 0 {
		return out, parseErr(workflow.StageClassify, raw, strings.Join(problems, "; "))
	}
	return out, nil
}

type plannerStep struct {
	StepID             string     `json:"step_id"`
	Order              int        `json:"order"`
	Description        string     `json:"description"`
	Actor              string     `json:"actor"`
	ActorDetails       string     `json:"actor_details"`
	EstimatedDuration  flexString `json:"estimated_duration"`
	AutomationPossible bool       `json:"automation_possible"`
	RequiredTools      []string   `json:"required_tools"`
}

type plannerApproval struct {
	Needed         *bool    `json:"needed"`
	Approvers      []string `json:"approvers"`
	EscalationPath []string `json:"escalation_path"`
	TimeoutHours   int      `json:"timeout_hours"`
}

type plannerEmail struct {
	Subject    string   `json:"subject"`
	Recipients []string `json:"recipients"`
	Body       string   `json:"body"`
	Urgency    string   `json:"urgency_note"`
}

type plannerOutput struct {
	Summary           string           `json:"request_summary"`
	Classification    string           `json:"classification"`
	Priority          string           `json:"priority"`
	EstimatedDuration flexString       `json:"estimated_duration"`
	Steps             []plannerStep    `json:"steps"`
	Approval          *plannerApproval `json:"approval_workflow"`
	Email             *plannerEmail    `json:"email_draft"`
	RiskAssessment    flexString       `json:"risk_assessment"`
	Compliance        []string         `json:"compliance_checklist"`
	SuccessCriteria   []string         `json:"success_criteria"`
}

func parsePlan(raw string) (plannerOutput, error) {
	var out plannerOutput
	body := llm.ExtractJSON(raw)
	if body == "" {
		return out, parseErr(workflow.StagePlan, raw, "no JSON object found")
	}
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, parseErr(workflow.StagePlan, raw, "invalid JSON: "+err.Error())
	}

	var problems []string
	if len(out.Steps) == 0 {
		problems = append(problems, "at least one step is required")
	}
	for i, step := range out.Steps {
		if strings.TrimSpace(step.Description) == "" {
			problems = append(problems, fmt.Sprintf("step %d missing description", i))
		}
		if !workflow.Actor(step.Actor).Valid() {
			problems = append(problems, fmt.Sprintf("step %d has invalid actor %q", i, step.Actor))
		}
		if step.Order < 0 {
			problems = append(problems, fmt.Sprintf("step %d has negative order", i))
		}
	}
	if out.Classification != "" && !workflow.Decision(out.Classification).Valid() {
		problems = append(problems, fmt.Sprintf("invalid classification %q", out.Classification))
	}
	if out.Priority != "" && !workflow.Priority(out.Priority).Valid() {
		problems = append(problems, fmt.Sprintf("invalid priority %q", out.Priority))
	}
	if out.Approval == nil {
		problems = append(problems, "missing approval_workflow")
	} else if out.Approval.Needed == nil {
		problems = append(problems, "approval_workflow.needed must be a boolean")
	}
	if len(problems) > 0 {
		return out, parseErr(workflow.StagePlan, raw, strings.Join(problems, "; "))
	}
	return out, nil
}

func parseErr(stage workflow.StageName, raw, reason string) error {
	return &workflow.ParseError{Stage: stage, Reason: reason, Raw: truncate(raw, 500)}
}
