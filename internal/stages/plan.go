package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"helpdesk/api/internal/llm"
	"helpdesk/api/internal/util"
	"helpdesk/api/internal/workflow"
)

const defaultApprovalTimeoutHours = 24

// Plan asks the planner model for fulfilment steps and, when the plan needs
// sign-off, sends the drafted approval email once.
type Plan struct {
	deps Deps
}

func (s *Plan) Name() workflow.StageName { return workflow.StagePlan }

type plannerInput struct {
	Request   requestView         `json:"request"`
	Requester workflow.Employee   `json:"requester"`
	Decision  workflow.Decision   `json:"decision"`
	Citations []workflow.Citation `json:"citations"`
	Approvals []approvalView      `json:"human_answers,omitempty"`
}

type approvalView struct {
	Decision      workflow.AnswerDecision `json:"decision"`
	AnsweredBy    string                  `json:"answered_by"`
	Justification string                  `json:"justification,omitempty"`
	Notes         string                  `json:"notes,omitempty"`
}

func (s *Plan) Run(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
	if st.Plan == nil {
		plan, err := s.plan(ctx, &st)
		if err != nil {
			return st, "", err
		}
		st.Plan = plan
	}
	if st.Plan.Approval.Needed && st.Plan.EmailDraft != nil && s.deps.Notify != nil {
		if err := s.deps.Notify.PlanApproval(ctx, &st, *st.Plan.EmailDraft); err != nil {
			return st, workflow.OutcomeCompleted, err
		}
	}
	return st, workflow.OutcomeCompleted, nil
}

func (s *Plan) plan(ctx context.Context, st *workflow.RequestState) (*workflow.PlanRecord, error) {
	in := plannerInput{
		Request:   viewRequest(st),
		Requester: st.Requester,
		Decision:  st.Decision.Effective(),
		Citations: []workflow.Citation{},
	}
	if st.Decision != nil {
		in.Citations = st.Decision.Citations
	}
	for _, q := range st.Approvals {
		if q.Answer != nil {
			in.Approvals = append(in.Approvals, approvalView{
				Decision:      q.Answer.Decision,
				AnsweredBy:    q.Answer.AnsweredBy,
				Justification: q.Answer.Justification,
				Notes:         q.Answer.Notes,
			})
		}
	}
	input, err := json.Marshal(in)
	if err != nil {
		return nil, &workflow.FatalError{Stage: workflow.StagePlan, Err: fmt.Errorf("encode planner input: %w", err)}
	}

	model := s.deps.Config.Models.Planner
	raw, err := s.deps.Model.Call(ctx, llm.Request{
		Role:        llm.RolePlanner,
		Model:       model,
		Prompt:      plannerPrompt,
		Input:       string(input),
		Temperature: 0.2,
	})
	if err != nil {
		return nil, modelError("plan", err)
	}
	out, err := parsePlan(raw)
	if err != nil {
		return nil, err
	}
	return planRecord(st, out, model, s.deps.Now), nil
}

func planRecord(st *workflow.RequestState, out plannerOutput, model string, now func() time.Time) *workflow.PlanRecord {
	rec := &workflow.PlanRecord{
		PlanID:            util.NewID("plan"),
		Summary:           firstNonEmpty(out.Summary, st.Payload.Title),
		Classification:    firstNonEmpty(out.Classification, string(st.Decision.Effective())),
		Priority:          workflow.Priority(out.Priority),
		EstimatedDuration: string(out.EstimatedDuration),
		Steps:             make([]workflow.PlanStep, 0, len(out.Steps)),
		RiskAssessment:    string(out.RiskAssessment),
		ComplianceChecks:  out.Compliance,
		SuccessCriteria:   out.SuccessCriteria,
		Model:             model,
		CreatedAt:         now(),
	}
	if !rec.Priority.Valid() {
		rec.Priority = st.Payload.Priority
	}

	for i, step := range out.Steps {
		order := step.Order
		if order < 1 {
			order = i + 1
		}
		rec.Steps = append(rec.Steps, workflow.PlanStep{
			StepID:             firstNonEmpty(step.StepID, fmt.Sprintf("step_%d", i+1)),
			Order:              order,
			Description:        strings.TrimSpace(step.Description),
			Actor:              workflow.Actor(step.Actor),
			ActorDetails:       step.ActorDetails,
			EstimatedDuration:  string(step.EstimatedDuration),
			AutomationPossible: step.AutomationPossible,
			RequiredTools:      step.RequiredTools,
		})
	}
	sort.SliceStable(rec.Steps, func(i, j int) bool { return rec.Steps[i].Order < rec.Steps[j].Order })

	rec.Approval = workflow.ApprovalWorkflow{
		Needed:         *out.Approval.Needed,
		Approvers:      out.Approval.Approvers,
		EscalationPath: out.Approval.EscalationPath,
		TimeoutHours:   out.Approval.TimeoutHours,
	}
	if rec.Approval.TimeoutHours <= 0 {
		rec.Approval.TimeoutHours = defaultApprovalTimeoutHours
	}
	if rec.Approval.Needed {
		rec.EmailDraft = approvalDraft(st, out.Email)
	}
	return rec
}

func approvalDraft(st *workflow.RequestState, email *plannerEmail) *workflow.EmailDraft {
	draft := &workflow.EmailDraft{
		Subject: "Approval Required: " + st.Payload.Title,
	}
	if email != nil {
		draft.Subject = firstNonEmpty(email.Subject, draft.Subject)
		for _, r := range email.Recipients {
			if strings.Contains(r, "@") {
				draft.To = append(draft.To, r)
			}
		}
		draft.Body = email.Body
		if email.Urgency != "" {
			draft.Body = strings.TrimSpace(draft.Body + "\n\n" + email.Urgency)
		}
	}
	if len(draft.To) == 0 && st.Requester.ManagerEmail != "" {
		draft.To = []string{st.Requester.ManagerEmail}
	}
	if draft.Body == "" {
		draft.Body = fmt.Sprintf("%s has requested %q.\n\n%s\n\nPlease review and approve this IT request.",
			st.Requester.Name, st.Payload.Title, st.Payload.Description)
	}
	return draft
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
