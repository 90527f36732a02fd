package stages

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"helpdesk/api/internal/notify"
	"helpdesk/api/internal/workflow"
)

const (
	toolEmail  = "email"
	toolJira   = "jira"
	toolSystem = "system"

	stepCompleted = "completed"
	stepDeferred  = "deferred"
	stepFailed    = "failed"
)

// Execute runs the plan steps IT can do itself and hands the rest to the
// requester or their manager through a user guide.
type Execute struct {
	deps Deps
}

func (s *Execute) Name() workflow.StageName { return workflow.StageExecute }

func (s *Execute) Run(ctx context.Context, st workflow.RequestState) (workflow.RequestState, workflow.Outcome, error) {
	if st.Plan == nil {
		return st, "", &workflow.FatalError{Stage: workflow.StageExecute, Err: errors.New("no plan to execute")}
	}
	now := s.deps.Now()
	rec := workflow.ExecutionRecord{Steps: []workflow.StepResult{}, ExecutedAt: now}
	if st.Execution != nil {
		rec.Steps = append(rec.Steps, st.Execution.Steps...)
		rec.Invocations = st.Execution.Invocations
	}
	rec.Invocations++

	var errs []error
	var manual []workflow.PlanStep
	for i := range st.Plan.Steps {
		step := &st.Plan.Steps[i]
		if step.Completed {
			continue
		}
		if step.Manual() {
			manual = append(manual, *step)
			continue
		}
		result, err := s.runStep(ctx, &st, *step)
		result.At = now
		rec.Steps = append(rec.Steps, result)
		if err != nil {
			errs = append(errs, err)
		}
		if result.Status != stepFailed {
			step.Completed = true
			step.CompletedBy = string(step.Actor)
		}
	}

	rec.Outcome = outcomeFor(manual)
	for _, m := range manual {
		rec.Pending = append(rec.Pending, m.StepID)
	}
	st.Execution = &rec

	if len(manual) > 0 {
		guide := buildGuide(&st, manual)
		st.Execution.UserGuide = guide.Text()
		if s.deps.Notify != nil {
			if err := s.deps.Notify.UserGuide(ctx, &st, guide); err != nil {
				errs = append(errs, err)
			}
		}
	}
	log.Printf("stages: request=%s execution %s (%d manual step(s) pending)", st.RequestID, rec.Outcome, len(manual))
	return st, workflow.Outcome(rec.Outcome), errors.Join(errs...)
}

// runStep performs one automatable step with the first tool it names.
func (s *Execute) runStep(ctx context.Context, st *workflow.RequestState, step workflow.PlanStep) (workflow.StepResult, error) {
	res := workflow.StepResult{StepID: step.StepID, Tool: toolFor(step), Status: stepCompleted}
	switch res.Tool {
	case toolEmail:
		if s.deps.Notify == nil {
			res.Detail = "email not configured"
			return res, nil
		}
		if err := s.deps.Notify.StepMessage(ctx, st, step); err != nil {
			res.Status, res.Detail = stepFailed, err.Error()
			return res, err
		}
		res.Detail = "email sent to " + st.Requester.Email
	case toolJira:
		intent := workflow.SyncIntent{
			Op:        workflow.SyncUpdate,
			Comment:   fmt.Sprintf("Step %d completed: %s", step.Order, step.Description),
			Purpose:   workflow.PurposeResolved,
			CreatedAt: s.deps.Now(),
		}
		if err := s.deps.Tickets.Sync(ctx, st, intent); err != nil {
			if errors.Is(err, workflow.ErrInvalidTransition) {
				res.Status, res.Detail = stepFailed, err.Error()
				return res, &workflow.FatalError{Stage: workflow.StageExecute, Err: err}
			}
			// The comment stays queued on the ticket for reconciliation.
			res.Status, res.Detail = stepDeferred, err.Error()
			return res, err
		}
		res.Detail = "ticket comment added"
	default:
		res.Detail = "recorded by " + string(step.Actor)
	}
	return res, nil
}

func toolFor(step workflow.PlanStep) string {
	if len(step.RequiredTools) == 0 {
		return toolSystem
	}
	first := strings.ToLower(step.RequiredTools[0])
	switch {
	case strings.Contains(first, "email") || strings.Contains(first, "mail"):
		return toolEmail
	case strings.Contains(first, "jira") || strings.Contains(first, "ticket"):
		return toolJira
	default:
		return toolSystem
	}
}

func outcomeFor(manual []workflow.PlanStep) workflow.ExecutionOutcome {
	if len(manual) == 0 {
		return workflow.ExecutionExecuted
	}
	for _, m := range manual {
		if m.Actor == workflow.ActorManagerApproval {
			return workflow.ExecutionAwaitingManager
		}
	}
	return workflow.ExecutionAwaitingEmployee
}

func buildGuide(st *workflow.RequestState, manual []workflow.PlanStep) notify.Guide {
	var employee, manager []workflow.PlanStep
	for _, m := range manual {
		if m.Actor == workflow.ActorManagerApproval {
			manager = append(manager, m)
		} else {
			employee = append(employee, m)
		}
	}

	g := notify.Guide{}
	switch {
	case len(employee) > 0 && len(manager) > 0:
		g.Title = "Complete Required Steps and Obtain Manager Approval"
	case len(employee) > 0:
		g.Title = "Complete Required Steps"
	default:
		g.Title = "Manager Approval Required"
	}

	intro := []string{fmt.Sprintf("To proceed with %s, you need to complete the following steps:", st.Payload.Title)}
	if len(employee) > 0 {
		intro = append(intro, fmt.Sprintf("%d step(s) that you can complete.", len(employee)))
	}
	if len(manager) > 0 {
		intro = append(intro, fmt.Sprintf("%d step(s) requiring manager approval.", len(manager)))
	}
	intro = append(intro, "Please complete all steps in the order shown below.")
	g.Introduction = strings.Join(intro, " ")

	for i, m := range append(employee, manager...) {
		gs := notify.GuideStep{Number: i + 1, Title: m.Description, Details: m.ActorDetails}
		if m.EstimatedDuration != "" {
			gs.EstimatedTime = m.EstimatedDuration + " minutes"
		}
		g.Steps = append(g.Steps, gs)
	}

	if len(employee) > 0 {
		g.CompletionCriteria = append(g.CompletionCriteria, "All employee steps completed")
	}
	if len(manager) > 0 {
		g.CompletionCriteria = append(g.CompletionCriteria, "All manager approvals obtained")
	}
	g.CompletionCriteria = append(g.CompletionCriteria,
		"All required documentation submitted",
		"No pending questions or clarifications")

	switch st.Decision.Effective() {
	case workflow.DecisionAllowed:
		g.NextSteps = "After completing these steps, your request will be processed and access will be provisioned."
	case workflow.DecisionRequiresApproval:
		g.NextSteps = "After completing these steps, your request will be reviewed by management for final approval."
	default:
		g.NextSteps = "After completing these steps, IT Support will review your request and contact you with next steps."
	}
	return g
}
