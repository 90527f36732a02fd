package workflow

import (
	"fmt"
	"log"
	"time"

	"helpdesk/api/internal/util"
)

// fallback turns a stage error into recorded state and an outcome the router
// understands. Recoverable failures continue with degraded data; anything
// else opens an emergency question.
func (e *Engine) fallback(prev, proposed RequestState, err error) (RequestState, Outcome) {
	stage := prev.CurrentStage
	kind, sev := classify(err)
	log.Printf("workflow: request=%s stage=%s %s: %v", prev.RequestID, stage, kind, err)

	switch kind {
	case KindParse, KindExternalService, KindRetrieval:
	default:
		return e.emergency(prev, err), OutcomeEscalated
	}

	base := prev.Clone()
	if proposed.RequestID == prev.RequestID {
		base = proposed
	}
	now := e.now()
	base.AppendError(e.errorRecord(kind, sev, stage, err))

	switch stage {
	case StageRetrieve:
		if base.Evidence == nil {
			base.Evidence = &Evidence{
				Query:       prev.Payload.Title,
				Documents:   []Document{},
				Citations:   []Citation{},
				RetrievedAt: now,
			}
		}
		return base, OutcomeCompleted
	case StageRoute:
		if base.Routing == nil {
			base.Routing = &RoutingVerdict{
				Complexity: ComplexityComplex,
				Risk:       RiskHigh,
				Escalate:   true,
				Reasons:    []string{"routing failed"},
			}
		}
		return base, OutcomeCompleted
	case StageClassify:
		if base.Decision == nil {
			base.Decision = fallbackDecision(now)
		}
		if base.PendingQuestion() == nil {
			_, openErr := e.approvals.Open(&base, QuestionSpec{
				Kind:      KindClassificationReview,
				Context:   ContextReview,
				Prompt:    fmt.Sprintf("Automated classification failed for %q. Decide whether the request may proceed.", prev.Payload.Title),
				Decision:  DecisionRequiresApproval,
				Risk:      RiskHigh,
				Priority:  PriorityHigh,
				Emergency: true,
			}, now)
			if openErr != nil {
				log.Printf("workflow: request=%s open fallback review: %v", prev.RequestID, openErr)
			}
		}
		return base, OutcomeCompleted
	case StagePlan:
		if base.Plan == nil {
			base.Plan = fallbackPlan(base, now)
		}
		return base, OutcomeCompleted
	case StageSyncTicket:
		return base, OutcomeSyncDeferred
	case StageEnqueueApproval:
		if base.PendingQuestion() != nil {
			return base, OutcomeSuspended
		}
	case StageExecute:
		if base.Execution != nil && base.Execution.Outcome != "" {
			return base, Outcome(base.Execution.Outcome)
		}
	case StageClose:
		if base.Completion != nil {
			return base, OutcomeCompleted
		}
	}
	return e.emergency(prev, err), OutcomeEscalated
}

// emergency records a critical failure against the last committed state and
// opens a recovery question that resumes at the failed stage.
func (e *Engine) emergency(prev RequestState, err error) RequestState {
	now := e.now()
	stage := prev.CurrentStage
	st := prev.Clone()
	kind, _ := classify(err)
	st.AppendError(e.errorRecord(kind, SeverityCritical, stage, err))
	if st.Decision == nil {
		st.Decision = emergencyDecision(now)
	}
	if st.PendingQuestion() == nil {
		_, openErr := e.approvals.Open(&st, QuestionSpec{
			Kind:        KindRiskAssessment,
			Context:     ContextRecovery,
			Prompt:      fmt.Sprintf("Processing stopped at stage %s. Approve to continue handling the request or deny to close it.", stage),
			Decision:    st.Decision.Effective(),
			Risk:        RiskCritical,
			Priority:    PriorityCritical,
			Emergency:   true,
			ResumeStage: stage,
		}, now)
		if openErr != nil {
			log.Printf("workflow: request=%s open emergency question: %v", prev.RequestID, openErr)
		}
	}
	return st
}

func (e *Engine) errorRecord(kind ErrorKind, sev Severity, stage StageName, err error) ErrorRecord {
	return ErrorRecord{
		ID:         util.NewID("err"),
		Kind:       kind,
		Message:    err.Error(),
		Severity:   sev,
		Stage:      stage,
		OccurredAt: e.now(),
	}
}

func fallbackDecision(now time.Time) *DecisionRecord {
	return &DecisionRecord{
		Decision:      DecisionRequiresApproval,
		Confidence:    0,
		Citations:     []Citation{},
		NeedsHuman:    true,
		MissingFields: []string{"valid_classification_response"},
		Justification: "Classification output could not be used; routed to human review.",
		Model:         "fallback",
		Risk:          RiskHigh,
		Fallback:      true,
		DecidedAt:     now,
	}
}

func emergencyDecision(now time.Time) *DecisionRecord {
	return &DecisionRecord{
		Decision:      DecisionRequiresApproval,
		Confidence:    0,
		Citations:     []Citation{},
		NeedsHuman:    true,
		Justification: "Processing failed before classification completed; emergency review required.",
		Model:         "emergency_fallback",
		Risk:          RiskCritical,
		Fallback:      true,
		DecidedAt:     now,
	}
}

func fallbackPlan(st RequestState, now time.Time) *PlanRecord {
	return &PlanRecord{
		PlanID:            util.NewID("plan"),
		Summary:           "Manual handling required for: " + st.Payload.Title,
		Classification:    string(st.Decision.Effective()),
		Priority:          st.Payload.Priority,
		EstimatedDuration: "24h",
		Steps: []PlanStep{
			{
				StepID:            "step_1",
				Order:             1,
				Description:       "Review the request and gather requirements",
				Actor:             ActorITAgent,
				EstimatedDuration: "1h",
				RequiredTools:     []string{"ticket_comment"},
			},
			{
				StepID:            "step_2",
				Order:             2,
				Description:       "Obtain manager approval before fulfilment",
				Actor:             ActorManagerApproval,
				ActorDetails:      "IT_Manager",
				EstimatedDuration: "24h",
			},
		},
		Approval: ApprovalWorkflow{
			Needed:         true,
			Approvers:      []string{"IT_Manager"},
			EscalationPath: []string{"IT_Director"},
			TimeoutHours:   24,
		},
		RiskAssessment: "Plan generation failed; manual review required.",
		Model:          "fallback",
		Fallback:       true,
		CreatedAt:      now,
	}
}
