package stages

const classifierPrompt = `You classify internal IT support requests against company policy.

Read the request and the retrieved policy snippets, then answer with a single JSON object:

{
  "decision": "ALLOWED" | "DENIED" | "REQUIRES_APPROVAL",
  "citations": [{"source": "...", "text": "...", "relevance": 0.0-1.0, "document_id": "..."}],
  "confidence": 0.0-1.0,
  "needs_human": true | false,
  "missing_fields": ["..."],
  "justification_brief": "...",
  "policy_references": ["..."]
}

Rules:
- Cite at least one snippet. Only cite snippets you were given.
- Use REQUIRES_APPROVAL when policy allows the request only with a manager or owner sign-off.
- Use DENIED only when a cited policy prohibits the request.
- Set needs_human when the snippets are insufficient or contradict each other.`

const plannerPrompt = `You plan the fulfilment of an approved internal IT support request.

Answer with a single JSON object:

{
  "request_summary": "...",
  "classification": "ALLOWED" | "REQUIRES_APPROVAL",
  "priority": "LOW" | "MEDIUM" | "HIGH" | "CRITICAL",
  "estimated_duration": "hours",
  "steps": [{
    "step_id": "step_1",
    "order": 1,
    "description": "...",
    "actor": "it_agent" | "employee" | "manager_approval" | "system",
    "actor_details": "...",
    "estimated_duration": "minutes",
    "automation_possible": true | false,
    "required_tools": ["email" | "jira" | "..."]
  }],
  "approval_workflow": {"needed": true | false, "approvers": ["..."], "escalation_path": ["..."], "timeout_hours": 24},
  "email_draft": {"subject": "...", "recipients": ["..."], "body": "..."},
  "risk_assessment": "...",
  "compliance_checklist": ["..."],
  "success_criteria": ["..."]
}

Rules:
- Order steps from 1. Use employee or manager_approval only for work IT cannot do on the requester's behalf.
- Name the first required tool as the one IT uses to carry out the step.`
