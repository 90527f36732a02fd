package ticket

import (
	"fmt"
	"strings"
	"time"

	"helpdesk/api/internal/workflow"
)

// Summary is the ticket title for a request.
func Summary(st *workflow.RequestState) string {
	return "IT Support Request: " + st.Payload.Title
}

// Description renders the ticket body from the request and its decision.
func Description(st *workflow.RequestState, now time.Time) string {
	var b strings.Builder
	p := st.Payload
	b.WriteString("Request Details\n")
	fmt.Fprintf(&b, "Title: %s\n", p.Title)
	fmt.Fprintf(&b, "Requester: %s <%s>\n", st.Requester.Name, st.Requester.Email)
	if st.Requester.Department != "" {
		fmt.Fprintf(&b, "Department: %s\n", st.Requester.Department)
	}
	fmt.Fprintf(&b, "Category: %s\n", p.Category)
	fmt.Fprintf(&b, "Priority: %s\n", p.Priority)
	fmt.Fprintf(&b, "Description: %s\n", p.Description)
	if p.BusinessJustification != "" {
		fmt.Fprintf(&b, "Business justification: %s\n", p.BusinessJustification)
	}

	if d := st.Decision; d != nil {
		b.WriteString("\nClassification Decision\n")
		fmt.Fprintf(&b, "Decision: %s\n", d.Effective())
		fmt.Fprintf(&b, "Confidence: %d%%\n", int(d.Confidence*100))
		fmt.Fprintf(&b, "Needs human review: %s\n", yesNo(d.NeedsHuman))
		fmt.Fprintf(&b, "Risk: %s\n", d.Risk)
		if d.Justification != "" {
			fmt.Fprintf(&b, "Justification: %s\n", d.Justification)
		}
		if len(d.Citations) > 0 {
			b.WriteString("\nPolicy Citations\n")
			for i, c := range d.Citations {
				fmt.Fprintf(&b, "%d. %s (relevance %.2f): %s\n", i+1, c.Source, c.Relevance, truncate(c.Text, 200))
			}
		}
		if len(d.MissingFields) > 0 {
			b.WriteString("\nMissing Information\n")
			for _, f := range d.MissingFields {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
		b.WriteString("\nNext Steps\n")
		b.WriteString(nextSteps(d.Effective()))
	}

	fmt.Fprintf(&b, "\nCreated automatically by the IT support workflow at %s\n", now.Format("2006-01-02 15:04:05"))
	return b.String()
}

func nextSteps(d workflow.Decision) string {
	switch d {
	case workflow.DecisionAllowed:
		return "Proceed with fulfilment and track progress on this ticket.\n"
	case workflow.DecisionRequiresApproval:
		return "Await approval from the assigned reviewer before fulfilment.\n"
	case workflow.DecisionDenied:
		return "No action; the request conflicts with policy.\n"
	default:
		return "Review manually.\n"
	}
}

// jiraPriority maps request priorities onto Jira's default scheme.
func jiraPriority(p workflow.Priority) string {
	switch p {
	case workflow.PriorityCritical:
		return "Highest"
	case workflow.PriorityHigh:
		return "High"
	case workflow.PriorityLow:
		return "Low"
	default:
		return "Medium"
	}
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
