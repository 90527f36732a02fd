package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"helpdesk/api/internal/workflow"
)

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatTime": func(t time.Time) string {
		if t.IsZero() {
			return "n/a"
		}
		return t.UTC().Format("Jan 2, 2006 15:04 MST")
	},
	"hours": func(h float64) string { return fmt.Sprintf("%.1f", h) },
	"percent": func(f float64) string { return fmt.Sprintf("%.0f%%", f*100) },
}).Parse(reportHTML))

// reportData is the view rendered by reportTemplate.
type reportData struct {
	State       workflow.RequestState
	Decision    workflow.Decision
	Overridden  bool
	Steps       []workflow.PlanStep
	Questions   []workflow.Question
	GeneratedAt time.Time
}

func renderHTML(st workflow.RequestState, now time.Time) (string, error) {
	data := reportData{
		State:       st,
		Decision:    st.Decision.Effective(),
		Overridden:  st.Decision != nil && st.Decision.Override != nil,
		Questions:   st.Approvals,
		GeneratedAt: now,
	}
	if st.Plan != nil {
		data.Steps = st.Plan.Steps
	}
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.State.Payload.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 820px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 1.5rem; }
    .badge { display: inline-block; padding: 0.1rem 0.5rem; border-radius: 3px; background: #eee; }
    .badge.allowed { background: #d4edda; } .badge.denied { background: #f8d7da; } .badge.requires_approval { background: #fff3cd; }
    table { border-collapse: collapse; width: 100%; margin: 0.5rem 0 1.5rem; }
    th, td { border: 1px solid #ccc; padding: 0.35rem 0.5rem; text-align: left; vertical-align: top; }
    .citation { background: #f5f5f5; padding: 0.5rem 0.75rem; margin: 0.5rem 0; border-left: 3px solid #333; }
  </style>
</head>
<body>
  <h1>{{.State.Payload.Title}}</h1>
  <div class="meta">Request {{.State.RequestID}} | {{.State.Requester.Name}} &lt;{{.State.Requester.Email}}&gt; | submitted {{formatTime .State.CreatedAt}}</div>
  <p>{{.State.Payload.Description}}</p>

  <h2>Status</h2>
  <table>
    <tr><th>Workflow</th><td>{{.State.WorkflowStatus}}</td></tr>
    <tr><th>Request</th><td>{{.State.RequestStatus}}</td></tr>
    <tr><th>Priority</th><td>{{.State.Payload.Priority}}</td></tr>
    {{with .State.Ticket}}<tr><th>Ticket</th><td>{{if .Key}}{{.Key}}{{else}}{{.TicketID}}{{end}} ({{.Status}})</td></tr>{{end}}
    {{if .State.CancelReason}}<tr><th>Cancelled</th><td>{{.State.CancelReason}}</td></tr>{{end}}
  </table>

  {{with .State.Decision}}
  <h2>Decision</h2>
  <p><span class="badge {{lower (print $.Decision)}}">{{$.Decision}}</span>
    {{if $.Overridden}}(model said {{.Decision}}, overridden by {{.Override.By}}){{else}}confidence {{percent .Confidence}}{{end}}</p>
  {{if .Justification}}<p>{{.Justification}}</p>{{end}}
  {{range .Citations}}<div class="citation"><strong>{{.Source}}</strong><br>{{.Text}}</div>{{end}}
  {{end}}

  {{if .Steps}}
  <h2>Plan</h2>
  <table>
    <tr><th>#</th><th>Step</th><th>Actor</th><th>Done</th></tr>
    {{range .Steps}}<tr><td>{{.Order}}</td><td>{{.Description}}</td><td>{{.Actor}}</td><td>{{if .Completed}}yes{{else}}no{{end}}</td></tr>{{end}}
  </table>
  {{end}}

  {{if .Questions}}
  <h2>Human review</h2>
  <table>
    <tr><th>Question</th><th>Assignee</th><th>Status</th><th>Answer</th></tr>
    {{range .Questions}}<tr><td>{{.Kind}}</td><td>{{.Assignee}}</td><td>{{.Status}}</td><td>{{with .Answer}}{{.Decision}} by {{.AnsweredBy}}{{end}}</td></tr>{{end}}
  </table>
  {{end}}

  {{with .State.Completion}}
  <h2>Resolution</h2>
  <p>{{.ResolutionSummary}} ({{.StepsCompleted}}/{{.TotalSteps}} steps, {{hours .HoursToResolution}} hours)</p>
  {{if .KnowledgeGaps}}<h3>Knowledge gaps</h3><ul>{{range .KnowledgeGaps}}<li>{{.}}</li>{{end}}</ul>{{end}}
  {{if .ImprovementSuggestions}}<h3>Suggestions</h3><ul>{{range .ImprovementSuggestions}}<li>{{.}}</li>{{end}}</ul>{{end}}
  {{end}}

  <div class="meta">Generated {{formatTime .GeneratedAt}}</div>
</body>
</html>`
