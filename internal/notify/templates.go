package notify

import (
	"bytes"
	"html/template"
)

var templates = template.Must(template.New("email").Parse(emailTemplates))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const emailTemplates = `
{{define "header"}}<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .meta { background: #f8f9fa; padding: 12px; border-radius: 4px; }
        .warning { background: #fff3cd; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header"><h1>{{.AppName}}</h1></div>
{{end}}

{{define "footer"}}
    <div class="footer">
        <p>This is an automated message from {{.AppName}}. Reference: {{.RequestID}}</p>
    </div>
</body>
</html>{{end}}

{{define "approval"}}{{template "header" .}}
    <h2>Approval needed: {{.Title}}</h2>
    <p>{{.Prompt}}</p>
    <div class="meta">
        <p><strong>Requester:</strong> {{.Requester}}</p>
        <p><strong>Decision under review:</strong> {{.Decision}}</p>
        <p><strong>Priority:</strong> {{.Priority}}</p>
        <p><strong>Due:</strong> {{.Due}}</p>
        {{if .Ticket}}<p><strong>Ticket:</strong> {{.Ticket}}</p>{{end}}
    </div>
    {{if .Emergency}}<div class="warning"><strong>Emergency:</strong> automated processing failed and this request needs immediate attention.</div>{{end}}
    {{if .Body}}<p>{{.Body}}</p>{{end}}
{{template "footer" .}}{{end}}

{{define "escalation"}}{{template "header" .}}
    <h2>Escalated to you: {{.Title}}</h2>
    <p>The question below was not answered in time and is now assigned to {{.Assignee}} (level {{.Level}}).</p>
    <p>{{.Prompt}}</p>
    <div class="meta">
        <p><strong>Priority:</strong> {{.Priority}}</p>
        <p><strong>Due:</strong> {{.Due}}</p>
    </div>
{{template "footer" .}}{{end}}

{{define "guide"}}{{template "header" .}}
    <h2>{{.Guide.Title}}</h2>
    <p>{{.Guide.Introduction}}</p>
    <ol>
    {{range .Guide.Steps}}<li><strong>{{.Title}}</strong>{{if .Details}}<br>{{.Details}}{{end}}{{if .EstimatedTime}}<br><em>Estimated time: {{.EstimatedTime}}</em>{{end}}</li>
    {{end}}</ol>
    <h3>Done when</h3>
    <ul>{{range .Guide.CompletionCriteria}}<li>{{.}}</li>{{end}}</ul>
    <p>{{.Guide.NextSteps}}</p>
{{template "footer" .}}{{end}}

{{define "message"}}{{template "header" .}}
    <h2>{{.Subject}}</h2>
    <p>{{.Body}}</p>
{{template "footer" .}}{{end}}

{{define "completion"}}{{template "header" .}}
    <h2>Your request is closed: {{.Title}}</h2>
    <p>{{.Body}}</p>
    {{if .Survey}}<p>Please tell us how we did:</p>
    <ul>{{range .Survey}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{template "footer" .}}{{end}}
`
