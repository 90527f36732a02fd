package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"helpdesk/api/internal/workflow"
)

func reportState() workflow.RequestState {
	return workflow.RequestState{
		RequestID:      "req_1",
		Payload:        workflow.UserRequest{Title: "Need <Acrobat>", Description: "Edit contracts", Priority: workflow.PriorityMedium},
		Requester:      workflow.Employee{Name: "Dana Lee", Email: "dana@example.com"},
		WorkflowStatus: workflow.WorkflowTerminated,
		RequestStatus:  workflow.RequestClosed,
		Decision: &workflow.DecisionRecord{
			Decision:   workflow.DecisionRequiresApproval,
			Confidence: 0.82,
			Citations:  []workflow.Citation{{Source: "software/install.md", Text: "Licensed software needs approval"}},
			Override:   &workflow.DecisionOverride{Decision: workflow.DecisionAllowed, By: "boss@example.com"},
		},
		Plan: &workflow.PlanRecord{Steps: []workflow.PlanStep{
			{Order: 1, Description: "Install Acrobat", Actor: workflow.ActorITAgent, Completed: true},
		}},
		Ticket:     &workflow.TicketRecord{TicketID: "10001", Key: "IT-1", Status: workflow.TicketClosed},
		Completion: &workflow.CompletionSummary{ResolutionSummary: "Successfully completed 1 out of 1 planned steps", StepsCompleted: 1, TotalSteps: 1, HoursToResolution: 2.5},
		CreatedAt:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestRenderHTML(t *testing.T) {
	svc := NewService(nil)
	res, err := svc.Render(context.Background(), reportState(), FormatHTML)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	html := string(res.Data)
	for _, want := range []string{
		"Need &lt;Acrobat&gt;",
		"IT-1 (Closed)",
		"overridden by boss@example.com",
		"software/install.md",
		"Install Acrobat",
		"2.5 hours",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if res.Filename != "req_1-Need-Acrobat.html" || !strings.HasPrefix(res.MimeType, "text/html") {
		t.Fatalf("result = %s %s", res.Filename, res.MimeType)
	}
}

func TestRenderPDFUsesPrinter(t *testing.T) {
	var printed string
	svc := NewService(func(_ context.Context, html string) ([]byte, error) {
		printed = html
		return []byte("%PDF-1.7"), nil
	})
	res, err := svc.Render(context.Background(), reportState(), FormatPDF)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if string(res.Data) != "%PDF-1.7" || res.MimeType != "application/pdf" || !strings.HasSuffix(res.Filename, ".pdf") {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(printed, "<h1>") {
		t.Fatal("printer did not receive the rendered page")
	}
}

func TestRenderPDFDependencyMissing(t *testing.T) {
	svc := NewService(func(context.Context, string) ([]byte, error) {
		return nil, ErrPDFDependencyMissing
	})
	_, err := svc.Render(context.Background(), reportState(), FormatPDF)
	if !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("err = %v", err)
	}
}

func TestParseFormat(t *testing.T) {
	for value, want := range map[string]Format{"": FormatHTML, "html": FormatHTML, "pdf": FormatPDF} {
		if got, err := ParseFormat(value); err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", value, got, err)
		}
	}
	if _, err := ParseFormat("docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("docx err = %v", err)
	}
}

func TestEncodeDataURL(t *testing.T) {
	if got := encodeDataURL("a b<é"); got != "a%20b%3C%C3%A9" {
		t.Fatalf("encodeDataURL = %q", got)
	}
}
