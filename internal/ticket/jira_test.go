package ticket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"helpdesk/api/internal/retry"
	"helpdesk/api/internal/workflow"
)

func TestJiraClientCreate(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/api/3/issue" {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if user, token, ok := r.BasicAuth(); !ok || user != "bot@example.com" || token != "secret" {
			t.Fatalf("missing basic auth")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"10001","key":"IT-7"}`))
	}))
	defer srv.Close()

	client := NewJiraClient(JiraConfig{BaseURL: srv.URL, User: "bot@example.com", Token: "secret", ProjectKey: "IT"})
	issue, err := client.Create(context.Background(), CreateInput{
		Summary:     "IT Support Request: laptop",
		Description: "line one\n\nline two",
		Priority:    "High",
		Labels:      []string{"hardware", "automated"},
		ExternalKey: "helpdesk-req_1",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if issue.ID != "10001" || issue.Key != "IT-7" || issue.Status != workflow.TicketNew {
		t.Fatalf("issue = %+v", issue)
	}

	fields := got["fields"].(map[string]any)
	labels := fields["labels"].([]any)
	if len(labels) != 3 || labels[2] != "helpdesk-req_1" {
		t.Fatalf("labels = %v", labels)
	}
	desc := fields["description"].(map[string]any)
	if content := desc["content"].([]any); len(content) != 2 {
		t.Fatalf("expected blank lines to be dropped, got %d paragraphs", len(content))
	}
}

func TestJiraClientTransition(t *testing.T) {
	var posted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/api/3/issue/10001/transitions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		switch r.Method {
		case http.MethodGet:
			_, _ = w.Write([]byte(`{"transitions":[
				{"id":"11","name":"Start","to":{"name":"In Progress"}},
				{"id":"31","name":"Resolve","to":{"name":"Resolved"}}]}`))
		case http.MethodPost:
			_ = json.NewDecoder(r.Body).Decode(&posted)
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	client := NewJiraClient(JiraConfig{BaseURL: srv.URL, ProjectKey: "IT"})
	err := client.Transition(context.Background(), "10001", TransitionInput{
		To:         workflow.TicketResolved,
		Comment:    "done",
		Resolution: "Resolved",
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if posted["transition"].(map[string]any)["id"] != "31" {
		t.Fatalf("posted = %v", posted)
	}
	if _, ok := posted["update"]; !ok {
		t.Fatalf("expected comment update, got %v", posted)
	}

	err = client.Transition(context.Background(), "10001", TransitionInput{To: workflow.TicketClosed})
	if err == nil || !retry.IsFatal(err) {
		t.Fatalf("expected fatal error for missing transition, got %v", err)
	}
}

func TestJiraClientErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "server error", status: http.StatusBadGateway, wantTransient: true},
		{name: "bad request", status: http.StatusBadRequest},
		{name: "unauthorized", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, strings.Repeat("x", 10), tt.status)
			}))
			defer srv.Close()

			client := NewJiraClient(JiraConfig{BaseURL: srv.URL, ProjectKey: "IT"})
			err := client.Comment(context.Background(), "10001", "hello")
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsTransient(err) != tt.wantTransient {
				t.Fatalf("transient = %v, want %v (%v)", retry.IsTransient(err), tt.wantTransient, err)
			}
		})
	}
}

func TestJiraClientFind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jql := r.URL.Query().Get("jql")
		if !strings.Contains(jql, `labels = "helpdesk-req_1"`) {
			_, _ = w.Write([]byte(`{"issues":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"issues":[{"id":"10001","key":"IT-7","fields":{"status":{"name":"In Progress"}}}]}`))
	}))
	defer srv.Close()

	client := NewJiraClient(JiraConfig{BaseURL: srv.URL, ProjectKey: "IT"})
	issue, err := client.Find(context.Background(), "helpdesk-req_1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if issue == nil || issue.Status != workflow.TicketInProgress {
		t.Fatalf("issue = %+v", issue)
	}
	missing, err := client.Find(context.Background(), "helpdesk-req_2")
	if err != nil || missing != nil {
		t.Fatalf("expected no issue, got %+v, %v", missing, err)
	}
}
