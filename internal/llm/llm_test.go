package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"helpdesk/api/internal/retry"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "fenced block", input: "Here you go:\n```json\n{\"a\": 1}\n```\nthanks", want: `{"a": 1}`},
		{name: "bare object", input: `prefix {"a": {"b": 2}} suffix`, want: `{"a": {"b": 2}}`},
		{name: "trailing comma", input: `{"a": [1, 2,], }`, want: `{"a": [1, 2]}`},
		{name: "comment outside string", input: "{\"url\": \"http://x\", // note\n\"b\": 1}", want: "{\"url\": \"http://x\",\n\"b\": 1}"},
		{name: "no object", input: "I cannot help with that", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.input); got != tt.want {
				t.Fatalf("ExtractJSON() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenAIClientCall(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL + "/v1/", APIKey: "key"}, nil)
	text, err := client.Call(context.Background(), Request{Role: RoleClassifier, Model: "standard", Prompt: "sys", Input: "user"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if text != "ok" {
		t.Fatalf("text = %q", text)
	}
	if got.Model != "standard" || len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Fatalf("request = %+v", got)
	}
}

func TestOpenAIClientErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantCalls int
	}{
		{name: "server errors are retried", status: http.StatusServiceUnavailable, wantCalls: 3},
		{name: "client errors are not", status: http.StatusBadRequest, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			runner := retry.New(retry.Config{MaxAttempts: 3}).WithSleeper(noSleep)
			client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL}, runner)
			_, err := client.Call(context.Background(), Request{Role: RolePlanner, Model: "advanced"})
			var perr *ProviderError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if perr.Status != tt.status || perr.Attempts != tt.wantCalls || calls != tt.wantCalls {
				t.Fatalf("err = %+v, calls = %d", perr, calls)
			}
		})
	}
}

func TestOpenAIClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	runner := retry.New(retry.Config{MaxAttempts: 2, AttemptTimeout: 10 * time.Millisecond}).WithSleeper(noSleep)
	client := NewOpenAIClient(OpenAIConfig{BaseURL: srv.URL}, runner)
	_, err := client.Call(context.Background(), Request{Role: RoleClassifier})
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if terr.Attempts != 2 {
		t.Fatalf("attempts = %d", terr.Attempts)
	}
}

func TestScripted(t *testing.T) {
	s := NewScripted().PushText(RoleClassifier, "one").Push(RoleClassifier, Reply{Err: errors.New("boom")})
	if text, err := s.Call(context.Background(), Request{Role: RoleClassifier}); err != nil || text != "one" {
		t.Fatalf("first call = %q, %v", text, err)
	}
	if _, err := s.Call(context.Background(), Request{Role: RoleClassifier}); err == nil {
		t.Fatal("expected scripted error")
	}
	if _, err := s.Call(context.Background(), Request{Role: RolePlanner}); err == nil {
		t.Fatal("expected error when queue is empty")
	}
	if s.Calls(RoleClassifier) != 2 {
		t.Fatalf("calls = %d", s.Calls(RoleClassifier))
	}
}
