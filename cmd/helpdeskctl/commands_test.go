package main

import (
	"bytes"
	"strings"
	"testing"

	"helpdesk/api/internal/auth"
	"helpdesk/api/internal/workflow"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenIssue(t *testing.T) {
	t.Setenv("HELPDESK_TOKEN_SECRET", "ctl-secret")

	out, err := execute(t, "token", "issue", "--email", "kim@example.com", "--name", "Kim", "--role", "approver", "--ttl", "1h")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	claims, err := auth.ParseToken([]byte("ctl-secret"), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Sub != "kim@example.com" || claims.Role != "approver" || claims.Name != "Kim" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestTokenIssueRejects(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{name: "unknown role", args: []string{"token", "issue", "--email", "a@example.com", "--role", "root"}, want: "unknown role"},
		{name: "no subject", args: []string{"token", "issue"}, want: "--subject or --email"},
		{name: "reconcile without ids", args: []string{"reconcile"}, want: "requires at least 1 arg"},
		{name: "migrate extra args", args: []string{"migrate", "up", "now"}, want: "unknown command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := execute(t, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestStepsLabel(t *testing.T) {
	for steps, want := range map[int]string{0: "all migrations", 1: "1 migration", 3: "3 migrations"} {
		if got := stepsLabel(steps); got != want {
			t.Errorf("stepsLabel(%d) = %q, want %q", steps, got, want)
		}
	}
}

func TestPrintReconciled(t *testing.T) {
	st := workflow.RequestState{
		RequestID: "req_1",
		Ticket:    &workflow.TicketRecord{TicketID: "10001", Key: "IT-1", Status: workflow.TicketInProgress},
	}
	var out bytes.Buffer
	printReconciled(&out, st)
	if !strings.HasPrefix(out.String(), "req_1: ticket ") || !strings.Contains(out.String(), "(synced)") {
		t.Fatalf("output = %q", out.String())
	}
}
