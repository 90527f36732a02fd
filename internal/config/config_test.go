package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"helpdesk/api/internal/workflow"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("HELPDESK_MAX_CONCURRENT", "not-a-number")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("HELPDESK_DIRECTORY", "team_lead=leads@example.com, broken ,analyst = desk@example.com")

	cfg := Load()
	if cfg.Addr != ":8787" || cfg.MaxConcurrent != 16 || cfg.SweepInterval != time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if !cfg.MinioUseSSL {
		t.Fatal("MINIO_USE_SSL not honoured")
	}
	if len(cfg.Directory) != 2 || cfg.Directory["analyst"] != "desk@example.com" {
		t.Fatalf("directory = %v", cfg.Directory)
	}
}

const samplePolicy = `
confidence_threshold: 0.7
max_steps: 40
stage_timeouts:
  classify: 90s
  execute: 600
retry:
  max_attempts: 5
  backoff_base: 250ms
due_windows:
  CRITICAL: 30m
escalation_path: [duty_manager]
assignees:
  approval: it_lead
models:
  advanced: big_model
survey_ttl: 72h
`

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy([]byte(samplePolicy))
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}

	wf := p.Workflow()
	if wf.MaxSteps != 40 || wf.StageTimeouts[workflow.StageClassify] != 90*time.Second || wf.StageTimeouts[workflow.StageExecute] != 10*time.Minute {
		t.Fatalf("workflow policy = %+v", wf)
	}
	if wf.StageTimeouts[workflow.StagePlan] != 5*time.Minute {
		t.Fatal("unset stage timeout lost its default")
	}

	h := p.HIL()
	if h.DueWindows[workflow.PriorityCritical] != 30*time.Minute || h.DueWindows[workflow.PriorityLow] != 24*time.Hour {
		t.Fatalf("due windows = %v", h.DueWindows)
	}
	if h.DefaultPath[0] != "duty_manager" || h.Assignees.Approval != "it_lead" || h.Assignees.Default != "analyst" {
		t.Fatalf("hil config = %+v", h)
	}

	s := p.Stages()
	if s.ConfidenceThreshold != 0.7 || s.Models.Advanced != "big_model" || s.SurveyTTL != 72*time.Hour {
		t.Fatalf("stages config = %+v", s)
	}

	r := p.Retry()
	if r.MaxAttempts != 5 || r.BackoffBase != 250*time.Millisecond || r.MaxBackoff != 10*time.Second {
		t.Fatalf("retry config = %+v", r)
	}
}

func TestParsePolicyRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "unknown key", doc: "confidense: 0.5\n", want: "field confidense not found"},
		{name: "threshold", doc: "confidence_threshold: 1.5\n", want: "outside [0,1]"},
		{name: "stage", doc: "stage_timeouts:\n  triage: 1m\n", want: `unknown stage "triage"`},
		{name: "priority", doc: "due_windows:\n  URGENT: 1h\n", want: `unknown priority "URGENT"`},
		{name: "duration", doc: "survey_ttl: soon\n", want: `invalid duration "soon"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoadPolicyFile(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil || p.MaxSteps != 0 {
		t.Fatalf("empty path = %+v, %v", p, err)
	}
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("max_steps: 12\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err = LoadPolicy(path)
	if err != nil || p.Workflow().MaxSteps != 12 {
		t.Fatalf("LoadPolicy = %+v, %v", p, err)
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
