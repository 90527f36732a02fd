package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"helpdesk/api/internal/hil"
	"helpdesk/api/internal/retry"
	"helpdesk/api/internal/stages"
	"helpdesk/api/internal/workflow"
)

// Duration reads "90s"/"4h" strings or a bare number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if secs, err := strconv.ParseFloat(node.Value, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, node.Value)
	}
	*d = Duration(parsed)
	return nil
}

type RetryPolicy struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	AttemptTimeout    Duration `yaml:"attempt_timeout"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxBackoff        Duration `yaml:"max_backoff"`
}

type AssigneePolicy struct {
	Default   string `yaml:"default"`
	Approval  string `yaml:"approval"`
	Senior    string `yaml:"senior"`
	Emergency string `yaml:"emergency"`
}

// WorkflowPolicy is the optional YAML file named by HELPDESK_POLICY_FILE. Zero
// values keep the built-in defaults.
type WorkflowPolicy struct {
	ConfidenceThreshold float64             `yaml:"confidence_threshold"`
	RetrievalLimit      int                 `yaml:"retrieval_limit"`
	MaxSteps            int                 `yaml:"max_steps"`
	StageTimeouts       map[string]Duration `yaml:"stage_timeouts"`
	RetryPolicy         RetryPolicy         `yaml:"retry"`
	DueWindows          map[string]Duration `yaml:"due_windows"`
	EscalationPath      []string            `yaml:"escalation_path"`
	EmergencyPath       []string            `yaml:"emergency_escalation_path"`
	Assignees           AssigneePolicy      `yaml:"assignees"`
	Models              stages.Models       `yaml:"models"`
	SurveyTTL           Duration            `yaml:"survey_ttl"`
}

// LoadPolicy reads path. An empty path returns the zero policy.
func LoadPolicy(path string) (WorkflowPolicy, error) {
	if path == "" {
		return WorkflowPolicy{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return WorkflowPolicy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes and validates a policy document. Unknown keys are errors.
func ParsePolicy(raw []byte) (WorkflowPolicy, error) {
	var p WorkflowPolicy
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return WorkflowPolicy{}, fmt.Errorf("parse policy file: %w", err)
	}
	if err := p.validate(); err != nil {
		return WorkflowPolicy{}, err
	}
	return p, nil
}

func (p WorkflowPolicy) validate() error {
	var problems []error
	if p.ConfidenceThreshold < 0 || p.ConfidenceThreshold > 1 {
		problems = append(problems, fmt.Errorf("confidence_threshold %v outside [0,1]", p.ConfidenceThreshold))
	}
	if p.MaxSteps < 0 {
		problems = append(problems, errors.New("max_steps must not be negative"))
	}
	for name := range p.StageTimeouts {
		if !knownStage(workflow.StageName(name)) {
			problems = append(problems, fmt.Errorf("stage_timeouts: unknown stage %q", name))
		}
	}
	for name := range p.DueWindows {
		if !workflow.Priority(name).Valid() {
			problems = append(problems, fmt.Errorf("due_windows: unknown priority %q", name))
		}
	}
	if p.RetryPolicy.MaxAttempts < 0 {
		problems = append(problems, errors.New("retry.max_attempts must not be negative"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid policy file: %w", errors.Join(problems...))
	}
	return nil
}

func knownStage(name workflow.StageName) bool {
	for _, s := range workflow.Stages {
		if s == name {
			return true
		}
	}
	return false
}

// Workflow returns the engine policy with overrides applied.
func (p WorkflowPolicy) Workflow() workflow.Policy {
	out := workflow.DefaultPolicy()
	if p.MaxSteps > 0 {
		out.MaxSteps = p.MaxSteps
	}
	for name, d := range p.StageTimeouts {
		if d > 0 {
			out.StageTimeouts[workflow.StageName(name)] = time.Duration(d)
		}
	}
	return out
}

// HIL returns the suspension manager configuration.
func (p WorkflowPolicy) HIL() hil.Config {
	out := hil.DefaultConfig()
	for name, d := range p.DueWindows {
		if d > 0 {
			out.DueWindows[workflow.Priority(name)] = time.Duration(d)
		}
	}
	if len(p.EscalationPath) > 0 {
		out.DefaultPath = p.EscalationPath
	}
	if len(p.EmergencyPath) > 0 {
		out.EmergencyPath = p.EmergencyPath
	}
	out.Assignees.Default = firstSet(p.Assignees.Default, out.Assignees.Default)
	out.Assignees.Approval = firstSet(p.Assignees.Approval, out.Assignees.Approval)
	out.Assignees.Senior = firstSet(p.Assignees.Senior, out.Assignees.Senior)
	out.Assignees.Emergency = firstSet(p.Assignees.Emergency, out.Assignees.Emergency)
	return out
}

// Stages returns the stage configuration. Unset fields are defaulted by stages.New.
func (p WorkflowPolicy) Stages() stages.Config {
	return stages.Config{
		ConfidenceThreshold: p.ConfidenceThreshold,
		RetrievalLimit:      p.RetrievalLimit,
		Models:              p.Models,
		SurveyTTL:           time.Duration(p.SurveyTTL),
	}
}

// Retry returns the collaborator retry configuration.
func (p WorkflowPolicy) Retry() retry.Config {
	out := retry.DefaultConfig()
	if p.RetryPolicy.MaxAttempts > 0 {
		out.MaxAttempts = p.RetryPolicy.MaxAttempts
	}
	if p.RetryPolicy.AttemptTimeout > 0 {
		out.AttemptTimeout = time.Duration(p.RetryPolicy.AttemptTimeout)
	}
	if p.RetryPolicy.BackoffBase > 0 {
		out.BackoffBase = time.Duration(p.RetryPolicy.BackoffBase)
	}
	if p.RetryPolicy.BackoffMultiplier > 0 {
		out.BackoffMultiplier = p.RetryPolicy.BackoffMultiplier
	}
	if p.RetryPolicy.MaxBackoff > 0 {
		out.MaxBackoff = time.Duration(p.RetryPolicy.MaxBackoff)
	}
	return out
}

func firstSet(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
