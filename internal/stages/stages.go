// Package stages implements the request pipeline: retrieve policy evidence,
// route, classify, mirror the ticket, ask humans, plan, execute and close.
package stages

import (
	"context"
	"errors"
	"time"

	"helpdesk/api/internal/llm"
	"helpdesk/api/internal/notify"
	"helpdesk/api/internal/retrieval"
	"helpdesk/api/internal/workflow"
)

// Retriever finds policy documents for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, f retrieval.Filters) ([]retrieval.Hit, error)
}

// TicketSync applies a sync intent to the request's external ticket.
type TicketSync interface {
	Sync(ctx context.Context, st *workflow.RequestState, intent workflow.SyncIntent) error
}

// Notifications are the messages stages send. Each call is idempotent per
// request and records itself on the state's notification ledger.
type Notifications interface {
	ApprovalRequested(ctx context.Context, st *workflow.RequestState, q workflow.Question) error
	PlanApproval(ctx context.Context, st *workflow.RequestState, draft workflow.EmailDraft) error
	UserGuide(ctx context.Context, st *workflow.RequestState, g notify.Guide) error
	StepMessage(ctx context.Context, st *workflow.RequestState, step workflow.PlanStep) error
	Completed(ctx context.Context, st *workflow.RequestState) error
}

// Models names the model used for each complexity tier.
type Models struct {
	Basic    string `yaml:"basic"`
	Standard string `yaml:"standard"`
	Advanced string `yaml:"advanced"`
	Planner  string `yaml:"planner"`
}

type Config struct {
	// ConfidenceThreshold forces human review below this classifier confidence.
	ConfidenceThreshold float64
	RetrievalLimit      int
	Models              Models
	SurveyTTL           time.Duration
}

func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.6,
		RetrievalLimit:      5,
		Models: Models{
			Basic:    "basic_model_v1",
			Standard: "standard_model_v1",
			Advanced: "advanced_model_v1",
			Planner:  "standard_model_v1",
		},
		SurveyTTL: 7 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if c.RetrievalLimit <= 0 {
		c.RetrievalLimit = def.RetrievalLimit
	}
	if c.Models.Basic == "" {
		c.Models.Basic = def.Models.Basic
	}
	if c.Models.Standard == "" {
		c.Models.Standard = def.Models.Standard
	}
	if c.Models.Advanced == "" {
		c.Models.Advanced = def.Models.Advanced
	}
	if c.Models.Planner == "" {
		c.Models.Planner = def.Models.Planner
	}
	if c.SurveyTTL <= 0 {
		c.SurveyTTL = def.SurveyTTL
	}
	return c
}

// Deps are the collaborators shared by the stages.
type Deps struct {
	Retriever Retriever
	Model     llm.Caller
	Tickets   TicketSync
	Approvals workflow.Approvals
	Notify    Notifications
	Config    Config
	Now       func() time.Time
}

// New returns all eight stages wired to deps.
func New(deps Deps) []workflow.Stage {
	deps.Config = deps.Config.withDefaults()
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Model == nil {
		deps.Model = llm.Unavailable{}
	}
	return []workflow.Stage{
		&Retrieve{deps: deps},
		&Route{deps: deps},
		&Classify{deps: deps},
		&SyncTicket{deps: deps},
		&EnqueueApproval{deps: deps},
		&Plan{deps: deps},
		&Execute{deps: deps},
		&Close{deps: deps},
	}
}

func modelError(op string, err error) error {
	return &workflow.ExternalServiceError{Service: "llm", Op: op, Attempts: attemptsOf(err), Err: err}
}

func attemptsOf(err error) int {
	var timeout *llm.TimeoutError
	if errors.As(err, &timeout) {
		return timeout.Attempts
	}
	var provider *llm.ProviderError
	if errors.As(err, &provider) {
		return provider.Attempts
	}
	return 1
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
