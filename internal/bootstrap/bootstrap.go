// Package bootstrap assembles the helpdesk runtime from configuration. Both
// the API server and helpdeskctl build on it.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"

	schema "helpdesk/api/db"
	"helpdesk/api/internal/app"
	"helpdesk/api/internal/archive"
	"helpdesk/api/internal/checkpoint"
	"helpdesk/api/internal/config"
	"helpdesk/api/internal/dedupe"
	"helpdesk/api/internal/events"
	"helpdesk/api/internal/hil"
	"helpdesk/api/internal/llm"
	"helpdesk/api/internal/metrics"
	"helpdesk/api/internal/notify"
	"helpdesk/api/internal/policy"
	"helpdesk/api/internal/report"
	"helpdesk/api/internal/retrieval"
	"helpdesk/api/internal/retry"
	"helpdesk/api/internal/stages"
	"helpdesk/api/internal/store"
	"helpdesk/api/internal/ticket"
	"helpdesk/api/internal/workflow"
)

// System is the wired runtime.
type System struct {
	Config      config.Config
	Policy      config.WorkflowPolicy
	DB          *sql.DB
	Checkpoints *checkpoint.PostgresStore
	Retrieval   *retrieval.Service
	Policies    *policy.Syncer
	Notifier    *notify.Notifier
	Engine      *workflow.Engine
	Sweeper     *hil.Sweeper
	Metrics     *metrics.Recorder
	Service     *app.Service

	closers []func() error
}

// Open connects the database, applies pending migrations and wires every
// collaborator. Optional backends fall back to in-process implementations
// when they are not configured.
func Open(ctx context.Context, cfg config.Config) (*System, error) {
	pol, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, DBPool(cfg))
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	sys := &System{Config: cfg, Policy: pol, DB: db, Metrics: metrics.New()}
	sys.closers = append(sys.closers, db.Close)

	if err := store.ApplyMigrations(ctx, db, Migrations(cfg)); err != nil {
		sys.Close()
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	sys.Checkpoints = checkpoint.NewPostgresStore(db)

	var meili *retrieval.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = retrieval.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		sys.closers = append(sys.closers, func() error { meili.Close(); return nil })
	}
	sys.Retrieval = retrieval.NewService(meili, retrieval.NewPgFTS(db))
	sys.Policies = policy.NewSyncer(policy.NewRepo(cfg.PolicyRepoDir, cfg.PolicyRepoURL), sys.Retrieval)

	runner := retry.New(pol.Retry())
	checks := []app.Check{{
		Name: "search",
		Ping: func(context.Context) error {
			if !sys.Retrieval.Healthy() {
				return errors.New("no search backend available")
			}
			return nil
		},
	}}

	var (
		guard dedupe.Guard = dedupe.NewMemoryGuard()
		bus   events.Bus   = events.NewMemoryBus()
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisGuard, err := dedupe.NewRedisGuard(cfg.RedisURL)
		if err != nil {
			sys.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		redisBus, err := events.NewRedisBus(cfg.RedisURL)
		if err != nil {
			_ = redisGuard.Close()
			sys.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		sys.closers = append(sys.closers, redisGuard.Close, redisBus.Close)
		guard, bus = redisGuard, redisBus
		checks = append(checks, app.Check{Name: "redis", Ping: redisGuard.Ping})
	} else {
		log.Printf("bootstrap: REDIS_URL not set, idempotency keys and events stay in process")
	}

	var sender notify.Sender
	smtpConfig := notify.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	}
	if smtpConfig.IsConfigured() {
		sender = notify.NewSMTPSender(smtpConfig)
	} else {
		log.Printf("bootstrap: SMTP not configured, notifications are kept in memory")
		sender = notify.NewMemorySender()
	}
	sys.Notifier = notify.NewNotifier(sender, guard, runner, notify.Directory{
		Addresses: cfg.Directory,
		Fallback:  cfg.FallbackRecipient,
	})

	var tickets ticket.Client
	if strings.TrimSpace(cfg.JiraBaseURL) != "" {
		tickets = ticket.NewJiraClient(ticket.JiraConfig{
			BaseURL:    cfg.JiraBaseURL,
			User:       cfg.JiraUser,
			Token:      cfg.JiraToken,
			ProjectKey: cfg.JiraProject,
		})
	} else {
		log.Printf("bootstrap: JIRA_BASE_URL not set, tickets are kept in memory")
		tickets = ticket.NewMemoryClient(cfg.JiraProject)
	}
	synchronizer := ticket.NewSynchronizer(tickets, runner, "jira")

	var model llm.Caller = llm.Unavailable{}
	if strings.TrimSpace(cfg.LLMBaseURL) != "" {
		model = llm.NewOpenAIClient(llm.OpenAIConfig{BaseURL: cfg.LLMBaseURL, APIKey: cfg.LLMAPIKey}, runner)
	} else {
		log.Printf("bootstrap: LLM_BASE_URL not set, model calls fail over to human review")
	}

	approvals := hil.NewManager(pol.HIL())
	engineDeps := workflow.Deps{
		Store: sys.Checkpoints,
		Stages: stages.New(stages.Deps{
			Retriever: sys.Retrieval,
			Model:     model,
			Tickets:   synchronizer,
			Approvals: approvals,
			Notify:    sys.Notifier,
			Config:    pol.Stages(),
		}),
		Approvals:  approvals,
		Events:     bus,
		Reconciler: synchronizer,
		Metrics:    sys.Metrics,
		Policy:     pol.Workflow(),
	}
	archiveConfig := archive.Config{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}
	if archiveConfig.IsConfigured() {
		archiver, err := archive.NewMinio(archiveConfig)
		if err != nil {
			sys.Close()
			return nil, err
		}
		if err := archiver.EnsureBucket(ctx); err != nil {
			log.Printf("bootstrap: archive bucket unavailable, snapshots may fail: %v", err)
		}
		engineDeps.Archiver = archiver
	}
	sys.Engine = workflow.NewEngine(engineDeps)

	sys.Sweeper = hil.NewSweeper(sys.Checkpoints, sys.Engine, sys.Notifier, cfg.SweepInterval).
		OnSweep(func(int) { sys.Metrics.Swept() })

	sys.Service = app.New(app.Deps{
		Engine:        sys.Engine,
		Store:         sys.Checkpoints,
		Events:        bus,
		Idempotency:   guard,
		Reports:       report.NewService(nil),
		Policies:      sys.Policies,
		Checks:        checks,
		TokenSecret:   []byte(cfg.TokenSecret),
		MaxConcurrent: cfg.MaxConcurrent,
	})
	return sys, nil
}

// Migrations returns the configured migration directory or the embedded set.
func Migrations(cfg config.Config) fs.FS {
	return store.Migrations(schema.Migrations, cfg.MigrationsDir)
}

// DBPool sizes the database pool so every concurrent driver can hold a
// connection alongside the HTTP handlers.
func DBPool(cfg config.Config) store.Pool {
	open := cfg.DBMaxOpen
	if floor := cfg.MaxConcurrent + 4; open < floor {
		open = floor
	}
	return store.Pool{MaxOpen: open, MaxIdle: cfg.DBMaxIdle}
}

// Close releases connections in reverse order of opening.
func (s *System) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Printf("bootstrap: close: %v", err)
		}
	}
	s.closers = nil
}
