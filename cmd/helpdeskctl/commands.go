package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"helpdesk/api/internal/auth"
	"helpdesk/api/internal/bootstrap"
	"helpdesk/api/internal/config"
	"helpdesk/api/internal/rbac"
	"helpdesk/api/internal/store"
	"helpdesk/api/internal/workflow"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "helpdeskctl",
		Short:         "Operate the IT helpdesk workflow service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(migrateCmd(), sweepCmd(), reconcileCmd(), policiesCmd(), tokenCmd())
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, bootstrap.DBPool(cfg))
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.ApplyMigrations(cmd.Context(), db, bootstrap.Migrations(cfg)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			db, err := store.Open(cmd.Context(), cfg.DatabaseURL, bootstrap.DBPool(cfg))
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.RollbackMigrations(cmd.Context(), db, bootstrap.Migrations(cfg), steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %s\n", stepsLabel(steps))
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back (0 for all)")
	cmd.AddCommand(down)
	return cmd
}

func stepsLabel(steps int) string {
	if steps <= 0 {
		return "all migrations"
	}
	if steps == 1 {
		return "1 migration"
	}
	return fmt.Sprintf("%d migrations", steps)
}

func withSystem(cmd *cobra.Command, fn func(ctx context.Context, sys *bootstrap.System) error) error {
	sys, err := bootstrap.Open(cmd.Context(), config.Load())
	if err != nil {
		return err
	}
	defer sys.Close()
	return fn(cmd.Context(), sys)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Escalate every overdue human review question once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSystem(cmd, func(ctx context.Context, sys *bootstrap.System) error {
				n, err := sys.Sweeper.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "escalated %d question(s)\n", n)
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <request-id>...",
		Short: "Retry ticket transitions left pending by tracker failures",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSystem(cmd, func(ctx context.Context, sys *bootstrap.System) error {
				failed := 0
				for _, id := range args {
					st, err := sys.Engine.Reconcile(ctx, id)
					if err != nil {
						failed++
						fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
						continue
					}
					printReconciled(cmd.OutOrStdout(), st)
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d request(s) failed", failed, len(args))
				}
				return nil
			})
		},
	}
}

func printReconciled(w io.Writer, st workflow.RequestState) {
	summary := workflow.Summarize(st)
	pending := "synced"
	if summary.TicketPendingSync {
		pending = "still pending"
	}
	fmt.Fprintf(w, "%s: ticket %s %s (%s)\n", st.RequestID, summary.TicketID, summary.TicketStatus, pending)
}

func policiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage the policy document index",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Pull the policy repository and reindex changed documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSystem(cmd, func(ctx context.Context, sys *bootstrap.System) error {
				result, err := sys.Policies.Sync(ctx)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	})
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	var (
		subject string
		name    string
		email   string
		role    string
		ttl     time.Duration
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed API token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !rbac.Valid(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			if subject == "" {
				subject = email
			}
			if subject == "" {
				return fmt.Errorf("--subject or --email is required")
			}
			claims := auth.NewClaims(subject, name, email, role, ttl, time.Now())
			token, err := auth.IssueToken([]byte(config.Load().TokenSecret), claims)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&subject, "subject", "", "Token subject (defaults to --email)")
	issue.Flags().StringVar(&name, "name", "", "Display name")
	issue.Flags().StringVar(&email, "email", "", "Email address")
	issue.Flags().StringVar(&role, "role", string(rbac.RoleRequester), "Role: requester, agent, approver or admin")
	issue.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	cmd.AddCommand(issue)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
