package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"helpdesk/api/internal/app"
	"helpdesk/api/internal/bootstrap"
	"helpdesk/api/internal/config"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	sys, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer sys.Close()

	runCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	go func() {
		result, err := sys.Policies.Sync(runCtx)
		if err != nil {
			log.Printf("WARNING: initial policy sync failed (retry with POST /api/policies/sync): %v", err)
			return
		}
		log.Printf("policies synced at %s: %d indexed, %d removed, %d unchanged",
			result.Revision, result.Indexed, result.Removed, result.Unchanged)
	}()
	go sys.Sweeper.Run(runCtx)

	recovered, err := sys.Service.Recover(ctx)
	if err != nil {
		log.Printf("WARNING: recovery failed (will retry on next restart): %v", err)
	} else if recovered > 0 {
		log.Printf("resumed %d running request(s)", recovered)
	}

	httpServer := app.NewHTTPServer(sys.Service, cfg.CORSOrigin, sys.Metrics)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: event streams stay open until the request finishes.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Helpdesk API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	stopBackground()
	if err := sys.Service.Shutdown(shutdownCtx); err != nil {
		log.Printf("requests still running at shutdown resume on next start: %v", err)
	}
}
