// Package retry runs calls to external collaborators with a per-attempt timeout
// and bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config holds retry configuration for one collaborator.
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int

	// AttemptTimeout bounds a single attempt. Zero means no per-attempt deadline.
	AttemptTimeout time.Duration

	// BackoffBase is the delay before the second attempt.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to the delay on each further attempt.
	BackoffMultiplier float64

	// MaxBackoff caps a single delay.
	MaxBackoff time.Duration
}

// DefaultConfig returns the defaults used when a collaborator has no override.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		AttemptTimeout:    60 * time.Second,
		BackoffBase:       500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxBackoff:        10 * time.Second,
	}
}

// Sleeper waits for d or until ctx is done. Tests replace it to avoid real delays.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Runner executes operations under a Config.
type Runner struct {
	cfg   Config
	sleep Sleeper
}

// New creates a Runner. Zero-valued fields fall back to DefaultConfig.
func New(cfg Config) *Runner {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = def.BackoffMultiplier
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Runner{cfg: cfg, sleep: sleepContext}
}

// WithSleeper returns a copy of the runner that waits with s.
func (r *Runner) WithSleeper(s Sleeper) *Runner {
	clone := *r
	clone.sleep = s
	return &clone
}

// Config returns the effective configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Do calls op until it succeeds, returns a fatal error, the parent context ends,
// or attempts are exhausted. It returns the number of attempts made and the last error.
func (r *Runner) Do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err := r.attempt(ctx, op)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if IsFatal(err) {
			return attempt, err
		}
		if ctx.Err() != nil {
			return attempt, lastErr
		}

		if attempt < r.cfg.MaxAttempts {
			if err := r.sleep(ctx, r.Backoff(attempt)); err != nil {
				return attempt, lastErr
			}
		}
	}
	return r.cfg.MaxAttempts, lastErr
}

func (r *Runner) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	attemptCtx := ctx
	if r.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
	}
	err := op(attemptCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// The attempt deadline fired, not the caller's: retry it.
		return NewTransientError(err)
	}
	return err
}

// Backoff computes the delay after the given attempt with +/-25% jitter.
func (r *Runner) Backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= r.cfg.BackoffMultiplier
	}

	backoff := time.Duration(float64(r.cfg.BackoffBase) * multiplier)
	if backoff > r.cfg.MaxBackoff {
		backoff = r.cfg.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
