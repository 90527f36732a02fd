package hil

import (
	"context"
	"errors"
	"log"
	"time"

	"helpdesk/api/internal/workflow"
)

// Escalator expires an overdue question and opens its successor.
type Escalator interface {
	Escalate(ctx context.Context, requestID, questionID string) (workflow.RequestState, workflow.Question, error)
}

// Notifier tells the new owner about an escalated question.
type Notifier interface {
	QuestionEscalated(ctx context.Context, st workflow.RequestState, q workflow.Question) error
}

// Sweeper periodically escalates overdue questions.
type Sweeper struct {
	queue     Queue
	escalator Escalator
	notifier  Notifier
	interval  time.Duration
	now       func() time.Time
	onSweep   func(escalated int)
}

func NewSweeper(queue Queue, escalator Escalator, notifier Notifier, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		queue:     queue,
		escalator: escalator,
		notifier:  notifier,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// OnSweep registers fn to run after every successful sweep pass.
func (s *Sweeper) OnSweep(fn func(escalated int)) *Sweeper {
	s.onSweep = fn
	return s
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepAndLog(ctx)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	n, err := s.SweepOnce(ctx)
	if err != nil {
		log.Printf("hil: sweep: %v", err)
		return
	}
	if s.onSweep != nil {
		s.onSweep(n)
	}
	if n > 0 {
		log.Printf("hil: escalated %d overdue question(s)", n)
	}
}

// SweepOnce escalates every overdue question and returns how many moved.
// Questions answered or cancelled since the listing are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	overdue, err := s.queue.Overdue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	escalated := 0
	for _, entry := range overdue {
		if ctx.Err() != nil {
			return escalated, ctx.Err()
		}
		st, successor, err := s.escalator.Escalate(ctx, entry.RequestID, entry.QuestionID)
		switch {
		case errors.Is(err, workflow.ErrTerminated), errors.Is(err, workflow.ErrNoPendingQuestion):
			continue
		case err != nil:
			log.Printf("hil: escalate request=%s question=%s: %v", entry.RequestID, entry.QuestionID, err)
			continue
		}
		if successor.ID == entry.QuestionID {
			continue
		}
		escalated++
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.QuestionEscalated(ctx, st, successor); err != nil {
			log.Printf("hil: notify escalation request=%s question=%s: %v", entry.RequestID, successor.ID, err)
		}
	}
	return escalated, nil
}
