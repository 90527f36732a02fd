package hil

import (
	"context"
	"errors"
	"testing"
	"time"

	"helpdesk/api/internal/workflow"
)

type fakeQueue struct {
	overdueFn func(ctx context.Context, now time.Time) ([]Entry, error)
}

func (f *fakeQueue) ListQuestions(context.Context, Filter) ([]Entry, error) { return nil, nil }
func (f *fakeQueue) Stats(context.Context, time.Time) (Stats, error)       { return Stats{}, nil }
func (f *fakeQueue) Overdue(ctx context.Context, now time.Time) ([]Entry, error) {
	return f.overdueFn(ctx, now)
}

type fakeEscalator struct {
	escalateFn func(ctx context.Context, requestID, questionID string) (workflow.RequestState, workflow.Question, error)
}

func (f *fakeEscalator) Escalate(ctx context.Context, requestID, questionID string) (workflow.RequestState, workflow.Question, error) {
	return f.escalateFn(ctx, requestID, questionID)
}

type fakeNotifier struct {
	notified []string
}

func (f *fakeNotifier) QuestionEscalated(_ context.Context, _ workflow.RequestState, q workflow.Question) error {
	f.notified = append(f.notified, q.ID)
	return nil
}

func TestSweepOnceEscalatesOverdueQuestions(t *testing.T) {
	queue := &fakeQueue{overdueFn: func(context.Context, time.Time) ([]Entry, error) {
		return []Entry{
			{RequestID: "req_1", QuestionID: "q_1"},
			{RequestID: "req_2", QuestionID: "q_2"},
			{RequestID: "req_3", QuestionID: "q_3"},
			{RequestID: "req_4", QuestionID: "q_4"},
		}, nil
	}}
	escalator := &fakeEscalator{escalateFn: func(_ context.Context, requestID, questionID string) (workflow.RequestState, workflow.Question, error) {
		switch requestID {
		case "req_2":
			return workflow.RequestState{}, workflow.Question{}, workflow.ErrTerminated
		case "req_3":
			// answered in the meantime
			return workflow.RequestState{}, workflow.Question{ID: questionID}, nil
		case "req_4":
			return workflow.RequestState{}, workflow.Question{}, errors.New("database unavailable")
		}
		return workflow.RequestState{RequestID: requestID}, workflow.Question{ID: questionID + "_next"}, nil
	}}
	notifier := &fakeNotifier{}

	n, err := NewSweeper(queue, escalator, notifier, time.Minute).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("escalated = %d, want 1", n)
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != "q_1_next" {
		t.Fatalf("unexpected notifications %v", notifier.notified)
	}
}

func TestSweepOnceReturnsQueueError(t *testing.T) {
	queue := &fakeQueue{overdueFn: func(context.Context, time.Time) ([]Entry, error) {
		return nil, errors.New("boom")
	}}
	if _, err := NewSweeper(queue, &fakeEscalator{}, nil, 0).SweepOnce(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestQueueHelpers(t *testing.T) {
	now := testNow
	entries := []Entry{
		{QuestionID: "a", Priority: workflow.PriorityLow, Status: workflow.QuestionPending, Assignee: "analyst", DueAt: now.Add(-time.Hour)},
		{QuestionID: "b", Priority: workflow.PriorityCritical, Status: workflow.QuestionPending, Assignee: "emergency_team", DueAt: now.Add(time.Hour)},
		{QuestionID: "c", Priority: workflow.PriorityHigh, Status: workflow.QuestionApproved, Assignee: "analyst", DueAt: now.Add(-2 * time.Hour)},
		{QuestionID: "d", Priority: workflow.PriorityHigh, Status: workflow.QuestionPending, Assignee: "analyst", DueAt: now.Add(-3 * time.Hour)},
	}

	got := Filter{}.Apply(entries)
	if len(got) != 3 || got[0].QuestionID != "b" || got[1].QuestionID != "d" || got[2].QuestionID != "a" {
		t.Fatalf("unexpected pending order %+v", got)
	}
	if got := (Filter{Assignee: "analyst", Limit: 1}).Apply(entries); len(got) != 1 || got[0].QuestionID != "d" {
		t.Fatalf("unexpected filtered listing %+v", got)
	}

	overdue := OverdueOf(entries, now)
	if len(overdue) != 2 || overdue[0].QuestionID != "d" {
		t.Fatalf("unexpected overdue %+v", overdue)
	}

	stats := Summarize(entries, now)
	if stats.Total != 4 || stats.Overdue != 2 || stats.ByStatus[workflow.QuestionPending] != 3 || stats.ByAssignee["analyst"] != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunReportsEachSweep(t *testing.T) {
	queue := &fakeQueue{overdueFn: func(context.Context, time.Time) ([]Entry, error) { return nil, nil }}
	ctx, cancel := context.WithCancel(context.Background())
	passes := make(chan int, 4)
	sweeper := NewSweeper(queue, &fakeEscalator{}, nil, time.Hour).OnSweep(func(n int) {
		passes <- n
		cancel()
	})

	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()
	select {
	case n := <-passes:
		if n != 0 {
			t.Fatalf("escalated = %d, want 0", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial sweep did not run")
	}
	<-done
}
