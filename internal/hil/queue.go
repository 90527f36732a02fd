package hil

import (
	"context"
	"sort"
	"time"

	"helpdesk/api/internal/workflow"
)

// Entry is the queue view of one question.
type Entry struct {
	QuestionID      string                   `json:"questionId"`
	RequestID       string                   `json:"requestId"`
	Title           string                   `json:"title"`
	Kind            workflow.QuestionKind    `json:"kind"`
	Context         workflow.QuestionContext `json:"context"`
	Prompt          string                   `json:"prompt"`
	Decision        workflow.Decision        `json:"decision,omitempty"`
	Assignee        string                   `json:"assignee"`
	Priority        workflow.Priority        `json:"priority"`
	Status          workflow.QuestionStatus  `json:"status"`
	Emergency       bool                     `json:"emergency"`
	EscalationLevel int                      `json:"escalationLevel"`
	CreatedAt       time.Time                `json:"createdAt"`
	DueAt           time.Time                `json:"dueAt"`
}

// Filter narrows a queue listing. Zero values match everything except Status,
// which defaults to PENDING.
type Filter struct {
	Assignee string
	Priority workflow.Priority
	Status   workflow.QuestionStatus
	Limit    int
}

type Stats struct {
	Total      int                             `json:"total"`
	Overdue    int                             `json:"overdue"`
	ByStatus   map[workflow.QuestionStatus]int `json:"byStatus"`
	ByPriority map[workflow.Priority]int       `json:"pendingByPriority"`
	ByAssignee map[string]int                  `json:"pendingByAssignee"`
}

// Queue is a read view over every request's questions.
type Queue interface {
	ListQuestions(ctx context.Context, f Filter) ([]Entry, error)
	Overdue(ctx context.Context, now time.Time) ([]Entry, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
}

// Project flattens the questions of st into queue entries.
func Project(st workflow.RequestState) []Entry {
	out := make([]Entry, 0, len(st.Approvals))
	for _, q := range st.Approvals {
		out = append(out, Entry{
			QuestionID:      q.ID,
			RequestID:       st.RequestID,
			Title:           st.Payload.Title,
			Kind:            q.Kind,
			Context:         q.Context,
			Prompt:          q.Prompt,
			Decision:        q.Decision,
			Assignee:        q.Assignee,
			Priority:        q.Priority,
			Status:          q.Status,
			Emergency:       q.Emergency,
			EscalationLevel: q.EscalationLevel,
			CreatedAt:       q.CreatedAt,
			DueAt:           q.DueAt,
		})
	}
	return out
}

// Match reports whether e passes f.
func (f Filter) Match(e Entry) bool {
	status := f.Status
	if status == "" {
		status = workflow.QuestionPending
	}
	if e.Status != status {
		return false
	}
	if f.Assignee != "" && e.Assignee != f.Assignee {
		return false
	}
	if f.Priority != "" && e.Priority != f.Priority {
		return false
	}
	return true
}

// Apply filters, orders and truncates entries.
func (f Filter) Apply(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	SortEntries(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// SortEntries orders by priority (highest first), then due time.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].Priority.Rank(), entries[j].Priority.Rank()
		if pi != pj {
			return pi > pj
		}
		return entries[i].DueAt.Before(entries[j].DueAt)
	})
}

// OverdueOf returns the pending entries whose due time has passed.
func OverdueOf(entries []Entry, now time.Time) []Entry {
	out := []Entry{}
	for _, e := range entries {
		if e.Status == workflow.QuestionPending && !now.Before(e.DueAt) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// Summarize counts entries for the stats endpoint.
func Summarize(entries []Entry, now time.Time) Stats {
	stats := Stats{
		ByStatus:   map[workflow.QuestionStatus]int{},
		ByPriority: map[workflow.Priority]int{},
		ByAssignee: map[string]int{},
	}
	for _, e := range entries {
		stats.Total++
		stats.ByStatus[e.Status]++
		if e.Status != workflow.QuestionPending {
			continue
		}
		stats.ByPriority[e.Priority]++
		stats.ByAssignee[e.Assignee]++
		if !now.Before(e.DueAt) {
			stats.Overdue++
		}
	}
	return stats
}
