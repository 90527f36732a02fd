package ticket

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"helpdesk/api/internal/retry"
	"helpdesk/api/internal/workflow"
)

// MemoryIssue is a ticket held by MemoryClient.
type MemoryIssue struct {
	Issue
	Summary    string
	Labels     []string
	Assignee   string
	Resolution string
	Comments   []string
	History    []workflow.TicketStatus
}

// MemoryClient is an in-process ticketing system enforcing the status graph.
type MemoryClient struct {
	mu     sync.Mutex
	prefix string
	seq    int
	issues map[string]*MemoryIssue
	byKey  map[string]string
}

func NewMemoryClient(projectKey string) *MemoryClient {
	if projectKey == "" {
		projectKey = "IT"
	}
	return &MemoryClient{
		prefix: projectKey,
		issues: map[string]*MemoryIssue{},
		byKey:  map[string]string{},
	}
}

func (c *MemoryClient) Find(_ context.Context, externalKey string) (*Issue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byKey[externalKey]
	if !ok {
		return nil, nil
	}
	issue := c.issues[id].Issue
	return &issue, nil
}

func (c *MemoryClient) Create(_ context.Context, in CreateInput) (Issue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := strconv.Itoa(10000 + c.seq)
	issue := &MemoryIssue{
		Issue:   Issue{ID: id, Key: fmt.Sprintf("%s-%d", c.prefix, c.seq), Status: workflow.TicketNew},
		Summary: in.Summary,
		Labels:  append([]string(nil), in.Labels...),
		History: []workflow.TicketStatus{workflow.TicketNew},
	}
	c.issues[id] = issue
	if in.ExternalKey != "" {
		c.byKey[in.ExternalKey] = id
	}
	return issue.Issue, nil
}

func (c *MemoryClient) Transition(_ context.Context, id string, in TransitionInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.issues[id]
	if !ok {
		return retry.NewFatalError(fmt.Errorf("ticket %s not found", id))
	}
	if !Allowed(issue.Status, in.To) {
		return retry.NewFatalError(fmt.Errorf("ticket %s: %s -> %s: %w", id, issue.Status, in.To, workflow.ErrInvalidTransition))
	}
	issue.Status = in.To
	issue.History = append(issue.History, in.To)
	if in.Assignee != "" {
		issue.Assignee = in.Assignee
	}
	if in.Resolution != "" {
		issue.Resolution = in.Resolution
	}
	if in.Comment != "" {
		issue.Comments = append(issue.Comments, in.Comment)
	}
	return nil
}

func (c *MemoryClient) Comment(_ context.Context, id, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.issues[id]
	if !ok {
		return retry.NewFatalError(fmt.Errorf("ticket %s not found", id))
	}
	issue.Comments = append(issue.Comments, body)
	return nil
}

// Get returns a copy of the ticket with id.
func (c *MemoryClient) Get(id string) (MemoryIssue, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	issue, ok := c.issues[id]
	if !ok {
		return MemoryIssue{}, false
	}
	out := *issue
	out.Labels = append([]string(nil), issue.Labels...)
	out.Comments = append([]string(nil), issue.Comments...)
	out.History = append([]workflow.TicketStatus(nil), issue.History...)
	return out, true
}

// Count returns how many tickets were created.
func (c *MemoryClient) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.issues)
}
