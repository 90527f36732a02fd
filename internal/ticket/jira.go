package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"helpdesk/api/internal/retry"
	"helpdesk/api/internal/workflow"
)

const maxJiraResponse = 1 << 20

type JiraConfig struct {
	BaseURL    string
	User       string
	Token      string
	ProjectKey string
	IssueType  string
}

// JiraClient speaks the Jira Cloud REST v3 API.
type JiraClient struct {
	cfg        JiraConfig
	httpClient *http.Client
}

func NewJiraClient(cfg JiraConfig) *JiraClient {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.IssueType == "" {
		cfg.IssueType = "Task"
	}
	return &JiraClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// adf wraps plain text in an Atlassian document.
func adf(text string) map[string]any {
	paragraphs := []map[string]any{}
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		paragraphs = append(paragraphs, map[string]any{
			"type":    "paragraph",
			"content": []map[string]any{{"type": "text", "text": line}},
		})
	}
	return map[string]any{"type": "doc", "version": 1, "content": paragraphs}
}

func (c *JiraClient) Find(ctx context.Context, externalKey string) (*Issue, error) {
	q := url.Values{}
	q.Set("jql", fmt.Sprintf(`project = "%s" AND labels = "%s"`, c.cfg.ProjectKey, externalKey))
	q.Set("fields", "status")
	q.Set("maxResults", "1")

	var resp struct {
		Issues []struct {
			ID     string `json:"id"`
			Key    string `json:"key"`
			Fields struct {
				Status struct {
					Name string `json:"name"`
				} `json:"status"`
			} `json:"fields"`
		} `json:"issues"`
	}
	if err := c.do(ctx, http.MethodGet, "/rest/api/3/search/jql?"+q.Encode(), nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	if len(resp.Issues) == 0 {
		return nil, nil
	}
	hit := resp.Issues[0]
	return &Issue{ID: hit.ID, Key: hit.Key, Status: workflow.TicketStatus(hit.Fields.Status.Name)}, nil
}

func (c *JiraClient) Create(ctx context.Context, in CreateInput) (Issue, error) {
	labels := append([]string(nil), in.Labels...)
	if in.ExternalKey != "" {
		labels = append(labels, in.ExternalKey)
	}
	fields := map[string]any{
		"project":     map[string]string{"key": c.cfg.ProjectKey},
		"summary":     in.Summary,
		"description": adf(in.Description),
		"issuetype":   map[string]string{"name": firstNonEmpty(in.IssueType, c.cfg.IssueType)},
		"labels":      labels,
	}
	if in.Priority != "" {
		fields["priority"] = map[string]string{"name": in.Priority}
	}

	var resp struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/rest/api/3/issue", map[string]any{"fields": fields}, http.StatusCreated, &resp); err != nil {
		return Issue{}, err
	}
	return Issue{ID: resp.ID, Key: resp.Key, Status: workflow.TicketNew}, nil
}

// Transition looks up the transition leading to in.To and executes it.
func (c *JiraClient) Transition(ctx context.Context, id string, in TransitionInput) error {
	var available struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			To   struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	path := "/rest/api/3/issue/" + url.PathEscape(id) + "/transitions"
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &available); err != nil {
		return err
	}

	transitionID := ""
	for _, t := range available.Transitions {
		if strings.EqualFold(t.To.Name, string(in.To)) || strings.EqualFold(t.Name, string(in.To)) {
			transitionID = t.ID
			break
		}
	}
	if transitionID == "" {
		return retry.NewFatalError(fmt.Errorf("jira issue %s has no transition to %q", id, in.To))
	}

	body := map[string]any{"transition": map[string]string{"id": transitionID}}
	fields := map[string]any{}
	if in.Assignee != "" {
		fields["assignee"] = map[string]string{"name": in.Assignee}
	}
	if in.Resolution != "" {
		fields["resolution"] = map[string]string{"name": in.Resolution}
	}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	if in.Comment != "" {
		body["update"] = map[string]any{
			"comment": []map[string]any{{"add": map[string]any{"body": adf(in.Comment)}}},
		}
	}
	return c.do(ctx, http.MethodPost, path, body, http.StatusNoContent, nil)
}

func (c *JiraClient) Comment(ctx context.Context, id, body string) error {
	path := "/rest/api/3/issue/" + url.PathEscape(id) + "/comment"
	return c.do(ctx, http.MethodPost, path, map[string]any{"body": adf(body)}, http.StatusCreated, nil)
}

func (c *JiraClient) do(ctx context.Context, method, path string, payload any, want int, out any) error {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return retry.NewFatalError(fmt.Errorf("marshal jira request: %w", err))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return retry.NewFatalError(fmt.Errorf("create jira request: %w", err))
	}
	req.SetBasicAuth(c.cfg.User, c.cfg.Token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.NewTransientError(fmt.Errorf("jira request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJiraResponse))
	if err != nil {
		return retry.NewTransientError(fmt.Errorf("read jira response: %w", err))
	}
	if resp.StatusCode != want {
		return retry.ClassifyHTTPStatus("jira", resp.StatusCode, body)
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return retry.NewFatalError(fmt.Errorf("decode jira response: %w", err))
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
