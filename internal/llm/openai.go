package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"helpdesk/api/internal/retry"
)

// maxResponseSize limits the model response body.
const maxResponseSize = 10 * 1024 * 1024

type OpenAIConfig struct {
	BaseURL   string
	APIKey    string
	MaxTokens int
}

// OpenAIClient calls any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	retry      *retry.Runner
}

func NewOpenAIClient(cfg OpenAIConfig, runner *retry.Runner) *OpenAIClient {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if runner == nil {
		runner = retry.New(retry.DefaultConfig())
	}
	return &OpenAIClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 180 * time.Second},
		retry:      runner,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (c *OpenAIClient) Call(ctx context.Context, req Request) (string, error) {
	body := chatRequest{
		Model: req.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.Prompt},
			{Role: "user", Content: req.Input},
		},
		MaxTokens:   firstPositive(req.MaxTokens, c.cfg.MaxTokens),
		Temperature: req.Temperature,
	}

	var content string
	var status int
	attempts, err := c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		content, status, err = c.do(ctx, body)
		return err
	})
	if err == nil {
		return content, nil
	}
	if retry.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return "", &TimeoutError{Role: req.Role, Model: req.Model, Attempts: attempts, Err: err}
	}
	return "", &ProviderError{Role: req.Role, Model: req.Model, Status: status, Attempts: attempts, Err: err}
}

func (c *OpenAIClient) do(ctx context.Context, body chatRequest) (string, int, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", 0, retry.NewFatalError(fmt.Errorf("build request body: %w", err))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", 0, retry.NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, retry.NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return "", httpResp.StatusCode, retry.NewTransientError(fmt.Errorf("read response body: %w", err))
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", httpResp.StatusCode, retry.ClassifyHTTPStatus("model", httpResp.StatusCode, respBody)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", httpResp.StatusCode, retry.NewFatalError(fmt.Errorf("decode response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return "", httpResp.StatusCode, retry.NewTransientError(errors.New("response has no choices"))
	}
	return parsed.Choices[0].Message.Content, httpResp.StatusCode, nil
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
