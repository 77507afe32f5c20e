// Package httprequest provides a step that calls an HTTP endpoint, the
// simplest way to reach an external tool or agent service.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/protocol"
	"github.com/dukex/agentflow/pkg/template"
)

type Config struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    string
	Timeout time.Duration
	Retries RetryConfig
}

type RetryConfig struct {
	Attempts int
	Delay    time.Duration
}

// HTTPError is a response with a 4xx or 5xx status.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

type Step struct {
	config Config
	client *http.Client
}

// NewStep parses config: "url" (required), "method", "headers", "body",
// "timeout" in seconds and "retries" {attempts, delay in milliseconds}.
// url, headers and body are templates over the task.
func NewStep(config map[string]any) (*Step, error) {
	cfg := Config{
		Method:  http.MethodPost,
		Headers: map[string]string{},
		Timeout: 30 * time.Second,
		Retries: RetryConfig{Attempts: 1},
	}

	url, ok := config["url"].(string)
	if !ok || url == "" {
		return nil, errors.New("missing required field 'url'")
	}

	cfg.URL = url

	if method, ok := config["method"].(string); ok {
		cfg.Method = strings.ToUpper(method)
	}

	if headers, ok := config["headers"].(map[string]any); ok {
		for key, value := range headers {
			if text, ok := value.(string); ok {
				cfg.Headers[key] = text
			}
		}
	}

	if body, ok := config["body"].(string); ok {
		cfg.Body = body
	}

	if timeout, ok := number(config["timeout"]); ok {
		cfg.Timeout = time.Duration(timeout) * time.Second
	}

	if retries, ok := config["retries"].(map[string]any); ok {
		if attempts, ok := number(retries["attempts"]); ok && attempts > 0 {
			cfg.Retries.Attempts = attempts
		}

		if delay, ok := number(retries["delay"]); ok {
			cfg.Retries.Delay = time.Duration(delay) * time.Millisecond
		}
	}

	return &Step{config: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func number(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// Invoke performs the request. Without a body template the task input is
// sent as JSON. Network errors and 5xx responses are retried.
func (s *Step) Invoke(ctx context.Context, task models.TaskDescriptor) (models.StepResult, error) {
	data := template.TaskData(task)

	url, err := renderString(s.config.URL, data)
	if err != nil {
		return failure("failed to render URL template: %v", err), nil
	}

	body := ""

	if s.config.Body != "" {
		body, err = renderString(s.config.Body, data)
		if err != nil {
			return failure("failed to render body template: %v", err), nil
		}
	} else if s.config.Method != http.MethodGet && len(task.Input) > 0 {
		encoded, err := json.Marshal(task.Input)
		if err != nil {
			return failure("failed to encode task input: %v", err), nil
		}

		body = string(encoded)
	}

	headers := make(map[string]string, len(s.config.Headers))

	for key, value := range s.config.Headers {
		rendered, err := renderString(value, data)
		if err != nil {
			rendered = value
		}

		headers[key] = rendered
	}

	var lastErr error

	for attempt := 1; attempt <= s.config.Retries.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(s.config.Retries.Delay):
			case <-ctx.Done():
				return models.StepResult{}, ctx.Err()
			}
		}

		result, err := s.do(ctx, url, body, headers)
		if err == nil {
			return models.StepResult{Success: true, Result: result}, nil
		}

		lastErr = err

		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode < http.StatusInternalServerError {
			break
		}
	}

	return failure("HTTP request failed: %v", lastErr), nil
}

func (s *Step) do(ctx context.Context, url, body string, headers map[string]string) (map[string]any, error) {
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, s.config.Method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	}

	var decoded any
	if json.Unmarshal(respBody, &decoded) == nil {
		result["json"] = decoded
	}

	return result, nil
}

func renderString(tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	rendered, err := template.Render(tmpl, data)
	if err != nil {
		return "", err
	}

	if text, ok := rendered.(string); ok {
		return text, nil
	}

	encoded, err := json.Marshal(rendered)

	return string(encoded), err
}

func failure(format string, args ...any) models.StepResult {
	return models.StepResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) ID() string {
	return "httprequest"
}

func (f *Factory) Create(config map[string]any) (protocol.Invocable, error) {
	return NewStep(config)
}
