// Package openai provides a chat-completion step, typically used as the
// reasoning step of a coordinator or as a helper.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/protocol"
	"github.com/dukex/agentflow/pkg/template"
	"github.com/sashabaranov/go-openai"
)

const (
	DefaultModel        = "gpt-4o-mini"
	DefaultSystemPrompt = "You are a helpful assistant."
)

// ChatClient is the part of the go-openai client the step uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

type Step struct {
	client      ChatClient
	model       string
	system      string
	prompt      string
	jsonMode    bool
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// Invoke sends the rendered prompt, or the task input as JSON when no prompt
// is configured, and returns the first choice's content.
func (s *Step) Invoke(ctx context.Context, task models.TaskDescriptor) (models.StepResult, error) {
	content, err := s.userMessage(task)
	if err != nil {
		return models.StepResult{Success: false, Error: err.Error()}, nil
	}

	req := openai.ChatCompletionRequest{
		Model: s.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: s.system},
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		Temperature:         s.temperature,
		MaxCompletionTokens: s.maxTokens,
	}

	if s.jsonMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	s.logger.DebugContext(ctx, "Calling chat completion", "model", s.model, "task_id", task.ID)

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return models.StepResult{}, fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return models.StepResult{Success: false, Error: "chat completion returned no choices"}, nil
	}

	s.logger.DebugContext(ctx, "Received chat completion",
		"model", s.model,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens)

	return models.StepResult{Success: true, Result: resp.Choices[0].Message.Content}, nil
}

func (s *Step) userMessage(task models.TaskDescriptor) (string, error) {
	if s.prompt != "" {
		rendered, err := template.Render(s.prompt, template.TaskData(task))
		if err != nil {
			return "", fmt.Errorf("failed to render prompt: %w", err)
		}

		if text, ok := rendered.(string); ok {
			return text, nil
		}

		data, err := json.Marshal(rendered)

		return string(data), err
	}

	data, err := json.Marshal(task.Input)
	if err != nil {
		return "", fmt.Errorf("failed to encode task input: %w", err)
	}

	return string(data), nil
}

// Factory builds chat steps sharing one client.
type Factory struct {
	client ChatClient
	model  string
	logger *slog.Logger
}

func NewFactory(client ChatClient, model string, logger *slog.Logger) *Factory {
	if model == "" {
		model = DefaultModel
	}

	return &Factory{client: client, model: model, logger: logger.With("module", "openai_step")}
}

// NewFactoryFromKey creates the go-openai client for apiKey. baseURL
// overrides the API endpoint when set.
func NewFactoryFromKey(apiKey, baseURL, model string, logger *slog.Logger) *Factory {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return NewFactory(openai.NewClientWithConfig(config), model, logger)
}

func (f *Factory) ID() string {
	return "openai"
}

// Create accepts "model", "system", "prompt" (template over the task),
// "json" (request a JSON object), "temperature" and "max_tokens".
func (f *Factory) Create(config map[string]any) (protocol.Invocable, error) {
	step := &Step{
		client: f.client,
		model:  f.model,
		system: DefaultSystemPrompt,
		logger: f.logger,
	}

	if model, ok := config["model"].(string); ok && model != "" {
		step.model = model
	}

	if system, ok := config["system"].(string); ok && system != "" {
		step.system = system
	}

	if prompt, ok := config["prompt"].(string); ok {
		step.prompt = prompt
	}

	if jsonMode, ok := config["json"].(bool); ok {
		step.jsonMode = jsonMode
	}

	switch temperature := config["temperature"].(type) {
	case float64:
		step.temperature = float32(temperature)
	case int:
		step.temperature = float32(temperature)
	}

	switch maxTokens := config["max_tokens"].(type) {
	case float64:
		step.maxTokens = int(maxTokens)
	case int:
		step.maxTokens = maxTokens
	}

	if step.maxTokens < 0 {
		return nil, fmt.Errorf("invalid max_tokens %d", step.maxTokens)
	}

	return step, nil
}
