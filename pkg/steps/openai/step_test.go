package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/agentflow/pkg/coordinator"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	stepopenai "github.com/dukex/agentflow/pkg/steps/openai"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockChatClient struct {
	mock.Mock
}

func (m *mockChatClient) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	args := m.Called(ctx, request)

	return args.Get(0).(openai.ChatCompletionResponse), args.Error(1)
}

func reply(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content}}},
	}
}

func TestStep_RendersPromptAndReturnsContent(t *testing.T) {
	t.Parallel()

	client := &mockChatClient{}
	client.On("CreateChatCompletion", mock.Anything, mock.MatchedBy(func(req openai.ChatCompletionRequest) bool {
		return req.Model == "gpt-4o" &&
			req.ResponseFormat != nil &&
			req.Messages[0].Content == "You plan research." &&
			req.Messages[1].Content == "Topic: solar"
	})).Return(reply(`{"action": "complete", "result": "done"}`), nil)

	step, err := stepopenai.NewFactory(client, "", log.Discard()).Create(map[string]any{
		"model":  "gpt-4o",
		"system": "You plan research.",
		"prompt": "Topic: {{.input.task.topic}}",
		"json":   true,
	})
	require.NoError(t, err)

	result, err := step.Invoke(context.Background(), models.TaskDescriptor{
		ID:    "tx-1/reason/1",
		Input: map[string]any{"task": map[string]any{"topic": "solar"}},
	})
	require.NoError(t, err)

	assert.True(t, result.Success)

	decision, err := coordinator.ParseDecision(result.Result)
	require.NoError(t, err)
	assert.Equal(t, coordinator.ActionComplete, decision.Action)

	client.AssertExpectations(t)
}

func TestStep_SendsInputAsJSONWithoutPrompt(t *testing.T) {
	t.Parallel()

	client := &mockChatClient{}
	client.On("CreateChatCompletion", mock.Anything, mock.MatchedBy(func(req openai.ChatCompletionRequest) bool {
		return req.Model == stepopenai.DefaultModel && req.Messages[1].Content == `{"q":"why"}`
	})).Return(reply("because"), nil)

	step, err := stepopenai.NewFactory(client, "", log.Discard()).Create(nil)
	require.NoError(t, err)

	result, err := step.Invoke(context.Background(), models.TaskDescriptor{Input: map[string]any{"q": "why"}})
	require.NoError(t, err)
	assert.Equal(t, "because", result.Result)
}

func TestStep_Errors(t *testing.T) {
	t.Parallel()

	client := &mockChatClient{}
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).Return(openai.ChatCompletionResponse{}, errors.New("rate limited")).Once()
	client.On("CreateChatCompletion", mock.Anything, mock.Anything).Return(openai.ChatCompletionResponse{}, nil).Once()

	step, err := stepopenai.NewFactory(client, "", log.Discard()).Create(map[string]any{})
	require.NoError(t, err)

	_, err = step.Invoke(context.Background(), models.TaskDescriptor{})
	require.ErrorContains(t, err, "rate limited")

	result, err := step.Invoke(context.Background(), models.TaskDescriptor{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "chat completion returned no choices", result.Error)
}

func TestNewFactoryFromKey_UsesBaseURL(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reply("pong"))
	}))
	defer server.Close()

	step, err := stepopenai.NewFactoryFromKey("test-key", server.URL+"/v1", "", log.Discard()).Create(nil)
	require.NoError(t, err)

	result, err := step.Invoke(context.Background(), models.TaskDescriptor{Input: map[string]any{"ping": true}})
	require.NoError(t, err)
	assert.Equal(t, "pong", result.Result)
}
