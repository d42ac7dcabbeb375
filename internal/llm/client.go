// Package llm provides LLM client interfaces and implementations.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/business-assistant/internal/model"
)

// ErrNoClient is returned when no provider could be configured.
var ErrNoClient = errors.New("no LLM client configured")

// StreamCallback is called for each token during streaming.
type StreamCallback func(token string, index int) error

// ToolDefinition describes one callable action to the provider.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolResult answers one tool call from the previous assistant message.
type ToolResult struct {
	CallID  string
	Content string
	IsError bool
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// ChatMessage represents a chat message for LLM.
// Assistant messages may carry ToolCalls; tool messages carry ToolResults.
type ChatMessage struct {
	Role        model.Role
	Content     string
	ToolCalls   []model.ActionRequest
	ToolResults []ToolResult
}

// CompletionResponse represents a completion response.
// ToolCalls are only populated once the stream has been fully drained.
type CompletionResponse struct {
	Content    string
	ToolCalls  []model.ActionRequest
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for LLM providers.
type Client interface {
	// CompleteStream sends a streaming completion request.
	CompleteStream(ctx context.Context, req *CompletionRequest, callback StreamCallback) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		c, err := NewOpenAIClient(apiKey)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderAnthropic:
		c, err := NewAnthropicClient(apiKey)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown LLM provider %q", provider)
}

// Select returns the preferred provider when its key is set, otherwise the
// first provider that has a key.
func Select(preferred Provider, keys map[Provider]string) (Client, error) {
	if key := keys[preferred]; key != "" {
		return NewClient(preferred, key)
	}
	for _, p := range []Provider{ProviderAnthropic, ProviderOpenAI} {
		if key := keys[p]; key != "" {
			return NewClient(p, key)
		}
	}
	return nil, ErrNoClient
}
