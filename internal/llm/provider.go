// Package llm abstracts the language-model providers behind a single
// non-streaming Generate interface consumed by the execution engine.
package llm

import (
	"context"
	"fmt"

	"github.com/outerloop/agents/pkg/models"
)

// Request is one completion turn.
type Request struct {
	System    string
	Messages  []models.ChatMessage
	Tools     []models.ToolDefinition
	Model     string
	MaxTokens int
}

// Response is what the model produced: free text and zero or more tool-call
// requests.
type Response struct {
	Text         string
	ToolCalls    []models.ToolCall
	InputTokens  int
	OutputTokens int
}

// Provider is one LLM backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string
	// Generate performs one completion call.
	Generate(ctx context.Context, req *Request) (*Response, error)
	// CountTokens estimates the token count of a text. Estimates may be
	// rough; callers use them for budgeting, not billing.
	CountTokens(text string) int
}

// Options selects and configures a provider.
type Options struct {
	Provider string // anthropic, openai, or local
	APIKey   string
	Model    string
	Endpoint string // base URL override, required for local
}

// New builds a provider from options. The provider name defaults to
// anthropic.
func New(opts Options) (Provider, error) {
	switch opts.Provider {
	case "", "anthropic":
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       opts.APIKey,
			DefaultModel: opts.Model,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       opts.APIKey,
			DefaultModel: opts.Model,
		})
	case "local":
		if opts.Endpoint == "" {
			return nil, fmt.Errorf("llm: local provider requires an endpoint")
		}
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:       opts.APIKey,
			BaseURL:      opts.Endpoint,
			DefaultModel: opts.Model,
			name:         "local",
		})
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", opts.Provider)
	}
}

// estimateTokens approximates tokens at four characters each.
func estimateTokens(text string) int {
	return len(text) / 4
}
