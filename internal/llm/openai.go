package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/outerloop/agents/pkg/models"
)

// OpenAIProvider implements Provider over the chat completions API. It also
// serves OpenAI-compatible local endpoints via BaseURL.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
	maxTokens    int
	providerName string
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	// APIKey is required for the hosted API; local endpoints may accept any
	// value.
	APIKey string
	// BaseURL overrides the API endpoint for compatible servers.
	BaseURL string
	// DefaultModel is used when a request does not name a model.
	DefaultModel string
	// MaxTokens caps generation length. Default 4096.
	MaxTokens int

	name string
}

// NewOpenAIProvider creates the provider.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = openai.GPT4o
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	name := config.name
	if name == "" {
		name = "openai"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		maxTokens:    config.MaxTokens,
		providerName: name,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.providerName
}

// Generate performs one non-streaming chat completion call.
func (p *OpenAIProvider) Generate(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertOpenAIMessages(req.Messages, req.System),
		MaxTokens: maxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	completion, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.providerName, err)
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s: empty response", p.providerName)
	}

	choice := completion.Choices[0].Message
	resp := &Response{
		Text:         choice.Content,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}
	for _, toolCall := range choice.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
			ID:    toolCall.ID,
			Name:  toolCall.Function.Name,
			Input: json.RawMessage(toolCall.Function.Arguments),
		})
	}
	return resp, nil
}

func (p *OpenAIProvider) CountTokens(text string) int {
	return estimateTokens(text)
}

func convertOpenAIMessages(messages []models.ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, toolCall := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   toolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      toolCall.Name,
						Arguments: string(toolCall.Input),
					},
				})
			}
			result = append(result, oaiMsg)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertOpenAITools(tools []models.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		schema := tool.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
