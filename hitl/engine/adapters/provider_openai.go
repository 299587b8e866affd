package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/hitl-chat/hitl"
	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig selects an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	Provider    string // "openai", "groq" or "ollama"
	Model       string
	BaseURL     string // overrides the provider default
	APIKey      string
	Temperature float32
	MaxTokens   int
}

// OpenAIProvider implements Provider against any OpenAI-compatible API.
// Provider-specific message shapes never leave this file.
type OpenAIProvider struct {
	client      *openai.Client
	name        string
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIProvider builds a provider for cfg.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}

	name := strings.ToLower(cfg.Provider)
	if name == "" {
		name = internal.ProviderOpenAI
	}

	baseURL := cfg.BaseURL
	apiKey := cfg.APIKey
	switch name {
	case internal.ProviderGroq:
		if baseURL == "" {
			baseURL = internal.DefaultGroqBaseURL
		}
		if apiKey == "" {
			return nil, fmt.Errorf("groq provider requires an api key")
		}
	case internal.ProviderOllama:
		if baseURL == "" {
			baseURL = internal.DefaultOllamaBaseURL
		}
		if apiKey == "" {
			apiKey = "ollama" // ignored by ollama but required by the client
		}
	case internal.ProviderOpenAI:
		if apiKey == "" && baseURL == "" {
			return nil, fmt.Errorf("openai provider requires an api key")
		}
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}

	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(clientCfg),
		name:        name,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Name returns the configured provider name.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete sends the conversation and returns the next assistant turn.
func (p *OpenAIProvider) Complete(ctx context.Context, in ports.PromptInput) (ports.Completion, error) {
	messages, err := toOpenAIMessages(in.Turns)
	if err != nil {
		return ports.Completion{}, err
	}

	req := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	}
	for _, spec := range in.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  json.RawMessage(spec.JSONSchema),
			},
		})
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("%s chat completion failed: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return ports.Completion{}, fmt.Errorf("%s returned no choices", p.name)
	}

	turn, err := fromOpenAIMessage(resp.Choices[0].Message)
	if err != nil {
		return ports.Completion{}, err
	}

	return ports.Completion{
		Turn: turn,
		Usage: &ports.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func toOpenAIMessages(turns []ports.Turn) ([]openai.ChatCompletionMessage, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msg := openai.ChatCompletionMessage{Content: t.Content}
		switch t.Role {
		case ports.RoleSystem:
			msg.Role = openai.ChatMessageRoleSystem
		case ports.RoleUser:
			msg.Role = openai.ChatMessageRoleUser
		case ports.RoleAssistant:
			msg.Role = openai.ChatMessageRoleAssistant
			for _, call := range t.ToolCalls {
				args, err := json.Marshal(call.Arguments)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal arguments of %q: %w", call.Name, err)
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(args),
					},
				})
			}
		case ports.RoleTool:
			msg.Role = openai.ChatMessageRoleTool
			msg.ToolCallID = t.ToolCallID
			msg.Name = t.Name
		default:
			return nil, fmt.Errorf("unsupported role %q", t.Role)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func fromOpenAIMessage(msg openai.ChatCompletionMessage) (ports.Turn, error) {
	turn := ports.Turn{
		Role:      ports.RoleAssistant,
		Content:   msg.Content,
		CreatedAt: time.Now().UTC(),
	}

	seen := make(map[string]bool, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return ports.Turn{}, fmt.Errorf("tool call %q has malformed arguments: %w", tc.Function.Name, err)
			}
			if args == nil {
				args = map[string]any{}
			}
		}

		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.NewString()
		}
		seen[id] = true

		turn.ToolCalls = append(turn.ToolCalls, ports.ToolCallRequest{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return turn, nil
}

// Ensure OpenAIProvider implements the Provider interface.
var _ ports.Provider = (*OpenAIProvider)(nil)
