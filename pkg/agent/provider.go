package agent

import (
	"context"
	"fmt"
)

// LLMProvider runs one chat completion. Retries are the caller's job; the
// SDK clients are built with their own retries disabled.
type LLMProvider interface {
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)
	Provider() string
}

type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolSpec
	MaxTokens    int
}

type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     *TokenUsage
}

// ToolSpec describes a tool offered to the model. InputSchema is a JSON
// Schema object as produced by toolexecutor.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// ProviderConfig selects and authenticates the consolidation model.
type ProviderConfig struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg ProviderConfig) (LLMProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required for provider %q", cfg.Provider)
	}

	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL), nil
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL), nil
	}
	return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
}

// requiredFields extracts the "required" list from a JSON Schema object.
func requiredFields(schema map[string]interface{}) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []interface{}:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
