package agent

import (
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// Message is one entry of the consolidation exchange.
type Message struct {
	Role       string     `json:"role"` // user, assistant or tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// transientMarkers match errors from transports that do not carry a status.
var transientMarkers = []string{
	"connection reset", "econnreset", "etimedout", "timeout",
	"429", "rate limit", "overloaded",
	"500", "502", "503", "504",
}

// IsRetryableError reports whether a provider call may succeed when repeated:
// throttling, server errors and dropped connections.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) {
		return retryableStatus(oaErr.StatusCode)
	}
	var anErr *anthropic.Error
	if errors.As(err, &anErr) {
		return retryableStatus(anErr.StatusCode)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func retryableStatus(code int) bool {
	// 529 is Anthropic's "overloaded"
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
