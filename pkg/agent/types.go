package agent

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidOutput marks a model answer rejected by output validation.
var ErrInvalidOutput = errors.New("invalid agent output")

// AgentMessage represents a message in the conversation sent to a provider
type AgentMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile represents authentication credentials for LLM providers
type AuthProfile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai", "gemini"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model,omitempty"`
	Priority int    `json:"priority"`
}

// IsRetryableError reports whether err looks transient: network resets,
// timeouts, rate limits and 5xx responses. A ProviderError carrying a status
// code is judged by that code alone.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr.StatusCode > 0 {
		return perr.Retryable()
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "timeout",
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
