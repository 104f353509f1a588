package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes a single non-streaming completion call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model        string
	Messages     []AgentMessage
	Temperature  float64
	MaxTokens    int
	SystemPrompt string
	// JSONOutput asks the provider for a JSON object when it supports it.
	JSONOutput bool
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content string
	Usage   *TokenUsage
}

// ProviderError is a failed provider call with the HTTP status the API
// answered with, when there was one.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the status code marks a transient failure.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= http.StatusInternalServerError
}

// isCredentialError reports a rejected API key; the next auth profile may
// still work.
func isCredentialError(err error) bool {
	var perr *ProviderError
	if !errors.As(err, &perr) {
		return false
	}
	return perr.StatusCode == http.StatusUnauthorized || perr.StatusCode == http.StatusForbidden
}

func providerError(provider string, status int, err error) error {
	return &ProviderError{Provider: provider, StatusCode: status, Err: err}
}

// ProviderSource builds a provider for an auth profile.
type ProviderSource interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory creates the SDK-backed providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider based on auth profile
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("auth profile %s: api key is empty", profile.ID)
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	case "gemini":
		return NewGeminiProvider(context.Background(), profile.APIKey, profile.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}
