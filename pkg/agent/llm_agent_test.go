package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/harun/realty/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memHistory struct {
	mu       sync.Mutex
	key      string
	messages []session.Message
}

func (h *memHistory) Key() string { return h.key }

func (h *memHistory) Messages(ctx context.Context) ([]session.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.Message(nil), h.messages...), nil
}

func (h *memHistory) AppendTurn(ctx context.Context, user, assistant session.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, user, assistant)
	return nil
}

type scriptedProvider struct {
	name     string
	mu       sync.Mutex
	replies  []string
	errs     []error
	requests []LLMRequest
}

func (p *scriptedProvider) Provider() string { return p.name }

func (p *scriptedProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, request)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	reply := "ok"
	if len(p.replies) > 0 {
		reply = p.replies[0]
		p.replies = p.replies[1:]
	}
	return &LLMResponse{Content: reply, Usage: &TokenUsage{InputTokens: 3, OutputTokens: 1}}, nil
}

func (p *scriptedProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type providerMap map[string]*scriptedProvider

func (m providerMap) NewProvider(profile AuthProfile) (LLMProvider, error) {
	p, ok := m[profile.ID]
	if !ok {
		return nil, errors.New("no provider for " + profile.ID)
	}
	return p, nil
}

func newTestAgent(t *testing.T, providers providerMap, mutate func(*LLMAgentConfig)) *LLMAgent {
	t.Helper()
	cfg := LLMAgentConfig{
		Name:         "Realestate Agent",
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are a real estate assistant.",
		Profiles:     []AuthProfile{{ID: "primary", Provider: "openai", Priority: 0}},
		Providers:    providers,
		RetryDelay:   time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewLLMAgent(cfg)
	require.NoError(t, err)
	return a
}

func TestNewLLMAgentValidation(t *testing.T) {
	_, err := NewLLMAgent(LLMAgentConfig{Model: "m", Profiles: []AuthProfile{{ID: "p"}}})
	assert.Error(t, err)

	_, err = NewLLMAgent(LLMAgentConfig{Name: "a", Profiles: []AuthProfile{{ID: "p"}}})
	assert.Error(t, err)

	_, err = NewLLMAgent(LLMAgentConfig{Name: "a", Model: "m"})
	assert.Error(t, err)

	_, err = NewLLMAgent(LLMAgentConfig{
		Name: "a", Model: "m", Profiles: []AuthProfile{{ID: "p"}},
		OutputSchema: "{not json",
	})
	assert.Error(t, err)
}

func TestLLMAgentRunAppendsTurn(t *testing.T) {
	primary := &scriptedProvider{name: "openai", replies: []string{"Here are some listings."}}
	a := newTestAgent(t, providerMap{"primary": primary}, nil)

	history := &memHistory{key: "s1"}
	result, err := a.Run(context.Background(), "Show me condos", history)
	require.NoError(t, err)

	assert.Equal(t, "Here are some listings.", result.Output)
	assert.Equal(t, "Realestate Agent", result.Agent)
	require.NotNil(t, result.Usage)
	assert.Equal(t, 3, result.Usage.InputTokens)

	require.Len(t, history.messages, 2)
	assert.Equal(t, session.RoleUser, history.messages[0].Role)
	assert.Equal(t, "Show me condos", history.messages[0].Content)
	assert.Equal(t, session.RoleAssistant, history.messages[1].Role)
	assert.Equal(t, "Realestate Agent", history.messages[1].Metadata["agent"])

	require.Len(t, primary.requests, 1)
	assert.Equal(t, "You are a real estate assistant.", primary.requests[0].SystemPrompt)
	assert.False(t, primary.requests[0].JSONOutput)
}

func TestLLMAgentSendsHistory(t *testing.T) {
	primary := &scriptedProvider{name: "openai"}
	a := newTestAgent(t, providerMap{"primary": primary}, func(c *LLMAgentConfig) {
		c.HistoryLimit = 2
	})

	history := &memHistory{key: "s1", messages: []session.Message{
		session.UserMessage("one"), session.AssistantMessage("two"),
		session.UserMessage("three"), session.AssistantMessage("four"),
	}}
	_, err := a.Run(context.Background(), "five", history)
	require.NoError(t, err)

	sent := primary.requests[0].Messages
	require.Len(t, sent, 3)
	assert.Equal(t, "three", sent[0].Content)
	assert.Equal(t, "four", sent[1].Content)
	assert.Equal(t, "five", sent[2].Content)
}

func TestLLMAgentRetriesTransientErrors(t *testing.T) {
	primary := &scriptedProvider{
		name: "openai",
		errs: []error{errors.New("503 service unavailable"), nil},
	}
	a := newTestAgent(t, providerMap{"primary": primary}, nil)

	result, err := a.Run(context.Background(), "hi", &memHistory{key: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Output)
	assert.Equal(t, 2, primary.calls())
}

func TestLLMAgentFailsOverByPriority(t *testing.T) {
	primary := &scriptedProvider{name: "openai", errs: []error{
		errors.New("429 rate limit"), errors.New("429 rate limit"), errors.New("429 rate limit"),
	}}
	backup := &scriptedProvider{name: "anthropic", replies: []string{"from backup"}}

	a := newTestAgent(t, providerMap{"primary": primary, "backup": backup}, func(c *LLMAgentConfig) {
		c.Profiles = []AuthProfile{
			{ID: "backup", Provider: "anthropic", Priority: 1, Model: "claude-3-5-haiku-latest"},
			{ID: "primary", Provider: "openai", Priority: 0},
		}
	})

	history := &memHistory{key: "s1"}
	result, err := a.Run(context.Background(), "hi", history)
	require.NoError(t, err)
	assert.Equal(t, "from backup", result.Output)
	assert.Equal(t, 3, primary.calls())
	assert.Equal(t, "claude-3-5-haiku-latest", backup.requests[0].Model)
	assert.Equal(t, "anthropic", history.messages[1].Metadata["provider"])

	// primary is cooling down, so the next call goes straight to backup
	_, err = a.Run(context.Background(), "again", history)
	require.NoError(t, err)
	assert.Equal(t, 3, primary.calls())
	assert.Equal(t, 2, backup.calls())
}

func TestLLMAgentNonRetryableErrorStops(t *testing.T) {
	primary := &scriptedProvider{name: "openai", errs: []error{errors.New("invalid api key")}}
	backup := &scriptedProvider{name: "anthropic"}
	a := newTestAgent(t, providerMap{"primary": primary, "backup": backup}, func(c *LLMAgentConfig) {
		c.Profiles = append(c.Profiles, AuthProfile{ID: "backup", Provider: "anthropic", Priority: 1})
	})

	history := &memHistory{key: "s1"}
	_, err := a.Run(context.Background(), "hi", history)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")
	assert.Equal(t, 0, backup.calls())
	assert.Empty(t, history.messages)
}

func TestLLMAgentBadRequestDoesNotCoolDownProfile(t *testing.T) {
	primary := &scriptedProvider{name: "openai", errs: []error{
		providerError("openai", 400, errors.New("context_length_exceeded")),
	}, replies: []string{"hello B"}}
	a := newTestAgent(t, providerMap{"primary": primary}, nil)

	historyA := &memHistory{key: "a"}
	_, err := a.Run(context.Background(), "a very long prompt", historyA)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context_length_exceeded")
	assert.Empty(t, historyA.messages)

	historyB := &memHistory{key: "b"}
	result, err := a.Run(context.Background(), "hi", historyB)
	require.NoError(t, err)
	assert.Equal(t, "hello B", result.Output)
	assert.Equal(t, 2, primary.calls())
}

func TestLLMAgentRejectedKeyFailsOver(t *testing.T) {
	primary := &scriptedProvider{name: "openai", errs: []error{
		providerError("openai", 401, errors.New("incorrect API key provided")),
	}}
	backup := &scriptedProvider{name: "anthropic", replies: []string{"from backup"}}
	a := newTestAgent(t, providerMap{"primary": primary, "backup": backup}, func(c *LLMAgentConfig) {
		c.Profiles = append(c.Profiles, AuthProfile{ID: "backup", Provider: "anthropic", Priority: 1})
	})

	history := &memHistory{key: "s1"}
	result, err := a.Run(context.Background(), "hi", history)
	require.NoError(t, err)
	assert.Equal(t, "from backup", result.Output)
	assert.Equal(t, 1, primary.calls(), "a rejected key is not retried")
	assert.Equal(t, 1, backup.calls())
}

const listingSchema = `{
	"type": "object",
	"required": ["subject", "body"],
	"properties": {
		"subject": {"type": "string"},
		"body": {"type": "string"}
	}
}`

func TestLLMAgentStructuredOutput(t *testing.T) {
	primary := &scriptedProvider{name: "openai", replies: []string{
		"```json\n{\"subject\": \"Open house\", \"body\": \"Join us Saturday.\"}\n```",
	}}
	a := newTestAgent(t, providerMap{"primary": primary}, func(c *LLMAgentConfig) {
		c.Name = "Email Agent"
		c.OutputSchema = listingSchema
	})

	result, err := a.Run(context.Background(), "Draft an email", &memHistory{key: "s1"})
	require.NoError(t, err)

	structured, ok := result.Output.(StructuredOutput)
	require.True(t, ok)
	assert.Equal(t, "Open house", structured.ToMap()["subject"])
	assert.True(t, primary.requests[0].JSONOutput)
}

func TestLLMAgentRejectsInvalidOutput(t *testing.T) {
	cases := map[string]string{
		"not json":        "Sure, here you go.",
		"schema mismatch": `{"subject": 42}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			primary := &scriptedProvider{name: "openai", replies: []string{reply}}
			a := newTestAgent(t, providerMap{"primary": primary}, func(c *LLMAgentConfig) {
				c.OutputSchema = listingSchema
			})

			history := &memHistory{key: "s1"}
			_, err := a.Run(context.Background(), "Draft an email", history)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidOutput)
			assert.Empty(t, history.messages)
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(errors.New("read: connection reset by peer")))
	assert.True(t, IsRetryableError(errors.New("status 502")))
	assert.False(t, IsRetryableError(errors.New("invalid request")))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.True(t, IsRetryableError(fmt.Errorf("call: %w", context.DeadlineExceeded)))
}

func TestProviderErrorRetryable(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{429, true},
		{408, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}

	for _, tt := range tests {
		err := fmt.Errorf("run: %w", providerError("openai", tt.status, errors.New("upstream said no")))
		assert.Equal(t, tt.retryable, IsRetryableError(err), "status %d", tt.status)
	}

	// Without a status the message markers decide.
	assert.True(t, IsRetryableError(providerError("gemini", 0, errors.New("connection reset by peer"))))

	err := providerError("anthropic", 529, errors.New("overloaded"))
	assert.Equal(t, "anthropic: status 529: overloaded", err.Error())
}

func TestProviderFactoryRejectsBadProfiles(t *testing.T) {
	f := &ProviderFactory{}

	_, err := f.NewProvider(AuthProfile{ID: "p1", Provider: "openai"})
	assert.Error(t, err)

	_, err = f.NewProvider(AuthProfile{ID: "p2", Provider: "mistral", APIKey: "k"})
	assert.EqualError(t, err, "unsupported provider: mistral")

	p, err := f.NewProvider(AuthProfile{ID: "p3", Provider: "anthropic", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())
}
