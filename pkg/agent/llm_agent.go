package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/realty/internal/observability"
	"github.com/harun/realty/internal/tracing"
	"github.com/harun/realty/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// LLMAgentConfig configures an LLM-backed agent
type LLMAgentConfig struct {
	Name         string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// OutputSchema, when set, is a JSON schema the model answer must
	// satisfy. The answer is then returned as StructuredOutput.
	OutputSchema string

	// HistoryLimit caps how many stored messages are sent as context.
	// Zero sends all of them.
	HistoryLimit int

	Profiles   []AuthProfile
	Providers  ProviderSource
	MaxRetries int
	RetryDelay time.Duration
	Cooldown   time.Duration
	Logger     *zerolog.Logger
}

type profileState struct {
	profile       AuthProfile
	provider      LLMProvider
	failureCount  int
	cooldownUntil time.Time
}

// LLMAgent answers prompts through a chat completion API, failing over
// between auth profiles in priority order.
type LLMAgent struct {
	cfg    LLMAgentConfig
	schema *gojsonschema.Schema
	logger zerolog.Logger

	mu       sync.Mutex
	profiles []*profileState
}

// NewLLMAgent validates cfg, compiles the output schema and orders profiles.
func NewLLMAgent(cfg LLMAgentConfig) (*LLMAgent, error) {
	observability.EnsureRegistered()

	if cfg.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("agent %s: model is required", cfg.Name)
	}
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("agent %s: at least one auth profile is required", cfg.Name)
	}
	if cfg.Providers == nil {
		cfg.Providers = &ProviderFactory{}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}

	a := &LLMAgent{cfg: cfg, logger: log.Logger}
	if cfg.Logger != nil {
		a.logger = *cfg.Logger
	}

	if strings.TrimSpace(cfg.OutputSchema) != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(cfg.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("agent %s: invalid output schema: %w", cfg.Name, err)
		}
		a.schema = schema
	}

	profiles := append([]AuthProfile(nil), cfg.Profiles...)
	sort.SliceStable(profiles, func(i, j int) bool { return profiles[i].Priority < profiles[j].Priority })
	for _, p := range profiles {
		a.profiles = append(a.profiles, &profileState{profile: p})
	}
	return a, nil
}

// Name returns the agent's display name.
func (a *LLMAgent) Name() string {
	return a.cfg.Name
}

// Run sends the session history plus prompt to the model, validates the
// answer and only then appends the turn to history.
func (a *LLMAgent) Run(ctx context.Context, prompt string, history History) (Result, error) {
	ctx = tracing.WithAgent(ctx, a.cfg.Name)
	ctx, span := tracing.StartSpan(ctx, "realty.agent", "agent.run",
		tracing.AttrAgent.String(a.cfg.Name),
		tracing.AttrSessionKey.String(history.Key()),
	)
	defer span.End()

	stored, err := history.Messages(ctx)
	if err != nil {
		tracing.RecordError(span, err)
		return Result{}, fmt.Errorf("failed to load history: %w", err)
	}
	messages := a.buildMessages(stored, prompt)

	resp, profile, err := a.executeWithFailover(ctx, messages)
	if err != nil {
		tracing.RecordError(span, err)
		return Result{}, err
	}

	output, err := a.parseOutput(resp.Content)
	if err != nil {
		tracing.RecordError(span, err)
		return Result{}, err
	}

	model := a.modelFor(profile)
	assistant := session.AssistantMessage(resp.Content)
	assistant.Metadata = map[string]interface{}{
		"agent":    a.cfg.Name,
		"provider": profile.Provider,
		"model":    model,
	}
	if err := history.AppendTurn(ctx, session.UserMessage(prompt), assistant); err != nil {
		tracing.RecordError(span, err)
		return Result{}, fmt.Errorf("failed to save turn: %w", err)
	}

	return Result{Output: output, Agent: a.cfg.Name, Usage: resp.Usage}, nil
}

func (a *LLMAgent) buildMessages(stored []session.Message, prompt string) []AgentMessage {
	if a.cfg.HistoryLimit > 0 && len(stored) > a.cfg.HistoryLimit {
		stored = stored[len(stored)-a.cfg.HistoryLimit:]
	}
	messages := make([]AgentMessage, 0, len(stored)+1)
	for _, m := range stored {
		if m.Role != session.RoleUser && m.Role != session.RoleAssistant {
			continue
		}
		messages = append(messages, AgentMessage{Role: m.Role, Content: m.Content})
	}
	return append(messages, AgentMessage{Role: session.RoleUser, Content: prompt})
}

func (a *LLMAgent) parseOutput(content string) (interface{}, error) {
	if a.schema == nil {
		return content, nil
	}

	raw := strings.TrimSpace(content)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &fields); err != nil {
		return nil, fmt.Errorf("%w: %s returned non-JSON output: %v", ErrInvalidOutput, a.cfg.Name, err)
	}

	result, err := a.schema.Validate(gojsonschema.NewGoLoader(fields))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidOutput, strings.Join(problems, "; "))
	}
	return StructuredOutput{Fields: fields}, nil
}

func (a *LLMAgent) modelFor(p AuthProfile) string {
	if p.Model != "" {
		return p.Model
	}
	return a.cfg.Model
}

func (a *LLMAgent) executeWithFailover(ctx context.Context, messages []AgentMessage) (*LLMResponse, AuthProfile, error) {
	logger := tracing.LoggerFromContext(ctx, a.logger)

	var lastErr error
	for _, ps := range a.profiles {
		a.mu.Lock()
		cooling := time.Now().Before(ps.cooldownUntil)
		profile := ps.profile
		a.mu.Unlock()
		if cooling {
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}

		provider, err := a.providerFor(ps)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		start := time.Now()
		resp, err := a.callWithRetry(ctx, provider, profile, messages)
		observability.RecordProviderCall(profile.Provider, time.Since(start), err == nil)
		if err == nil {
			a.markSuccess(ps)
			return resp, profile, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, profile, err
		}
		// Request-specific rejections leave the profile usable.
		if !IsRetryableError(err) && !isCredentialError(err) {
			return nil, profile, err
		}
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")
		a.markFailure(ps)
	}

	if lastErr == nil {
		return nil, AuthProfile{}, fmt.Errorf("%s: all auth profiles are cooling down", a.cfg.Name)
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, AuthProfile{}, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (a *LLMAgent) providerFor(ps *profileState) (LLMProvider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ps.provider == nil {
		p, err := a.cfg.Providers.NewProvider(ps.profile)
		if err != nil {
			return nil, err
		}
		ps.provider = p
	}
	return ps.provider, nil
}

func (a *LLMAgent) callWithRetry(ctx context.Context, provider LLMProvider, profile AuthProfile, messages []AgentMessage) (*LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "realty.agent", "agent.call_provider",
		tracing.AttrProvider.String(provider.Provider()),
		attribute.String("profile_id", profile.ID),
	)
	defer span.End()

	request := LLMRequest{
		Model:        a.modelFor(profile),
		Messages:     messages,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
		SystemPrompt: a.cfg.SystemPrompt,
		JSONOutput:   a.schema != nil,
	}

	var lastErr error
	for attempt := 0; attempt < a.cfg.MaxRetries; attempt++ {
		resp, err := provider.Call(ctx, request)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !IsRetryableError(err) || attempt == a.cfg.MaxRetries-1 {
			break
		}

		delay := a.cfg.RetryDelay * time.Duration(1<<attempt)
		a.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Retrying after error")
		select {
		case <-ctx.Done():
			tracing.RecordError(span, ctx.Err())
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	tracing.RecordError(span, lastErr)
	return nil, lastErr
}

func (a *LLMAgent) markSuccess(ps *profileState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps.failureCount = 0
	ps.cooldownUntil = time.Time{}
}

func (a *LLMAgent) markFailure(ps *profileState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ps.failureCount++
	ps.cooldownUntil = time.Now().Add(a.cfg.Cooldown * time.Duration(ps.failureCount))
}
