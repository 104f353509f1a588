package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main realty configuration
type Config struct {
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Sessions   SessionsConfig   `json:"sessions" mapstructure:"sessions"`
	Classifier ClassifierConfig `json:"classifier" mapstructure:"classifier"`
	Agents     []AgentConfig    `json:"agents" mapstructure:"agents"`
	AI         AIConfig         `json:"ai" mapstructure:"ai"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`

	// Data directory for the session store, logs and pid file
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP gateway configuration
type ServerConfig struct {
	Host            string          `json:"host" mapstructure:"host"`
	Port            int             `json:"port" mapstructure:"port"`
	AllowedOrigins  []string        `json:"allowed_origins" mapstructure:"allowed_origins"`
	RequestTimeout  int             `json:"request_timeout" mapstructure:"request_timeout"`   // seconds
	ShutdownTimeout int             `json:"shutdown_timeout" mapstructure:"shutdown_timeout"` // seconds
	RateLimit       RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
	// TrustProxy takes the client IP from X-Forwarded-For or X-Real-IP.
	TrustProxy bool `json:"trust_proxy" mapstructure:"trust_proxy"`
}

// RateLimitConfig bounds requests per client IP over a sliding window
type RateLimitConfig struct {
	Enabled       bool `json:"enabled" mapstructure:"enabled"`
	Requests      int  `json:"requests" mapstructure:"requests"`
	WindowSeconds int  `json:"window_seconds" mapstructure:"window_seconds"`
}

// SessionsConfig selects the conversation history backend
type SessionsConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // sqlite, jsonl
	Path    string `json:"path" mapstructure:"path"`       // database file or directory
}

// ClassifierConfig holds the ordered keyword rule list
type ClassifierConfig struct {
	Rules     []RuleConfig `json:"rules" mapstructure:"rules"`
	Fallback  string       `json:"fallback" mapstructure:"fallback"`
	RulesFile string       `json:"rules_file" mapstructure:"rules_file"`
	Watch     bool         `json:"watch" mapstructure:"watch"`
}

// RuleConfig maps keywords to a category
type RuleConfig struct {
	Category string   `json:"category" mapstructure:"category"`
	Keywords []string `json:"keywords" mapstructure:"keywords"`
}

// AgentConfig binds one category to an LLM-backed agent
type AgentConfig struct {
	Category     string   `json:"category" mapstructure:"category"`
	Name         string   `json:"name" mapstructure:"name"`
	Model        string   `json:"model" mapstructure:"model"`
	Profiles     []string `json:"profiles" mapstructure:"profiles"` // preferred AI profile ids, in order
	SystemPrompt string   `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature  float64  `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int      `json:"max_tokens" mapstructure:"max_tokens"`
	OutputSchema string   `json:"output_schema" mapstructure:"output_schema"` // JSON schema, optional
	HistoryLimit int      `json:"history_limit" mapstructure:"history_limit"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"`
	Model    string `json:"model" mapstructure:"model"` // overrides the agent model for this profile
	Priority int    `json:"priority" mapstructure:"priority"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig toggles OpenTelemetry tracing
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"` // 0 < ratio <= 1
}

const (
	CategoryEmail    = "email"
	CategoryLocation = "location"
	CategoryGeneral  = "general"
)

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			AllowedOrigins:  []string{"*"},
			RequestTimeout:  120,
			ShutdownTimeout: 15,
			RateLimit: RateLimitConfig{
				Enabled:       true,
				Requests:      60,
				WindowSeconds: 60,
			},
		},
		Sessions: SessionsConfig{
			Backend: "sqlite",
		},
		Classifier: ClassifierConfig{
			Fallback: CategoryGeneral,
		},
		Agents: DefaultAgents(),
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   50,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "realty",
			SampleRatio: 1,
		},
	}
}

// DefaultAgents returns the three shipped agents, one per category.
func DefaultAgents() []AgentConfig {
	return []AgentConfig{
		{
			Category:     CategoryEmail,
			Name:         "Email Agent",
			Model:        "gpt-4o-mini",
			Temperature:  0.4,
			MaxTokens:    1024,
			HistoryLimit: 20,
			SystemPrompt: "You are a real-estate assistant that drafts emails. " +
				"Write a complete email with a subject line and a body, addressed to the recipient the user names. " +
				"Keep the tone professional and mention concrete property details from the conversation.",
		},
		{
			Category:     CategoryLocation,
			Name:         "Location Agent",
			Model:        "gpt-4o-mini",
			Temperature:  0.3,
			MaxTokens:    1024,
			HistoryLimit: 20,
			SystemPrompt: "You are a real-estate assistant specialised in locations. " +
				"Describe neighborhoods, nearby amenities, schools, transit and commute times for the area the user asks about.",
		},
		{
			Category:     CategoryGeneral,
			Name:         "Realestate Agent",
			Model:        "gpt-4o-mini",
			Temperature:  0.7,
			MaxTokens:    1024,
			HistoryLimit: 20,
			SystemPrompt: "You are a helpful real-estate agent. " +
				"Answer questions about buying, selling, renting and investing in property, and help the user search listings.",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	v := NewValidator()

	if err := v.ValidatePort(c.Server.Port); err != nil {
		return err
	}
	if err := v.ValidateTimeout("request_timeout", c.Server.RequestTimeout); err != nil {
		return err
	}
	if err := v.ValidateTimeout("shutdown_timeout", c.Server.ShutdownTimeout); err != nil {
		return err
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Requests <= 0 || c.Server.RateLimit.WindowSeconds <= 0 {
			return fmt.Errorf("rate limit requests and window_seconds must be positive when enabled")
		}
	}

	if err := v.ValidateSessionBackend(c.Sessions.Backend); err != nil {
		return err
	}

	if err := v.ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if err := v.ValidateProvider(profile.Provider); err != nil {
			return fmt.Errorf("AI profile %s: %w", profile.ID, err)
		}
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider, profile.BaseURL); err != nil {
			return fmt.Errorf("AI profile %s: %w", profile.ID, err)
		}
	}

	if err := v.ValidateCategory(c.Classifier.Fallback); err != nil {
		return fmt.Errorf("classifier fallback: %w", err)
	}
	for i, rule := range c.Classifier.Rules {
		if err := v.ValidateCategory(rule.Category); err != nil {
			return fmt.Errorf("classifier rule %d: %w", i, err)
		}
		if len(rule.Keywords) == 0 {
			return fmt.Errorf("classifier rule %d (%s): at least one keyword is required", i, rule.Category)
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if err := v.ValidateCategory(agent.Category); err != nil {
			return fmt.Errorf("agent %d: %w", i, err)
		}
		if seen[agent.Category] {
			return fmt.Errorf("agent %s: duplicate binding for category %s", agent.Name, agent.Category)
		}
		seen[agent.Category] = true
		if agent.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if err := v.ValidateModel(agent.Model); err != nil {
			return fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		if err := v.ValidateTemperature(agent.Temperature); err != nil {
			return fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		if err := v.ValidateMaxTokens(agent.MaxTokens); err != nil {
			return fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		if err := v.ValidateOutputSchema(agent.OutputSchema); err != nil {
			return fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		for _, id := range agent.Profiles {
			if c.profile(id) == nil {
				return fmt.Errorf("agent %s: unknown AI profile %s", agent.Name, id)
			}
		}
	}
	if !seen[c.Classifier.Fallback] {
		return fmt.Errorf("no agent bound to fallback category %s", c.Classifier.Fallback)
	}

	return nil
}

// RequireProviders reports an error when no AI profile is configured.
// Serving needs at least one; offline commands such as classify do not.
func (c *Config) RequireProviders() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	return nil
}

func (c *Config) profile(id string) *AIProfile {
	for i := range c.AI.Profiles {
		if c.AI.Profiles[i].ID == id {
			return &c.AI.Profiles[i]
		}
	}
	return nil
}
