package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

var (
	validProviders = []string{"anthropic", "openai", "gemini"}
	validLevels    = []string{"debug", "info", "warn", "error"}
	validBackends  = []string{"sqlite", "jsonl"}

	categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

	keyPrefixes = map[string]string{
		"anthropic": "sk-ant-",
		"openai":    "sk-",
		"gemini":    "AIza",
	}
)

func oneOf(value string, allowed []string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

// ValidateProvider checks the provider name against the supported set
func (v *Validator) ValidateProvider(provider string) error {
	if provider == "" {
		return fmt.Errorf("provider is required")
	}
	if !oneOf(provider, validProviders) {
		return fmt.Errorf("invalid provider %s (must be: %s)", provider, strings.Join(validProviders, ", "))
	}
	return nil
}

// ValidateAPIKey checks that key is set and, for the public endpoints, has
// the vendor's prefix. A custom baseURL points at a compatible server whose
// keys can look like anything.
func (v *Validator) ValidateAPIKey(key, provider, baseURL string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}
	if baseURL != "" {
		return nil
	}
	if prefix, ok := keyPrefixes[provider]; ok && !strings.HasPrefix(key, prefix) {
		return fmt.Errorf("invalid %s API key format (should start with %s)", provider, prefix)
	}
	return nil
}

// ValidateCategory checks a classifier category name.
func (v *Validator) ValidateCategory(category string) error {
	if !categoryPattern.MatchString(category) {
		return fmt.Errorf("invalid category %q (lowercase letters, digits, '-' and '_')", category)
	}
	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateOutputSchema compiles schema when one is given.
func (v *Validator) ValidateOutputSchema(schema string) error {
	if strings.TrimSpace(schema) == "" {
		return nil
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema)); err != nil {
		return fmt.Errorf("invalid output schema: %w", err)
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	if !oneOf(level, validLevels) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateTimeout checks a timeout given in seconds.
func (v *Validator) ValidateTimeout(name string, seconds int) error {
	if seconds <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, seconds)
	}
	return nil
}

// ValidateSessionBackend validates the session store backend name
func (v *Validator) ValidateSessionBackend(backend string) error {
	if !oneOf(backend, validBackends) {
		return fmt.Errorf("invalid session backend: %s (must be one of: %s)", backend, strings.Join(validBackends, ", "))
	}
	return nil
}
