package daemon

import (
	"fmt"
	"os"
	"time"

	"github.com/harun/realty/internal/config"
	"github.com/harun/realty/pkg/agent"
	"github.com/harun/realty/pkg/classifier"
	"github.com/rs/zerolog"
)

// BuildClassifier returns the classifier described by cfg. An existing
// rules file wins over inline rules; with neither, the built-in keyword
// sets are used.
func BuildClassifier(cfg *config.Config) (*classifier.Classifier, error) {
	fallback := classifier.Category(cfg.Classifier.Fallback)
	if fallback == "" {
		fallback = classifier.General
	}

	if path := cfg.Classifier.RulesFile; path != "" {
		if _, err := os.Stat(path); err == nil {
			return classifier.LoadRulesFile(path)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat rules file: %w", err)
		}
	}

	if len(cfg.Classifier.Rules) == 0 {
		return classifier.New(classifier.DefaultRules(), fallback)
	}

	rules := make([]classifier.Rule, 0, len(cfg.Classifier.Rules))
	for _, r := range cfg.Classifier.Rules {
		rules = append(rules, classifier.Rule{
			Category: classifier.Category(r.Category),
			Keywords: r.Keywords,
		})
	}
	return classifier.New(rules, fallback)
}

// AgentName returns the display name bound to category, if any.
func AgentName(cfg *config.Config, category classifier.Category) (string, bool) {
	for _, a := range cfg.Agents {
		if classifier.Category(a.Category) == category {
			return a.Name, true
		}
	}
	return "", false
}

func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			BaseURL:  p.BaseURL,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	return out
}

// profilesFor returns the profiles an agent may use. Agents that name
// profiles get those in the listed order; the rest share every profile.
func profilesFor(ac config.AgentConfig, all []agent.AuthProfile) []agent.AuthProfile {
	if len(ac.Profiles) == 0 {
		return all
	}
	byID := make(map[string]agent.AuthProfile, len(all))
	for _, p := range all {
		byID[p.ID] = p
	}
	out := make([]agent.AuthProfile, 0, len(ac.Profiles))
	for i, id := range ac.Profiles {
		if p, ok := byID[id]; ok {
			p.Priority = i
			out = append(out, p)
		}
	}
	return out
}

func buildAgents(cfg *config.Config, providers agent.ProviderSource, logger zerolog.Logger) (map[classifier.Category]agent.Agent, error) {
	profiles := convertAuthProfiles(cfg.AI.Profiles)

	table := make(map[classifier.Category]agent.Agent, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		agentLogger := logger.With().Str("agent", ac.Name).Logger()
		a, err := agent.NewLLMAgent(agent.LLMAgentConfig{
			Name:         ac.Name,
			Model:        ac.Model,
			SystemPrompt: ac.SystemPrompt,
			Temperature:  ac.Temperature,
			MaxTokens:    ac.MaxTokens,
			OutputSchema: ac.OutputSchema,
			HistoryLimit: ac.HistoryLimit,
			Profiles:     profilesFor(ac, profiles),
			Providers:    providers,
			RetryDelay:   time.Second,
			Logger:       &agentLogger,
		})
		if err != nil {
			return nil, err
		}
		table[classifier.Category(ac.Category)] = a
	}
	return table, nil
}
