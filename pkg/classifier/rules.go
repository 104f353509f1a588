package classifier

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultRules returns the shipped keyword sets. EMAIL is checked before
// LOCATION, and anything else falls back to General. The bracketed tags
// are the prefixes the web client adds for its quick actions.
func DefaultRules() []Rule {
	return []Rule{
		{
			Category: Email,
			Keywords: []string{
				"[email writing]",
				"email",
				"e-mail",
				"mail",
				"inbox",
				"newsletter",
				"send me",
				"send an",
				"write to",
				"draft",
				"follow up",
				"follow-up",
			},
		},
		{
			Category: Location,
			Keywords: []string{
				"[location info]",
				"near",
				"location",
				"located",
				"where is",
				"downtown",
				"neighborhood",
				"neighbourhood",
				"district",
				"area",
				"map",
				"commute",
				"distance",
				"directions",
				"school",
			},
		},
	}
}

// NewDefault returns a classifier over DefaultRules with General as fallback.
func NewDefault() *Classifier {
	c, err := New(DefaultRules(), General)
	if err != nil {
		panic(err)
	}
	return c
}

// RulesFile is the on-disk form of a rule list.
type RulesFile struct {
	Rules    []Rule   `json:"rules"`
	Fallback Category `json:"fallback,omitempty"`
}

// LoadRulesFile reads a JSON rules file and builds a classifier from it.
// A file without a fallback uses General.
func LoadRulesFile(path string) (*Classifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf RulesFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, &ConfigError{Rule: -1, Reason: fmt.Sprintf("invalid rules file %s: %v", path, err)}
	}
	if rf.Fallback == "" {
		rf.Fallback = General
	}
	return New(rf.Rules, rf.Fallback)
}

// WriteRulesFile writes rules in the format LoadRulesFile reads.
func WriteRulesFile(path string, rules []Rule, fallback Category) error {
	data, err := json.MarshalIndent(RulesFile{Rules: rules, Fallback: fallback}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
