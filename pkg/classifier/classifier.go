package classifier

import (
	"fmt"
	"strings"
)

// Category is the label that decides which agent handles a prompt.
type Category string

const (
	Email    Category = "email"
	Location Category = "location"
	General  Category = "general"
)

// Rule assigns Category to any prompt containing one of Keywords.
type Rule struct {
	Category Category `json:"category"`
	Keywords []string `json:"keywords"`
}

// ConfigError reports an invalid rule list. It is raised when a classifier
// is built or reloaded, never while classifying.
type ConfigError struct {
	Rule   int
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Rule < 0 {
		return fmt.Sprintf("classifier: %s", e.Reason)
	}
	return fmt.Sprintf("classifier: rule %d: %s", e.Rule, e.Reason)
}

// Classifier maps prompts to categories using an ordered keyword rule list.
// Rules are evaluated top to bottom and the first match wins; a prompt that
// matches no rule gets the fallback category. A Classifier is immutable and
// safe for concurrent use.
type Classifier struct {
	rules    []Rule
	fallback Category
}

// New validates rules and returns a classifier over a private copy of them.
// Keywords are lower-cased once here so Classify only folds the prompt.
func New(rules []Rule, fallback Category) (*Classifier, error) {
	if strings.TrimSpace(string(fallback)) == "" {
		return nil, &ConfigError{Rule: -1, Reason: "fallback category is required"}
	}

	compiled := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(string(r.Category)) == "" {
			return nil, &ConfigError{Rule: i, Reason: "category is required"}
		}
		if len(r.Keywords) == 0 {
			return nil, &ConfigError{Rule: i, Reason: fmt.Sprintf("category %s has no keywords", r.Category)}
		}
		keywords := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				return nil, &ConfigError{Rule: i, Reason: fmt.Sprintf("category %s has an empty keyword", r.Category)}
			}
			keywords = append(keywords, kw)
		}
		compiled = append(compiled, Rule{Category: r.Category, Keywords: keywords})
	}

	return &Classifier{rules: compiled, fallback: fallback}, nil
}

// Classify returns the category of the first rule whose keyword occurs in
// prompt, ignoring case, or the fallback when none does.
func (c *Classifier) Classify(prompt string) Category {
	lowered := strings.ToLower(prompt)
	for _, r := range c.rules {
		for _, kw := range r.Keywords {
			if strings.Contains(lowered, kw) {
				return r.Category
			}
		}
	}
	return c.fallback
}

// Rules returns a copy of the normalized rule list.
func (c *Classifier) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = Rule{Category: r.Category, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}

// Fallback returns the category used when no rule matches.
func (c *Classifier) Fallback() Category {
	return c.fallback
}

// Categories lists every category the classifier can return, in rule order
// followed by the fallback, without duplicates.
func (c *Classifier) Categories() []Category {
	seen := make(map[Category]bool, len(c.rules)+1)
	var out []Category
	for _, r := range c.rules {
		if !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	if !seen[c.fallback] {
		out = append(out, c.fallback)
	}
	return out
}
