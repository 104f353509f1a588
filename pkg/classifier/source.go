package classifier

import "sync/atomic"

// Source holds the active classifier. Readers always see one complete
// rule set; Swap replaces it atomically.
type Source struct {
	current atomic.Pointer[Classifier]
}

// NewSource returns a source serving c.
func NewSource(c *Classifier) *Source {
	s := &Source{}
	s.current.Store(c)
	return s
}

// Current returns the classifier in effect.
func (s *Source) Current() *Classifier {
	return s.current.Load()
}

// Classify classifies prompt with the classifier in effect.
func (s *Source) Classify(prompt string) Category {
	return s.current.Load().Classify(prompt)
}

// Swap installs c and returns the classifier it replaced.
func (s *Source) Swap(c *Classifier) *Classifier {
	return s.current.Swap(c)
}
