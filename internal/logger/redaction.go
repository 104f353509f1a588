package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type redactionRule struct {
	re          *regexp.Regexp
	replacement string
}

// Redactor masks credentials and contact details before log lines reach
// their writer. Prompts often carry the email addresses and phone numbers
// of landlords, buyers and agents.
type Redactor struct {
	rules []redactionRule
}

func credential(pattern string) redactionRule {
	return redactionRule{re: regexp.MustCompile(pattern), replacement: redacted}
}

// NewRedactor creates a redactor with the credential and contact patterns
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []redactionRule{
			// OpenAI and Anthropic keys
			credential(`sk-(?:ant-)?[a-zA-Z0-9_-]{20,}`),
			// Google AI Studio keys
			credential(`AIza[0-9A-Za-z_-]{35}`),
			credential(`Bearer\s+[a-zA-Z0-9._-]+`),
			credential(`(?i)x-api-key["\s:=]+[^\s"]+`),
			credential(`password["\s:=]+[^\s"]+`),
			credential(`token["\s:=]+[a-zA-Z0-9._-]{20,}`),
			credential(`secret["\s:=]+[^\s"]+`),
			{
				re:          regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
				replacement: "[EMAIL]",
			},
			{
				re:          regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]\d{4}\b`),
				replacement: "[PHONE]",
			},
		},
	}
}

// AddPattern adds a custom pattern masked with [REDACTED]
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactionRule{re: re, replacement: redacted})
	return nil
}

// Redact applies every rule in order.
func (r *Redactor) Redact(s string) string {
	for _, rule := range r.rules {
		s = rule.re.ReplaceAllString(s, rule.replacement)
	}
	return s
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so zerolog does not treat the
// length change from redaction as a short write.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
