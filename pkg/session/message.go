package session

import (
	"fmt"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single conversation message
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// UserMessage returns a user message stamped with the current time.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content, Timestamp: time.Now().UTC()}
}

// AssistantMessage returns an assistant message stamped with the current time.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content, Timestamp: time.Now().UTC()}
}

func (m Message) validate(wantRole string) error {
	if m.Role != wantRole {
		return fmt.Errorf("expected %s message, got role %q", wantRole, m.Role)
	}
	if m.Content == "" {
		return fmt.Errorf("%s message content cannot be empty", wantRole)
	}
	return nil
}
