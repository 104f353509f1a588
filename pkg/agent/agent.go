package agent

import (
	"context"

	"github.com/harun/realty/pkg/session"
)

// History is the per-session conversation an agent reads and extends.
// *session.History implements it.
type History interface {
	Key() string
	Messages(ctx context.Context) ([]session.Message, error)
	AppendTurn(ctx context.Context, user, assistant session.Message) error
}

// Agent answers one prompt in the context of a session history.
type Agent interface {
	Name() string
	Run(ctx context.Context, prompt string, history History) (Result, error)
}

// Result is what an agent produced for one prompt. Output is agent-defined:
// plain text for free-form agents, a StructuredOutput for agents with an
// output schema.
type Result struct {
	Output interface{} `json:"output"`
	Agent  string      `json:"agent"`
	Usage  *TokenUsage `json:"usage,omitempty"`
}

// StructuredOutput is a model answer that was parsed as a JSON object and
// validated against the agent's output schema.
type StructuredOutput struct {
	Fields map[string]interface{}
}

// ToMap returns the parsed fields.
func (s StructuredOutput) ToMap() map[string]interface{} {
	return s.Fields
}

// Func adapts a plain function to Agent. It does not touch history.
type Func struct {
	AgentName string
	Fn        func(ctx context.Context, prompt string, history History) (interface{}, error)
}

func (f Func) Name() string { return f.AgentName }

func (f Func) Run(ctx context.Context, prompt string, history History) (Result, error) {
	out, err := f.Fn(ctx, prompt, history)
	if err != nil {
		return Result{}, err
	}
	return Result{Output: out, Agent: f.AgentName}, nil
}
