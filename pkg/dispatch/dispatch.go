// Package dispatch binds classification categories to agents and invokes
// the bound agent with a session history.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harun/realty/internal/observability"
	"github.com/harun/realty/internal/tracing"
	"github.com/harun/realty/pkg/agent"
	"github.com/harun/realty/pkg/classifier"
)

// ErrNoAgent is returned when a category has no agent bound to it.
var ErrNoAgent = errors.New("no agent bound to category")

// DispatchError carries the category and agent that failed. Error returns
// the underlying error text unchanged.
type DispatchError struct {
	Category classifier.Category
	Agent    string
	Err      error
}

func (e *DispatchError) Error() string {
	if errors.Is(e.Err, ErrNoAgent) {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Category)
	}
	return e.Err.Error()
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Dispatcher is a flat category to agent table fixed at construction.
type Dispatcher struct {
	agents map[classifier.Category]agent.Agent
}

// New copies table into a dispatcher. Nil agents are rejected.
func New(table map[classifier.Category]agent.Agent) (*Dispatcher, error) {
	observability.EnsureRegistered()

	agents := make(map[classifier.Category]agent.Agent, len(table))
	for category, a := range table {
		if a == nil {
			return nil, fmt.Errorf("agent for category %s is nil", category)
		}
		agents[category] = a
	}
	return &Dispatcher{agents: agents}, nil
}

// Dispatch runs the agent bound to category. A failure is returned as a
// *DispatchError without retrying or rewording it.
func (d *Dispatcher) Dispatch(ctx context.Context, category classifier.Category, prompt string, history agent.History) (agent.Result, error) {
	a, ok := d.agents[category]
	if !ok {
		return agent.Result{}, &DispatchError{Category: category, Err: ErrNoAgent}
	}

	ctx = tracing.WithCategory(ctx, string(category))
	ctx, span := tracing.StartSpan(ctx, "realty.dispatch", "dispatch.run",
		tracing.AttrCategory.String(string(category)),
		tracing.AttrAgent.String(a.Name()),
		tracing.AttrSessionKey.String(history.Key()),
	)
	defer span.End()

	start := time.Now()
	result, err := a.Run(ctx, prompt, history)
	observability.RecordDispatch(a.Name(), time.Since(start), err == nil)
	if err != nil {
		tracing.RecordError(span, err)
		return agent.Result{}, &DispatchError{Category: category, Agent: a.Name(), Err: err}
	}

	result.Agent = a.Name()
	return result, nil
}

// AgentFor returns the agent bound to category.
func (d *Dispatcher) AgentFor(category classifier.Category) (agent.Agent, bool) {
	a, ok := d.agents[category]
	return a, ok
}

// Categories lists the bound categories in sorted order.
func (d *Dispatcher) Categories() []classifier.Category {
	out := make([]classifier.Category, 0, len(d.agents))
	for c := range d.agents {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
