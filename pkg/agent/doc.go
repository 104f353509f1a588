// Package agent defines the conversational capability a category is bound to
// and an LLM-backed implementation of it.
//
// Invariants:
//   - An agent appends a turn to the session history only after the model
//     answered and the answer passed output validation.
//   - Provider profiles are tried in priority order; failing profiles cool down.
//
// Usage:
//
//	a, _ := agent.NewLLMAgent(agent.LLMAgentConfig{Name: "Email Agent", Model: "gpt-4o-mini", Profiles: profiles})
//	res, err := a.Run(ctx, "Can you email me about apartments?", history)
package agent
