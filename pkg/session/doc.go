// Package session owns the mapping from session key to conversation history.
//
// Invariants:
// - A Store hands out exactly one *History per key for its lifetime.
// - A key is registered only after its backend initialization succeeded.
// - A turn (user + assistant message) is persisted whole or not at all.
//
// Usage:
//
//	backend, _ := session.OpenSQLite("/tmp/realty/realestate_agent.db")
//	store := session.NewStore(backend)
//	h, _ := store.GetOrCreate(ctx, "u1")
//	_ = h.AppendTurn(ctx, session.UserMessage("hi"), session.AssistantMessage("hello"))
package session
