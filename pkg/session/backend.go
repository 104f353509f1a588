package session

import "context"

// Backend persists conversation history. Implementations must be safe for
// concurrent use across different keys.
type Backend interface {
	// Init prepares durable storage for key. It is idempotent.
	Init(ctx context.Context, key string) error
	// Load returns the messages of key in append order.
	Load(ctx context.Context, key string) ([]Message, error)
	// AppendTurn persists user and assistant together, or neither.
	AppendTurn(ctx context.Context, key string, user, assistant Message) error
	// Sessions lists keys with durable storage, including ones from
	// earlier processes.
	Sessions(ctx context.Context) ([]string, error)
	Close() error
}
