// Package commandqueue runs tasks in named lanes with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order, at most Concurrency at a time.
// - Tasks in different lanes may execute concurrently.
// - Lanes created on demand are dropped once idle, so per-session lanes do not accumulate.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, commandqueue.SessionLane("u1"), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
