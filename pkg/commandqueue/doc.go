// Package commandqueue runs tasks in named lanes with FIFO order and a
// per-lane concurrency limit.
//
// Agent runs use one lane per session so turns of the same session never
// interleave. Detached shell commands are submitted to the detached lane
// and report through completion handlers instead of blocking the caller.
//
// Usage:
//
//	q := commandqueue.New()
//	defer q.Close()
//	out, err := q.Enqueue(ctx, commandqueue.SessionLane("abc"), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	})
package commandqueue
