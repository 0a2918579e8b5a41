// Package agent drives a job through the think / call-a-tool / answer
// protocol until the model answers or the iteration budget runs out.
//
// Invariants:
// - Runs of one session are serialized through the commandqueue lane
//   session-<id>; different sessions run concurrently.
// - Exactly one transient thinking marker is recorded per iteration,
//   before the completion request. Markers never reach the model.
// - Every tool_call is answered by exactly one tool_result before the next
//   completion request. Tool failures are results, not run failures.
// - Only provider exhaustion, the iteration cap, cancellation and
//   persistence errors end a run with an error.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{...})
//	result, err := runner.Run(ctx, agent.Job{SessionID: "s1", Prompt: "hello"}, sink)
//	_ = result
package agent
