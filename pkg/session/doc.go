// Package session holds the conversation model of a job: the typed message
// variants, the Session value, and the JSONL store that persists them.
//
// Invariants:
// - Session ids are validated and path-safe.
// - History is append-only and totally ordered per session.
// - A tool_call is answered by exactly one tool_result before the next
//   tool_call is accepted.
//
// Usage:
//
//	mgr, _ := session.NewManager("/tmp/autopilot/sessions")
//	_ = mgr.Append(ctx, "s1", session.NewUserMessage("list the files"))
//	sess, _ := mgr.Load(ctx, "s1")
//	_ = sess.History
package session
