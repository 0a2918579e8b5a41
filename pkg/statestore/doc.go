// Package statestore persists per-session project/task snapshots and
// recovery points in SQLite.
//
// Invariants:
// - A session has at most one current snapshot; it expires 7 days after
//   its last save.
// - Recovery points expire after 30 days and at most 10 are kept per
//   session, newest first.
// - Reads never change what they read: loading a snapshot twice returns
//   the same value.
package statestore
