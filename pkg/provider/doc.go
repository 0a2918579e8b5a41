// Package provider selects an LLM completion endpoint from a configured
// hierarchy of providers and keys, failing over on classified errors.
//
// Invariants:
// - Classify is pure: the same error always yields the same ErrorKind.
// - An AuthFailed key is disabled and the next key of the same provider
//   is tried before moving down the hierarchy. Any other failure is
//   recorded against the key and the next provider is tried.
// - Failure counters are incremented atomically in the KeyStore; a key
//   reaching the failure threshold is disabled permanently.
// - A success resets the winning key's failure count.
package provider
