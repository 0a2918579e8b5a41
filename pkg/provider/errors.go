package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrAllProvidersFailed is wrapped by the *Error returned when every candidate failed
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrNoCandidates is returned when no provider has a usable key
	ErrNoCandidates = errors.New("no usable provider keys")

	// ErrKeyNotFound is returned by a KeyStore for an unknown key id
	ErrKeyNotFound = errors.New("provider key not found")

	// ErrUnsupportedProvider is returned by the factory for unknown provider names
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrEmptyResponse is returned by adapters when the model produced no text
	ErrEmptyResponse = errors.New("empty completion")
)

// ErrorKind is the failover class of a provider error.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindAuthFailed  ErrorKind = "auth_failed"
	KindTimeout     ErrorKind = "timeout"
	KindUnavailable ErrorKind = "unavailable"
	KindUnknown     ErrorKind = "unknown"
)

// StatusError carries the HTTP status an adapter saw.
type StatusError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Attempt records one failed try.
type Attempt struct {
	Provider string    `json:"provider"`
	KeyID    string    `json:"keyId"`
	Kind     ErrorKind `json:"kind"`
	Error    string    `json:"error"`
}

// Error is returned by GetCompletion when no candidate succeeded.
type Error struct {
	Kind     ErrorKind
	Attempts []Attempt
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider error (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an error to its failover class. It looks at typed status
// codes first and falls back to the error text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if kind, ok := classifyStatus(statusErr.StatusCode); ok {
			return kind
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid api key", "invalid x-api-key", "invalid key", "authentication", "permission denied", "api key not valid"):
		return KindAuthFailed
	case containsAny(msg, "429", "rate limit", "rate_limit", "too many requests", "quota", "resource_exhausted"):
		return KindRateLimited
	case containsAny(msg, "timeout", "timed out", "deadline exceeded", "408", "504"):
		return KindTimeout
	case containsAny(msg, "500", "502", "503", "529", "unavailable", "overloaded", "internal server error", "bad gateway", "connection refused", "connection reset", "no such host", "unexpected eof"):
		return KindUnavailable
	}
	return KindUnknown
}

func classifyStatus(code int) (ErrorKind, bool) {
	switch {
	case code == 401 || code == 403:
		return KindAuthFailed, true
	case code == 429:
		return KindRateLimited, true
	case code == 408 || code == 504:
		return KindTimeout, true
	case code >= 500:
		return KindUnavailable, true
	}
	return KindUnknown, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
