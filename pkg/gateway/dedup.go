package gateway

import (
	"sync"
	"time"
)

const (
	// IdempotencyHeader lets a client retry POST /v1/jobs without starting
	// a second job.
	IdempotencyHeader = "Idempotency-Key"

	// DefaultIdempotencyTTL is how long a key stays bound to its job.
	DefaultIdempotencyTTL = 10 * time.Minute

	maxIdempotencyKeyLen = 255
)

type dedupEntry struct {
	response  CreateJobResponse
	timestamp time.Time
}

// dedupCache binds idempotency keys to the job they created.
type dedupCache struct {
	entries map[string]*dedupEntry
	ttl     time.Duration
	mu      sync.Mutex
	now     func() time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &dedupCache{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Do returns the response bound to key, or calls create and binds its
// response. Concurrent calls with one key create at most one job. A failed
// create binds nothing.
func (dc *dedupCache) Do(key string, create func() (CreateJobResponse, error)) (CreateJobResponse, bool, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	if entry, ok := dc.entries[key]; ok && now.Sub(entry.timestamp) <= dc.ttl {
		return entry.response, true, nil
	}

	resp, err := create()
	if err != nil {
		return CreateJobResponse{}, false, err
	}
	dc.entries[key] = &dedupEntry{response: resp, timestamp: now}
	return resp, false, nil
}

// Prune drops expired keys and returns how many were removed.
func (dc *dedupCache) Prune(now time.Time) int {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	removed := 0
	for key, entry := range dc.entries {
		if now.Sub(entry.timestamp) > dc.ttl {
			delete(dc.entries, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of bound keys.
func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}
