package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	key         Key
	fingerprint string
}

// MemoryKeyStore keeps key health in process memory.
type MemoryKeyStore struct {
	mu   sync.Mutex
	keys map[string]*memoryEntry
	now  func() time.Time
}

// NewMemoryKeyStore creates an empty store.
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*memoryEntry), now: time.Now}
}

func (m *MemoryKeyStore) Upsert(ctx context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fp := fingerprint(key.Credential)
	if existing, ok := m.keys[key.ID]; ok && existing.fingerprint == fp {
		existing.key.Provider = key.Provider
		existing.key.Priority = key.Priority
		existing.key.Credential = key.Credential
		return nil
	}
	key.FailureCount = 0
	key.Disabled = false
	key.DisabledReason = ""
	key.DisabledUntil = time.Time{}
	m.keys[key.ID] = &memoryEntry{key: key, fingerprint: fp}
	return nil
}

func (m *MemoryKeyStore) Retain(ctx context.Context, keep []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		wanted[id] = true
	}
	for id := range m.keys {
		if !wanted[id] {
			delete(m.keys, id)
		}
	}
	return nil
}

func (m *MemoryKeyStore) Keys(ctx context.Context, provider string) ([]Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []Key
	for _, e := range m.keys {
		if e.key.Provider == provider {
			keys = append(keys, e.key)
		}
	}
	sortKeys(keys)
	return keys, nil
}

func (m *MemoryKeyStore) RecordFailure(ctx context.Context, keyID string, threshold int, cooldown time.Duration) (Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[keyID]
	if !ok {
		return Key{}, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	e.key.FailureCount++
	if cooldown > 0 {
		e.key.DisabledUntil = m.now().Add(cooldown)
	}
	if threshold > 0 && e.key.FailureCount >= threshold && !e.key.Disabled {
		e.key.Disabled = true
		e.key.DisabledReason = reasonThreshold
	}
	return e.key, nil
}

func (m *MemoryKeyStore) RecordSuccess(ctx context.Context, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	e.key.FailureCount = 0
	e.key.DisabledUntil = time.Time{}
	return nil
}

func (m *MemoryKeyStore) Disable(ctx context.Context, keyID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	e.key.Disabled = true
	e.key.DisabledReason = reason
	return nil
}

func (m *MemoryKeyStore) Close() error { return nil }

const (
	reasonThreshold  = "failure_threshold"
	reasonAuthFailed = "auth_failed"
)

func sortKeys(keys []Key) {
	sort.SliceStable(keys, func(i, j int) bool {
		if keys[i].Priority != keys[j].Priority {
			return keys[i].Priority < keys[j].Priority
		}
		return keys[i].ID < keys[j].ID
	})
}
