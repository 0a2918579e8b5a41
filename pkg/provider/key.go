package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Key is one credential for one provider together with its health.
type Key struct {
	ID             string    `json:"id"`
	Provider       string    `json:"provider"`
	Credential     string    `json:"-"`
	Priority       int       `json:"priority"`
	FailureCount   int       `json:"failureCount"`
	DisabledUntil  time.Time `json:"disabledUntil,omitempty"`
	Disabled       bool      `json:"disabled"`
	DisabledReason string    `json:"disabledReason,omitempty"`
}

// Usable reports whether the key may be tried at now.
func (k Key) Usable(now time.Time) bool {
	if k.Disabled {
		return false
	}
	return k.DisabledUntil.IsZero() || !now.Before(k.DisabledUntil)
}

// fingerprint identifies a credential without storing it.
func fingerprint(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:8])
}

// KeyStore holds key health. Implementations must make RecordFailure
// atomic: concurrent failures are all counted.
type KeyStore interface {
	// Upsert adds or updates a key. Health is kept unless the credential
	// changed, in which case it is reset.
	Upsert(ctx context.Context, key Key) error
	// Retain deletes every key whose id is not in keep.
	Retain(ctx context.Context, keep []string) error
	// Keys returns every key of provider ordered by priority, lowest first.
	Keys(ctx context.Context, provider string) ([]Key, error)
	// RecordFailure increments the failure count. The key is disabled
	// permanently when the count reaches threshold; a positive cooldown
	// also benches it until now+cooldown.
	RecordFailure(ctx context.Context, keyID string, threshold int, cooldown time.Duration) (Key, error)
	// RecordSuccess resets the failure count and any cooldown.
	RecordSuccess(ctx context.Context, keyID string) error
	// Disable takes a key out of rotation permanently.
	Disable(ctx context.Context, keyID, reason string) error
	Close() error
}
