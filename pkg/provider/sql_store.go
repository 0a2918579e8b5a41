package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// keyRow is the persisted health of a key. Credentials never hit disk;
// a fingerprint detects rotation.
type keyRow struct {
	ID             string `gorm:"primaryKey"`
	Provider       string `gorm:"index;not null"`
	Priority       int    `gorm:"not null;default:0"`
	Fingerprint    string `gorm:"not null"`
	FailureCount   int    `gorm:"not null;default:0"`
	DisabledUntil  int64  `gorm:"not null;default:0"`
	Disabled       bool   `gorm:"not null;default:false"`
	DisabledReason string
	UpdatedAt      int64 `gorm:"autoUpdateTime:false"`
}

func (keyRow) TableName() string { return "provider_keys" }

// SQLKeyStore persists key health in SQLite so disabled keys stay
// disabled across restarts.
type SQLKeyStore struct {
	db  *gorm.DB
	now func() time.Time

	mu    sync.RWMutex
	creds map[string]string
}

// OpenSQLKeyStore opens (creating if needed) the key database at path.
func OpenSQLKeyStore(path string) (*SQLKeyStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key store directory: %w", err)
	}
	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open key store: %w", err)
	}
	if err := db.AutoMigrate(&keyRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate key store: %w", err)
	}
	return &SQLKeyStore{db: db, now: time.Now, creds: make(map[string]string)}, nil
}

func (s *SQLKeyStore) Upsert(ctx context.Context, key Key) error {
	row := keyRow{
		ID:          key.ID,
		Provider:    key.Provider,
		Priority:    key.Priority,
		Fingerprint: fingerprint(key.Credential),
		UpdatedAt:   s.now().Unix(),
	}
	// SET expressions read the old row, so the fingerprint comparison sees
	// the stored value.
	sameKey := "provider_keys.fingerprint = excluded.fingerprint"
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"provider":        gorm.Expr("excluded.provider"),
			"priority":        gorm.Expr("excluded.priority"),
			"updated_at":      gorm.Expr("excluded.updated_at"),
			"failure_count":   gorm.Expr("CASE WHEN " + sameKey + " THEN provider_keys.failure_count ELSE 0 END"),
			"disabled":        gorm.Expr("CASE WHEN " + sameKey + " THEN provider_keys.disabled ELSE 0 END"),
			"disabled_until":  gorm.Expr("CASE WHEN " + sameKey + " THEN provider_keys.disabled_until ELSE 0 END"),
			"disabled_reason": gorm.Expr("CASE WHEN " + sameKey + " THEN provider_keys.disabled_reason ELSE '' END"),
			"fingerprint":     gorm.Expr("excluded.fingerprint"),
		}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert key %s: %w", key.ID, err)
	}

	s.mu.Lock()
	s.creds[key.ID] = key.Credential
	s.mu.Unlock()
	return nil
}

func (s *SQLKeyStore) Retain(ctx context.Context, keep []string) error {
	q := s.db.WithContext(ctx)
	if len(keep) > 0 {
		q = q.Where("id NOT IN ?", keep)
	} else {
		q = q.Where("1 = 1")
	}
	if err := q.Delete(&keyRow{}).Error; err != nil {
		return fmt.Errorf("failed to prune keys: %w", err)
	}

	wanted := make(map[string]bool, len(keep))
	for _, id := range keep {
		wanted[id] = true
	}
	s.mu.Lock()
	for id := range s.creds {
		if !wanted[id] {
			delete(s.creds, id)
		}
	}
	s.mu.Unlock()
	return nil
}

// Keys returns keys whose credential is known to this process.
func (s *SQLKeyStore) Keys(ctx context.Context, provider string) ([]Key, error) {
	var rows []keyRow
	if err := s.db.WithContext(ctx).
		Where("provider = ?", provider).
		Order("priority ASC, id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]Key, 0, len(rows))
	for _, row := range rows {
		cred, ok := s.creds[row.ID]
		if !ok {
			continue
		}
		k := row.toKey()
		k.Credential = cred
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *SQLKeyStore) RecordFailure(ctx context.Context, keyID string, threshold int, cooldown time.Duration) (Key, error) {
	updates := map[string]any{
		"failure_count": gorm.Expr("failure_count + 1"),
		"updated_at":    s.now().Unix(),
	}
	if cooldown > 0 {
		updates["disabled_until"] = s.now().Add(cooldown).Unix()
	}
	if threshold > 0 {
		updates["disabled"] = gorm.Expr("CASE WHEN failure_count + 1 >= ? THEN 1 ELSE disabled END", threshold)
		updates["disabled_reason"] = gorm.Expr("CASE WHEN failure_count + 1 >= ? AND disabled = 0 THEN ? ELSE disabled_reason END", threshold, reasonThreshold)
	}

	var row keyRow
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&keyRow{}).Where("id = ?", keyID).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
		}
		return tx.First(&row, "id = ?", keyID).Error
	})
	if err != nil {
		return Key{}, fmt.Errorf("failed to record failure: %w", err)
	}

	k := row.toKey()
	s.mu.RLock()
	k.Credential = s.creds[keyID]
	s.mu.RUnlock()
	return k, nil
}

func (s *SQLKeyStore) RecordSuccess(ctx context.Context, keyID string) error {
	return s.update(ctx, keyID, map[string]any{
		"failure_count":  0,
		"disabled_until": 0,
		"updated_at":     s.now().Unix(),
	})
}

func (s *SQLKeyStore) Disable(ctx context.Context, keyID, reason string) error {
	return s.update(ctx, keyID, map[string]any{
		"disabled":        true,
		"disabled_reason": reason,
		"updated_at":      s.now().Unix(),
	})
}

func (s *SQLKeyStore) update(ctx context.Context, keyID string, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&keyRow{}).Where("id = ?", keyID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update key %s: %w", keyID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return nil
}

func (s *SQLKeyStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		if errors.Is(err, gorm.ErrInvalidDB) {
			return nil
		}
		return err
	}
	return sqlDB.Close()
}

func (r keyRow) toKey() Key {
	k := Key{
		ID:             r.ID,
		Provider:       r.Provider,
		Priority:       r.Priority,
		FailureCount:   r.FailureCount,
		Disabled:       r.Disabled,
		DisabledReason: r.DisabledReason,
	}
	if r.DisabledUntil > 0 {
		k.DisabledUntil = time.Unix(r.DisabledUntil, 0)
	}
	return k
}
