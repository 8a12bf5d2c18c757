package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Entry is the row backing a single key in the SQLite store.
type Entry struct {
	Key             string `gorm:"column:entry_key;primaryKey;size:512;not null"`
	Value           string `gorm:"column:entry_value;type:text;not null"`
	ExpiresAtMillis int64  `gorm:"column:expires_at_ms;not null;default:0;index"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

func (e Entry) expired(now time.Time) bool {
	return e.ExpiresAtMillis > 0 && e.ExpiresAtMillis <= now.UnixMilli()
}

// SQLiteStoreConfig describes the dependencies of the single-node store.
type SQLiteStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// SQLiteStore implements Store on a single SQLite table. Expired rows are
// hidden on read and removed lazily or by PurgeExpired.
type SQLiteStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteStore constructs the store; the kv_entries table must already exist.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, errors.New("kv: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	// Misses are normal here; keep gorm's "record not found" traces out of stderr.
	db := cfg.Database.Session(&gorm.Session{Logger: gormlogger.Discard})
	return &SQLiteStore{db: db, clock: clock}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if now := s.clock(); entry.expired(now) {
		// A concurrent Set may have replaced the row since Take.
		_ = s.db.WithContext(ctx).
			Where("entry_key = ? AND expires_at_ms > 0 AND expires_at_ms <= ?", key, now.UnixMilli()).
			Delete(&Entry{}).Error
		return "", ErrNotFound
	}
	return entry.Value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	entry := Entry{Key: key, Value: value, ExpiresAtMillis: s.expiry(ttl)}
	return upsert(s.db.WithContext(ctx), &entry)
}

func upsert(db *gorm.DB, entry *Entry) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "expires_at_ms"}),
	}).Create(entry).Error
}

func (s *SQLiteStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("entry_key IN ?", keys).Delete(&Entry{}).Error
}

// Keys matches with SQLite GLOB, which shares the Redis glob syntax and is case sensitive.
func (s *SQLiteStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys := make([]string, 0)
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("entry_key GLOB ?", pattern).
		Where("(expires_at_ms = 0 OR expires_at_ms > ?)", s.clock().UnixMilli()).
		Order("entry_key").
		Pluck("entry_key", &keys).
		Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	now := s.clock()
	if ttl <= 0 {
		// Redis deletes a key whose TTL is set to a non-positive value.
		result := s.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&Entry{})
		return result.RowsAffected > 0, result.Error
	}
	result := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("entry_key = ?", key).
		Where("(expires_at_ms = 0 OR expires_at_ms > ?)", now.UnixMilli()).
		Update("expires_at_ms", now.Add(ttl).UnixMilli())
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *SQLiteStore) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}
	var count int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Where("entry_key = ?", key).Take(&entry).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, gorm.ErrRecordNotFound) || entry.expired(s.clock()) {
			entry = Entry{Key: key, ExpiresAtMillis: s.expiry(window)}
		} else {
			current, parseErr := strconv.ParseInt(entry.Value, 10, 64)
			if parseErr != nil {
				return fmt.Errorf("kv: value at %s is not an integer", key)
			}
			count = current
			if entry.ExpiresAtMillis == 0 {
				entry.ExpiresAtMillis = s.expiry(window)
			}
		}
		count++
		entry.Value = strconv.FormatInt(count, 10)
		return upsert(tx, &entry)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// PurgeExpired deletes every row whose TTL has elapsed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at_ms > 0 AND expires_at_ms <= ?", s.clock().UnixMilli()).
		Delete(&Entry{})
	return result.RowsAffected, result.Error
}

func (s *SQLiteStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock().Add(ttl).UnixMilli()
}
