package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the key is absent or its TTL has elapsed.
	ErrNotFound = errors.New("kv: key not found")
	// ErrInvalidKey indicates an empty key was supplied.
	ErrInvalidKey = errors.New("kv: invalid key")
)

// Store is the flat string-to-string namespace shared by every component.
// A zero ttl means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error)
}

// GetJSON reads key and decodes its value into dest.
func GetJSON(ctx context.Context, store Store, key string, dest any) error {
	raw, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("kv: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes value and writes it at key.
func SetJSON(ctx context.Context, store Store, key string, value any, ttl time.Duration) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("kv: encode %s: %w", key, err)
	}
	return store.Set(ctx, key, string(encoded), ttl)
}

// GetStringList reads a JSON array of strings; a missing key yields an empty list.
func GetStringList(ctx context.Context, store Store, key string) ([]string, error) {
	var values []string
	err := GetJSON(ctx, store, key, &values)
	if errors.Is(err, ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = []string{}
	}
	return values, nil
}
