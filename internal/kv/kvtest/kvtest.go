// Package kvtest provides an in-memory Redis-backed store for tests.
package kvtest

import (
	"testing"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// NewStore starts a miniredis server bound to the test lifetime and returns a
// store backed by it together with the server for TTL fast-forwarding.
func NewStore(t testing.TB) (*kv.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := kv.NewRedisStore(client)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, server
}
