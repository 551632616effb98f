package mcp

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisEvictionLock coordinates idle eviction across multiple muxd
// instances sharing the same workspace, so only one of them actually tears
// down a server pool (grounded on
// internal/workspaces/redis_cache.go's AcquireCommitLock/SetNX pattern).
type RedisEvictionLock struct {
	client redis.UniversalClient
}

// NewRedisEvictionLock dials redisURL; returns nil (no-op locking, always
// evict locally) when redisURL is empty, matching
// internal/config.MCPConfig's "RedisURL omitempty" default.
func NewRedisEvictionLock(redisURL string) (*RedisEvictionLock, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &RedisEvictionLock{client: client}, nil
}

func (l *RedisEvictionLock) key(workspaceID string) string {
	return "mcp:evict:" + workspaceID
}

// AcquireIdleEvictionLock reports whether the caller won the right to evict
// workspaceID's pool this sweep. A lost race means another instance is
// already handling it.
func (l *RedisEvictionLock) AcquireIdleEvictionLock(ctx context.Context, workspaceID string, ttl time.Duration) (bool, error) {
	if l == nil || l.client == nil {
		// NewRedisEvictionLock returned nil: callers that still wrap it in
		// the EvictionLocker interface (a typed nil) get "always evict
		// locally" rather than a nil-pointer panic.
		return true, nil
	}
	return l.client.SetNX(ctx, l.key(workspaceID), "1", ttl).Result()
}

// Close releases the underlying Redis connection.
func (l *RedisEvictionLock) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}
