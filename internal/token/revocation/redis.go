// Package revocation keeps short-lived "revoked" markers in Redis so that every server process
// sees a logout or refresh before the token's own expiry.
package revocation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/devtizi/city-cab/internal/security"
)

const keyPrefix = "citycab:revoked:"

// Connect initializes a Redis client from URL or host:port input.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisStore stores revoked-token flags keyed by token fingerprint with TTL.
// A nil client disables the store: nothing is marked and nothing reads as revoked.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates the revocation store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// MarkRevoked flags token until expiresAt (at least one second).
func (s *RedisStore) MarkRevoked(ctx context.Context, token string, expiresAt time.Time) error {
	if s == nil || s.client == nil {
		return nil
	}
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return s.client.Set(ctx, keyPrefix+security.Fingerprint(token), "1", ttl).Err()
}

// IsRevoked reports whether token carries a revocation flag.
func (s *RedisStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	n, err := s.client.Exists(ctx, keyPrefix+security.Fingerprint(token)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
