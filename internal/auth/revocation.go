package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RevocationList is the logout blacklist consulted before a token is trusted.
type RevocationList interface {
	Revoke(ctx context.Context, token string, ttl time.Duration) error
	IsRevoked(ctx context.Context, token string) (bool, error)
}

const revokedKeyPrefix = "cohive:revoked:"

// revokedKey hashes the token so raw credentials never sit in redis.
func revokedKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return revokedKeyPrefix + hex.EncodeToString(sum[:])
}

// RedisRevocationList stores revoked tokens in redis with an expiry.
type RedisRevocationList struct {
	pool *redis.Pool
}

// NewRedisPool creates a connection pool for the given redis URL.
func NewRedisPool(url string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialURLContext(ctx, url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// NewRedisRevocationList wraps an existing pool.
func NewRedisRevocationList(pool *redis.Pool) *RedisRevocationList {
	return &RedisRevocationList{pool: pool}
}

// Ping verifies that redis is reachable.
func (l *RedisRevocationList) Ping(ctx context.Context) error {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis conn: %w", err)
	}
	defer conn.Close()
	if _, err := redis.DoContext(conn, ctx, "PING"); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Revoke blacklists the token for ttl.
func (l *RedisRevocationList) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("get redis conn: %w", err)
	}
	defer conn.Close()

	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	if _, err := redis.DoContext(conn, ctx, "SET", revokedKey(token), "logout", "EX", seconds); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token was revoked and has not expired yet.
func (l *RedisRevocationList) IsRevoked(ctx context.Context, token string) (bool, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return false, fmt.Errorf("get redis conn: %w", err)
	}
	defer conn.Close()

	n, err := redis.Int(redis.DoContext(conn, ctx, "EXISTS", revokedKey(token)))
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

// Close releases the pool.
func (l *RedisRevocationList) Close() error {
	return l.pool.Close()
}

// MemoryRevocationList keeps revoked tokens in process memory. It is used
// when no redis URL is configured and in tests.
type MemoryRevocationList struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocationList creates an empty in-memory list.
func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Revoke blacklists the token for ttl.
func (l *MemoryRevocationList) Revoke(_ context.Context, token string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for k, exp := range l.entries {
		if !exp.After(now) {
			delete(l.entries, k)
		}
	}
	l.entries[revokedKey(token)] = now.Add(ttl)
	return nil
}

// IsRevoked reports whether the token was revoked and has not expired yet.
func (l *MemoryRevocationList) IsRevoked(_ context.Context, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	exp, ok := l.entries[revokedKey(token)]
	if !ok {
		return false, nil
	}
	if !exp.After(l.now()) {
		delete(l.entries, revokedKey(token))
		return false, nil
	}
	return true, nil
}
