// Package cache holds the key-value cache used for conversation listings.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrMiss signals that a key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the key-value contract the chat service depends on. Values are
// opaque strings; implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes keys and returns how many existed.
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// ConversationsKey is the cache key for a user's conversation listing.
func ConversationsKey(userID string) string {
	return "conversations:" + userID
}

// GetJSON decodes the cached value for key into v.
func GetJSON(ctx context.Context, c Cache, key string, v any) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, string(raw), ttl)
}
