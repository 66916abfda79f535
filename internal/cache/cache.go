// Package cache provides the ephemeral key/value store used for inference
// in-flight markers and cached round results.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrMiss is returned when a key does not exist or has expired.
var ErrMiss = errors.New("cache miss")

// Cache is a string key/value store with per-key expiry.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

// InFlightKey marks the pending inference task of (session, round). Its value is the task id.
func InFlightKey(sessionID string, round int) string {
	return fmt.Sprintf("bizsim:inflight:%s:%d", sessionID, round)
}

// ResultKey holds the cached round result of (session, round).
func ResultKey(sessionID string, round int) string {
	return fmt.Sprintf("bizsim:result:%s:%d", sessionID, round)
}
