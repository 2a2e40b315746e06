// Package cache defines the key/value store used for cache-aside fetches.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is an asynchronous key/value store with per-entry TTL.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key. ok is false on a miss or an expired entry.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key for ttl. A zero ttl never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Key builds the cache key "{source}:{query}:{serialized_params}".
// Params are serialized as JSON, which sorts map keys, so equal maps give equal keys.
func Key(source, query string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to serialize params: %w", err)
	}
	return source + ":" + query + ":" + string(b), nil
}
