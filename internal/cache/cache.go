// Package cache provides the query result cache used by the read helpers.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sandwichfarm/pulsr/internal/config"
)

// Cache stores opaque values by key with a TTL
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// New builds the cache selected by configuration
func New(ctx context.Context, cfg *config.Caching) (Cache, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}

	switch cfg.Engine {
	case "memory":
		return NewMemory(), nil
	case "redis":
		c, err := NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize redis cache: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported cache engine: %s", cfg.Engine)
	}
}

// Fetch returns the cached JSON value for key, or computes, stores and returns it.
// Cache failures fall through to fn; only fn's error is returned.
func Fetch[T any](ctx context.Context, c Cache, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	if c != nil {
		if data, ok, err := c.Get(ctx, key); err == nil && ok {
			var cached T
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	value, err := fn()
	if err != nil {
		return value, err
	}

	if c != nil {
		if data, err := json.Marshal(value); err == nil {
			_ = c.Set(ctx, key, data, ttl)
		}
	}

	return value, nil
}

// Noop is the cache used when caching is disabled
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Delete(context.Context, string) error                     { return nil }
func (Noop) Close() error                                             { return nil }
