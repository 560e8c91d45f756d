// Package cache stores query results and refresh-key values for the
// execution engine. Backends are in-process memory and Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Backend is a byte-oriented key/value cache with per-entry TTL.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	TestConnection(ctx context.Context) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver   string // "memory" (default) or "redis"
	RedisURL string
}

// New constructs the backend named by opts.Driver.
func New(opts Options, logger *slog.Logger) (Backend, error) {
	switch opts.Driver {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedisFromURL(opts.RedisURL, logger)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", opts.Driver)
	}
}
