package cache

import (
	"context"
	"time"
)

// Prefixed namespaces the keys of a shared backend. Close is a no-op; the
// shared backend is closed by its owner.
type Prefixed struct {
	backend Backend
	prefix  string
}

// WithPrefix returns a view of backend whose keys start with prefix.
func WithPrefix(backend Backend, prefix string) *Prefixed {
	return &Prefixed{backend: backend, prefix: prefix}
}

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, error) {
	return p.backend.Get(ctx, p.prefix+key)
}

func (p *Prefixed) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return p.backend.Set(ctx, p.prefix+key, value, ttl)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.backend.Delete(ctx, p.prefix+key)
}

func (p *Prefixed) TestConnection(ctx context.Context) error {
	return p.backend.TestConnection(ctx)
}

func (p *Prefixed) Close() error { return nil }
