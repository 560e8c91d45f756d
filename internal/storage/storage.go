// Package storage is the bounded per-tenant cache of coordinator instances.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/errgroup"

	"github.com/me/rollupd/internal/metrics"
)

// DefaultMax is the instance capacity used when Options.Max is not positive.
const DefaultMax = 250

// Instance is a cached coordinator.
type Instance interface {
	TestConnection(ctx context.Context) error
	TestOrchestratorConnections(ctx context.Context) error
	Release(ctx context.Context) error
}

// Options bounds the cache.
type Options struct {
	Max            int
	TTL            time.Duration // zero disables expiry
	UpdateAgeOnGet bool
}

type entry[T Instance] struct {
	value   T
	expires time.Time
}

// Storage maps orchestrator ids to instances. Instances leaving the cache by
// capacity eviction, expiry, replacement or Delete are released before the
// call that displaced them returns; Clear drops entries without releasing.
type Storage[T Instance] struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	lru     *simplelru.LRU[string, *entry[T]]
	evicted []T
}

// New creates a Storage.
func New[T Instance](opts Options, logger *slog.Logger) *Storage[T] {
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	s := &Storage[T]{
		opts:   opts,
		logger: logger.With("component", "orchestrator-storage"),
		now:    time.Now,
	}
	s.lru = s.newLRU()
	return s
}

func (s *Storage[T]) newLRU() *simplelru.LRU[string, *entry[T]] {
	l, err := simplelru.NewLRU[string, *entry[T]](s.opts.Max, func(id string, e *entry[T]) {
		s.evicted = append(s.evicted, e.value)
		s.logger.Debug("instance evicted", "orchestrator_id", id)
	})
	if err != nil {
		// Only returned for a non-positive size, which New rules out.
		panic(fmt.Sprintf("storage: %v", err))
	}
	return l
}

// Has reports whether a live instance is cached under id. It does not
// refresh recency or age.
func (s *Storage[T]) Has(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.lru.Peek(id)
	if ok && s.expired(e) {
		s.lru.Remove(id)
		ok = false
	}
	released := s.takeEvicted()
	s.mu.Unlock()

	s.release(ctx, released)
	return ok
}

// Get returns the instance cached under id.
func (s *Storage[T]) Get(ctx context.Context, id string) (T, bool) {
	s.mu.Lock()
	var (
		value T
		found bool
	)
	if e, ok := s.lru.Get(id); ok {
		if s.expired(e) {
			s.lru.Remove(id)
		} else {
			if s.opts.UpdateAgeOnGet && s.opts.TTL > 0 {
				e.expires = s.now().Add(s.opts.TTL)
			}
			value, found = e.value, true
		}
	}
	released := s.takeEvicted()
	s.mu.Unlock()

	s.release(ctx, released)
	return value, found
}

// Set caches value under id. An instance evicted to make room, or replaced
// under the same id, is released before Set returns.
func (s *Storage[T]) Set(ctx context.Context, id string, value T) {
	e := &entry[T]{value: value}
	if s.opts.TTL > 0 {
		e.expires = s.now().Add(s.opts.TTL)
	}

	s.mu.Lock()
	if old, ok := s.lru.Peek(id); ok && any(old.value) != any(value) {
		s.evicted = append(s.evicted, old.value)
	}
	s.lru.Add(id, e)
	released := s.takeEvicted()
	n := s.lru.Len()
	s.mu.Unlock()

	metrics.OrchestratorInstances.Set(float64(n))
	s.release(ctx, released)
}

// Delete removes and releases the instance cached under id.
func (s *Storage[T]) Delete(ctx context.Context, id string) bool {
	s.mu.Lock()
	ok := s.lru.Remove(id)
	released := s.takeEvicted()
	n := s.lru.Len()
	s.mu.Unlock()

	metrics.OrchestratorInstances.Set(float64(n))
	s.release(ctx, released)
	return ok
}

// Clear drops every entry without releasing it.
func (s *Storage[T]) Clear() {
	s.mu.Lock()
	s.lru = s.newLRU()
	s.evicted = nil
	s.mu.Unlock()
	metrics.OrchestratorInstances.Set(0)
}

// Len returns the number of cached entries, expired ones included until
// they are next touched.
func (s *Storage[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// TestConnections tests the driver connections of every cached instance.
func (s *Storage[T]) TestConnections(ctx context.Context) error {
	return s.each(ctx, func(ctx context.Context, v T) error { return v.TestConnection(ctx) })
}

// TestOrchestratorConnections tests the engine connections of every cached
// instance.
func (s *Storage[T]) TestOrchestratorConnections(ctx context.Context) error {
	return s.each(ctx, func(ctx context.Context, v T) error { return v.TestOrchestratorConnections(ctx) })
}

// ReleaseConnections releases every cached instance, waits for all of them,
// then clears the cache.
func (s *Storage[T]) ReleaseConnections(ctx context.Context) error {
	var g errgroup.Group
	for _, v := range s.values() {
		g.Go(func() error { return v.Release(ctx) })
	}
	err := g.Wait()
	s.Clear()
	return err
}

func (s *Storage[T]) each(ctx context.Context, fn func(context.Context, T) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, v := range s.values() {
		g.Go(func() error { return fn(ctx, v) })
	}
	return g.Wait()
}

func (s *Storage[T]) values() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.lru.Keys()
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.lru.Peek(k); ok {
			out = append(out, e.value)
		}
	}
	return out
}

func (s *Storage[T]) expired(e *entry[T]) bool {
	return !e.expires.IsZero() && !s.now().Before(e.expires)
}

// takeEvicted must be called with mu held.
func (s *Storage[T]) takeEvicted() []T {
	out := s.evicted
	s.evicted = nil
	return out
}

func (s *Storage[T]) release(ctx context.Context, instances []T) {
	for _, v := range instances {
		metrics.OrchestratorEvictions.Inc()
		if err := v.Release(ctx); err != nil {
			s.logger.Error("release evicted instance", "error", err)
		}
	}
}
