package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/me/rollupd/internal/logging"
)

func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	if _, err := b.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get on empty cache: err = %v, want ErrMiss", err)
	}
	if err := b.Set(ctx, "k", []byte("v1"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := b.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("Get = %q, want v1", got)
	}
	if err := b.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after Delete: err = %v, want ErrMiss", err)
	}
	if err := b.TestConnection(ctx); err != nil {
		t.Errorf("TestConnection: %v", err)
	}
}

func TestMemory(t *testing.T) {
	exerciseBackend(t, NewMemory())
}

func TestMemory_Expiry(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := m.Get(ctx, "k"); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := m.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after expiry: err = %v, want ErrMiss", err)
	}
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	b := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logging.Discard())
	defer b.Close()

	exerciseBackend(t, b)

	ctx := context.Background()
	if err := b.Set(ctx, "ttl", []byte("x"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists(KeyPrefix + "ttl") {
		t.Fatal("expected prefixed key in redis")
	}
	mr.FastForward(2 * time.Minute)
	if _, err := b.Get(ctx, "ttl"); !errors.Is(err, ErrMiss) {
		t.Errorf("Get after ttl: err = %v, want ErrMiss", err)
	}
}

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := New(Options{}, logging.Discard())
	if err != nil {
		t.Fatalf("New memory: %v", err)
	}
	if _, ok := b.(*Memory); !ok {
		t.Errorf("default backend = %T, want *Memory", b)
	}

	b, err = New(Options{Driver: "redis", RedisURL: "redis://" + mr.Addr()}, logging.Discard())
	if err != nil {
		t.Fatalf("New redis: %v", err)
	}
	defer b.Close()
	if err := b.TestConnection(context.Background()); err != nil {
		t.Errorf("TestConnection: %v", err)
	}

	if _, err := New(Options{Driver: "redis"}, logging.Discard()); err == nil {
		t.Error("expected error for redis without url")
	}
	if _, err := New(Options{Driver: "memcached"}, logging.Discard()); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestWithPrefix(t *testing.T) {
	ctx := context.Background()
	shared := NewMemory()
	a := WithPrefix(shared, "a:")
	b := WithPrefix(shared, "b:")
	exerciseBackend(t, a)

	if err := a.Set(ctx, "k", []byte("from-a"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := b.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Errorf("prefixes must not share keys: err = %v", err)
	}
	if got, err := shared.Get(ctx, "a:k"); err != nil || string(got) != "from-a" {
		t.Errorf("shared Get = %q, %v", got, err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := shared.Get(ctx, "a:k"); err != nil {
		t.Errorf("closing a view must leave the shared backend usable: %v", err)
	}
}
