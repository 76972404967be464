package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLockerWithClient(client, time.Minute)
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := newLocker(t)

	lease, ok, err := l.Acquire(ctx, "mouse-1")
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, ok=%v err=%v", ok, err)
	}
	if _, ok, _ := l.Acquire(ctx, "mouse-1"); ok {
		t.Fatalf("expected second acquire to be refused")
	}
	if _, ok, _ := l.Acquire(ctx, "mouse-2"); !ok {
		t.Fatalf("other partitions must stay free")
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if holder, _ := l.Holder(ctx, "mouse-1"); holder != "" {
		t.Fatalf("expected partition free after release, held by %q", holder)
	}
	if _, ok, _ := l.Acquire(ctx, "mouse-1"); !ok {
		t.Fatalf("expected acquire after release")
	}
}

func TestExpiredLeaseIsLost(t *testing.T) {
	ctx := context.Background()
	l, mr := newLocker(t)

	lease, ok, err := l.Acquire(ctx, "mouse-1")
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if err := lease.Extend(ctx); err != nil {
		t.Fatalf("extend while held: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	other, ok, err := l.Acquire(ctx, "mouse-1")
	if err != nil || !ok {
		t.Fatalf("expected takeover after expiry: ok=%v err=%v", ok, err)
	}
	if err := lease.Extend(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on extend, got %v", err)
	}
	if err := lease.Release(ctx); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on release, got %v", err)
	}
	if holder, _ := l.Holder(ctx, "mouse-1"); holder == "" {
		t.Fatalf("stale release must not free the new holder's lease")
	}
	_ = other.Release(ctx)
}

func TestNoopAlwaysGrants(t *testing.T) {
	lease, ok, err := Noop{}.Acquire(context.Background(), "x")
	if err != nil || !ok {
		t.Fatalf("noop acquire: ok=%v err=%v", ok, err)
	}
	if err := lease.Extend(context.Background()); err != nil {
		t.Fatalf("noop extend: %v", err)
	}
}
