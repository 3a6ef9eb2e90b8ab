package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestMemLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	l := NewMemLocker()
	l.now = func() time.Time { return now }

	lease, err := l.Acquire(ctx, RunLeaseKey("r1"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, RunLeaseKey("r1"), time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("second Acquire = %v, want ErrLeaseHeld", err)
	}
	if held, _ := l.Held(ctx, RunLeaseKey("r1")); !held {
		t.Error("Held = false while leased")
	}
	if _, err := l.Acquire(ctx, RunLeaseKey("r2"), time.Minute); err != nil {
		t.Errorf("other key: %v", err)
	}

	now = now.Add(30 * time.Second)
	if err := lease.Refresh(ctx, time.Minute); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	now = now.Add(50 * time.Second)
	if held, _ := l.Held(ctx, RunLeaseKey("r1")); !held {
		t.Error("refreshed lease expired early")
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if held, _ := l.Held(ctx, RunLeaseKey("r1")); held {
		t.Error("Held = true after Release")
	}
}

func TestMemLocker_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	l := NewMemLocker()
	l.now = func() time.Time { return now }

	stale, err := l.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)

	if held, _ := l.Held(ctx, "k"); held {
		t.Error("expired lease still held")
	}
	fresh, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if err := stale.Refresh(ctx, time.Minute); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("stale Refresh = %v, want ErrLeaseExpired", err)
	}
	// A stale holder must not release the new lease.
	_ = stale.Release(ctx)
	if held, _ := l.Held(ctx, "k"); !held {
		t.Error("stale Release removed the new lease")
	}
	_ = fresh.Release(ctx)
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	l, err := NewRedisLocker(client, "")
	if err != nil {
		t.Fatal(err)
	}

	lease, err := l.Acquire(ctx, RunLeaseKey("r1"), time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !mr.Exists("petalrun:lease:run:r1") {
		t.Error("lease key not written")
	}
	if _, err := l.Acquire(ctx, RunLeaseKey("r1"), time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("second Acquire = %v, want ErrLeaseHeld", err)
	}
	if held, err := l.Held(ctx, RunLeaseKey("r1")); err != nil || !held {
		t.Errorf("Held = %t, %v", held, err)
	}
	if err := lease.Refresh(ctx, 2*time.Minute); err != nil {
		t.Errorf("Refresh: %v", err)
	}
	if ttl := mr.TTL("petalrun:lease:run:r1"); ttl != 2*time.Minute {
		t.Errorf("ttl = %v, want 2m", ttl)
	}

	if err := lease.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if held, _ := l.Held(ctx, RunLeaseKey("r1")); held {
		t.Error("Held = true after Release")
	}
}

func TestRedisLocker_ExpiredLease(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()
	l, _ := NewRedisLocker(client, "test:")

	stale, err := l.Acquire(ctx, "k", time.Second)
	if err != nil {
		t.Fatal(err)
	}
	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	if err := stale.Refresh(ctx, time.Minute); !errors.Is(err, ErrLeaseExpired) {
		t.Errorf("stale Refresh = %v, want ErrLeaseExpired", err)
	}
	if err := stale.Release(ctx); err != nil {
		t.Fatal(err)
	}
	if held, _ := l.Held(ctx, "k"); !held {
		t.Error("stale Release removed the new lease")
	}
	_ = fresh.Release(ctx)
}

func TestNewRedisLocker_RequiresClient(t *testing.T) {
	if _, err := NewRedisLocker(nil, ""); err == nil {
		t.Fatal("expected error")
	}
}
