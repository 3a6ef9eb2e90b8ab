package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Locker hands out exclusive, expiring leases. Workers hold a lease on a
// run for as long as they execute it, so two attempts of the same run
// never overlap.
type Locker interface {
	// Acquire takes the lease on key or fails with ErrLeaseHeld.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
	// Held reports whether anyone holds key.
	Held(ctx context.Context, key string) (bool, error)
}

// Lease is an acquired lock.
type Lease interface {
	// Refresh extends the lease; ErrLeaseExpired means it was lost.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release gives the lease up. Releasing a lost lease is a no-op.
	Release(ctx context.Context) error
}

// RunLeaseKey is the lease key for a run.
func RunLeaseKey(runID string) string {
	return "run:" + runID
}

// MemLocker is an in-process Locker.
type MemLocker struct {
	mu     sync.Mutex
	leases map[string]memLeaseState
	now    func() time.Time
}

type memLeaseState struct {
	token   string
	expires time.Time
}

// NewMemLocker creates an in-process locker.
func NewMemLocker() *MemLocker {
	return &MemLocker{leases: make(map[string]memLeaseState), now: time.Now}
}

func (l *MemLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}
	token := uuid.NewString()
	l.leases[key] = memLeaseState{token: token, expires: now.Add(ttl)}
	return &memLease{locker: l, key: key, token: token}, nil
}

func (l *MemLocker) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	return ok && l.now().Before(cur.expires), nil
}

type memLease struct {
	locker *MemLocker
	key    string
	token  string
}

func (m *memLease) Refresh(_ context.Context, ttl time.Duration) error {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[m.key]
	now := l.now()
	if !ok || cur.token != m.token || !now.Before(cur.expires) {
		return fmt.Errorf("%w: %s", ErrLeaseExpired, m.key)
	}
	l.leases[m.key] = memLeaseState{token: m.token, expires: now.Add(ttl)}
	return nil
}

func (m *memLease) Release(_ context.Context) error {
	l := m.locker
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[m.key]; ok && cur.token == m.token {
		delete(l.leases, m.key)
	}
	return nil
}

var releaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and token-checked release,
// so leases work across worker processes.
type RedisLocker struct {
	client *goredis.Client
	prefix string
}

// NewRedisLocker creates a locker on client. Keys are namespaced under
// prefix (default: petalrun:lease:).
func NewRedisLocker(client *goredis.Client, prefix string) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis locker requires a client")
	}
	if prefix == "" {
		prefix = "petalrun:lease:"
	}
	return &RedisLocker{client: client, prefix: prefix}, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis locker: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLeaseHeld, key)
	}
	return &redisLease{client: l.client, key: l.prefix + key, token: token}, nil
}

func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("redis locker: check %s: %w", key, err)
	}
	return n > 0, nil
}

type redisLease struct {
	client *goredis.Client
	key    string
	token  string
}

func (r *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.client, []string{r.key}, r.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis locker: refresh %s: %w", r.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseExpired, r.key)
	}
	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("redis locker: release %s: %w", r.key, err)
	}
	return nil
}

// Compile-time interface checks.
var (
	_ Locker = (*MemLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
