// Package lease keeps two runs from working on the same recording or the same
// working tree at once.
package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	keyPrefix  = "pipeline:lease:"
	DefaultTTL = 6 * time.Hour
)

var ErrLocked = errors.New("working directory is locked by another run")

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

type Lease interface {
	// Acquire reports false when another run holds id.
	Acquire(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

type kv interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisLease struct {
	client kv
	ttl    time.Duration
	owner  string

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedis leases record ids with SET NX and a TTL so a crashed run frees
// its records eventually.
func NewRedis(client kv, ttl time.Duration) Lease {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &redisLease{client: client, ttl: ttl, owner: uuid.NewString(), tokens: map[string]string{}}
}

func Key(id string) string {
	return keyPrefix + id
}

func (l *redisLease) Acquire(ctx context.Context, id string) (bool, error) {
	token := l.owner + ":" + uuid.NewString()
	ok, err := l.client.SetNX(ctx, Key(id), token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", id, err)
	}
	if !ok {
		return false, nil
	}

	l.mu.Lock()
	l.tokens[id] = token
	l.mu.Unlock()
	return true, nil
}

func (l *redisLease) Release(ctx context.Context, id string) error {
	l.mu.Lock()
	token, ok := l.tokens[id]
	delete(l.tokens, id)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	if err := l.client.Eval(ctx, releaseScript, []string{Key(id)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lease %s: %w", id, err)
	}
	return nil
}

type noop struct{}

// Noop always grants the lease.
func Noop() Lease {
	return noop{}
}

func (noop) Acquire(context.Context, string) (bool, error) { return true, nil }
func (noop) Release(context.Context, string) error         { return nil }

// HostLock takes an exclusive lock file inside dir. The caller unlocks it
// when the run ends.
func HostLock(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, ".pipeline.lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, lock.Path())
	}
	return lock, nil
}
