package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Locker hands out short-lived exclusive locks across workers
// ⭐ SSOT: 분산 락은 여기서만
// With redis disabled the lock is process-local.
type Locker struct {
	client *Client
	prefix string

	mu    sync.Mutex
	local map[string]time.Time
}

// Lock is a held lock; call Release when done
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// NewLocker creates a lock helper
func NewLocker(client *Client, prefix string) *Locker {
	return &Locker{
		client: client,
		prefix: prefix,
		local:  make(map[string]time.Time),
	}
}

// TryAcquire takes the lock if free. Returns (nil, nil) when held elsewhere.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	key := fmt.Sprintf("%s:lock:%s", l.prefix, name)
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	if l.client == nil || !l.client.Enabled() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if exp, held := l.local[key]; held && time.Now().Before(exp) {
			return nil, nil
		}
		l.local[key] = time.Now().Add(ttl)
		return &Lock{locker: l, key: key, token: token}, nil
	}

	ok, err := l.client.Redis().SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{locker: l, key: key, token: token}, nil
}

// Release frees the lock if this holder still owns it
func (lk *Lock) Release(ctx context.Context) error {
	l := lk.locker
	if l.client == nil || !l.client.Enabled() {
		l.mu.Lock()
		delete(l.local, lk.key)
		l.mu.Unlock()
		return nil
	}

	if err := releaseScript.Run(ctx, l.client.Redis(), []string{lk.key}, lk.token).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

func newToken() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("lock token: %w", err)
	}
	return id.String(), nil
}
