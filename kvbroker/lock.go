package kvbroker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lock is an advisory lock with ownership and fencing. Each successful
// acquisition draws a monotonically increasing fencing token from a
// per-lock counter, so external systems can reject writes from a holder
// whose lock has since been lost and re-granted.
//
// Ownership can lapse silently if the TTL expires before Reacquire runs;
// long-running holders must call Owned before acting on shared state.
type Lock struct {
	client *Client
	name   string
	token  string
	fence  int64
	ttl    time.Duration
}

// releaseScript deletes the lock key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`)

// reacquireScript extends the TTL only when the caller still owns the lock.
var reacquireScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`)

// AcquireLock attempts to take the named lock. When blocking is false a
// held lock returns (nil, nil) immediately; when true the call polls until
// the lock is granted or ctx is done.
func (c *Client) AcquireLock(ctx context.Context, name string, ttl time.Duration, blocking bool) (*Lock, error) {
	token := uuid.NewString()
	key := "lock:" + name

	for {
		ok, err := c.Set(ctx, key, token, ttl, true)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		if ok {
			fence, err := c.Incr(ctx, "lock_seq:"+name)
			if err != nil {
				// Best effort rollback; the TTL cleans up regardless.
				_ = c.Delete(ctx, key)
				return nil, fmt.Errorf("failed to draw fencing token for %s: %w", name, err)
			}
			return &Lock{client: c, name: name, token: token, fence: fence, ttl: ttl}, nil
		}
		if !blocking {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// Name returns the lock name.
func (l *Lock) Name() string { return l.name }

// FencingToken returns the monotonically increasing token drawn at
// acquisition.
func (l *Lock) FencingToken() int64 { return l.fence }

// Owned reports whether the caller still holds the lock.
func (l *Lock) Owned(ctx context.Context) (bool, error) {
	val, err := l.client.Get(ctx, "lock:"+l.name)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == l.token, nil
}

// Reacquire extends the lock TTL. Returns false when ownership has lapsed.
func (l *Lock) Reacquire(ctx context.Context) (bool, error) {
	res, err := reacquireScript.Run(ctx, l.client.rdb,
		[]string{l.client.key("lock:" + l.name)},
		l.token, strconv.FormatInt(l.ttl.Milliseconds(), 10)).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to reacquire lock %s: %w", l.name, err)
	}
	return res == 1, nil
}

// Release drops the lock. A release by a non-owner (TTL elapsed, lock
// re-granted elsewhere) is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client.rdb,
		[]string{l.client.key("lock:" + l.name)}, l.token).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", l.name, err)
	}
	return nil
}
