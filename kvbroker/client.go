// Package kvbroker provides the typed client for the orchestrator's
// key/value broker (any Redis-protocol store: Redis, Valkey, DragonflyDB).
//
// The broker is the source of truth for all coordination state: fences,
// task-sets, active-fence registries, liveness signals, and advisory locks.
// Every operation is tenant-scoped by transparent key-prefix injection, so
// callers work with logical keys and never see another tenant's namespace.
//
// A dedicated replica handle is exposed for read-only scans so that
// registry reconciliation does not put SCAN load on the primary.
//
// Failure semantics: transient I/O errors bubble up to the caller, which
// decides whether to retry. Lock ownership may be lost silently if the TTL
// elapsed without a Reacquire; callers must check Owned before acting on
// shared state.
package kvbroker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is a tenant-scoped handle on the KV broker. Cheap to copy; create
// one per unit of work via Broker.ForTenant.
type Client struct {
	rdb     *redis.Client
	replica *redis.Client
	prefix  string
}

// Broker owns the underlying connections and mints tenant-scoped clients.
type Broker struct {
	primary *redis.Client
	replica *redis.Client
}

// NewBroker connects to the primary broker and, when replicaURL is
// non-empty, to a read replica for scan traffic.
func NewBroker(url, replicaURL string) (*Broker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse broker URL: %w", err)
	}
	primary := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := primary.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	replica := primary
	if replicaURL != "" {
		ropts, err := redis.ParseURL(replicaURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse replica URL: %w", err)
		}
		replica = redis.NewClient(ropts)
		if err := replica.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to replica: %w", err)
		}
	}

	return &Broker{primary: primary, replica: replica}, nil
}

// NewBrokerFromClients wraps pre-built redis clients. Used by tests with
// miniredis and by callers that manage connection lifecycle themselves.
func NewBrokerFromClients(primary, replica *redis.Client) *Broker {
	if replica == nil {
		replica = primary
	}
	return &Broker{primary: primary, replica: replica}
}

// ForTenant returns a client whose every key is transparently prefixed with
// the tenant namespace.
func (b *Broker) ForTenant(tenantID string) *Client {
	return &Client{
		rdb:     b.primary,
		replica: b.replica,
		prefix:  tenantID + ":",
	}
}

// Close releases both connections.
func (b *Broker) Close() error {
	if b.replica != nil && b.replica != b.primary {
		b.replica.Close()
	}
	return b.primary.Close()
}

// Prefix returns the tenant key prefix, primarily for logging.
func (c *Client) Prefix() string { return c.prefix }

func (c *Client) key(k string) string { return c.prefix + k }

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = redis.Nil

// Get retrieves the string value at key. Returns ErrNotFound for missing
// keys.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	return c.rdb.Get(ctx, c.key(key)).Result()
}

// Set stores value at key. A zero ttl means no expiration. When nx is true
// the write only happens if the key does not exist; the bool result reports
// whether the write happened.
func (c *Client) Set(ctx context.Context, key string, value string, ttl time.Duration, nx bool) (bool, error) {
	if nx {
		return c.rdb.SetNX(ctx, c.key(key), value, ttl).Result()
	}
	err := c.rdb.Set(ctx, c.key(key), value, ttl).Err()
	return err == nil, err
}

// Delete removes one or more keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	return c.rdb.Del(ctx, full...).Err()
}

// Exists reports whether the key is present.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Incr atomically increments the integer at key, creating it at 1.
func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, c.key(key)).Result()
}

// Expire sets a fresh TTL on an existing key.
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.Expire(ctx, c.key(key), ttl).Result()
}

// SAdd adds members to the set at key.
func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return c.rdb.SAdd(ctx, c.key(key), vals...).Err()
}

// SRem removes members from the set at key.
func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	vals := make([]interface{}, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return c.rdb.SRem(ctx, c.key(key), vals...).Err()
}

// SMembers returns all members of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, c.key(key)).Result()
}

// SIsMember reports set membership.
func (c *Client) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	return c.rdb.SIsMember(ctx, c.key(key), member).Result()
}

// SCard returns the cardinality of the set at key.
func (c *Client) SCard(ctx context.Context, key string) (int64, error) {
	return c.rdb.SCard(ctx, c.key(key)).Result()
}

// SetAndRegister atomically writes a string key and adds its logical name
// to the registry set. Fence creation uses this so a fence is never visible
// without its registry entry.
func (c *Client) SetAndRegister(ctx context.Context, key, value, registry string) error {
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, c.key(key), value, 0)
		p.SAdd(ctx, c.key(registry), key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set and register %s: %w", key, err)
	}
	return nil
}

// DeleteAndDeregister atomically deletes the given keys and removes the
// first key's logical name from the registry set. Fence resets use this so
// the registry never references a deleted fence.
func (c *Client) DeleteAndDeregister(ctx context.Context, registry string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SRem(ctx, c.key(registry), keys[0])
		for _, k := range keys {
			p.Del(ctx, c.key(k))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete and deregister %s: %w", keys[0], err)
	}
	return nil
}

// Scan iterates keys matching the logical pattern on the replica handle,
// returning logical (unprefixed) keys. Used by registry reconciliation and
// the beat's lookup-table maintenance; never run scans against the primary.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	var cursor uint64
	full := c.key(pattern)
	for {
		keys, next, err := c.replica.Scan(ctx, cursor, full, 512).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %q failed: %w", pattern, err)
		}
		for _, k := range keys {
			out = append(out, k[len(c.prefix):])
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
