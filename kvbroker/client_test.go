package kvbroker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewBrokerFromClients(client, nil), mr
}

func TestClient_TenantPrefixing(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()

	a := broker.ForTenant("tenant_a")
	b := broker.ForTenant("tenant_b")

	_, err := a.Set(ctx, "onyx:signal:block", "1", 0, false)
	require.NoError(t, err)

	// Raw key carries the tenant prefix.
	assert.True(t, mr.Exists("tenant_a:onyx:signal:block"))

	// The other tenant cannot see it.
	_, err = b.Get(ctx, "onyx:signal:block")
	assert.ErrorIs(t, err, ErrNotFound)

	val, err := a.Get(ctx, "onyx:signal:block")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
}

func TestClient_SetNX(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")

	ok, err := c.Set(ctx, "k", "first", 0, true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Set(ctx, "k", "second", 0, true)
	require.NoError(t, err)
	assert.False(t, ok)

	val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "first", val)
}

func TestClient_SetWithTTL(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")

	_, err := c.Set(ctx, "ephemeral", "1", 30*time.Second, false)
	require.NoError(t, err)

	mr.FastForward(time.Minute)

	_, err = c.Get(ctx, "ephemeral")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClient_SetOperations(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")

	require.NoError(t, c.SAdd(ctx, "fences", "a", "b", "c"))

	n, err := c.SCard(ctx, "fences")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	ok, err := c.SIsMember(ctx, "fences", "b")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.SRem(ctx, "fences", "b"))

	members, err := c.SMembers(ctx, "fences")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestClient_Incr(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")

	n, err := c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = c.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestClient_ScanReturnsLogicalKeys(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")
	other := broker.ForTenant("t2")

	for _, k := range []string{"onyx:indexing:fence:1/1", "onyx:indexing:fence:2/1"} {
		_, err := c.Set(ctx, k, "{}", 0, false)
		require.NoError(t, err)
	}
	_, err := other.Set(ctx, "onyx:indexing:fence:9/9", "{}", 0, false)
	require.NoError(t, err)

	keys, err := c.Scan(ctx, "onyx:indexing:fence:*")
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{"onyx:indexing:fence:1/1", "onyx:indexing:fence:2/1"}, keys)
}

func TestLock_NonBlockingSingleFlight(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")

	first, err := c.AcquireLock(ctx, "beat:check_for_indexing", time.Minute, false)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := c.AcquireLock(ctx, "beat:check_for_indexing", time.Minute, false)
	require.NoError(t, err)
	assert.Nil(t, second, "second non-blocking acquisition must return nil")

	require.NoError(t, first.Release(ctx))

	third, err := c.AcquireLock(ctx, "beat:check_for_indexing", time.Minute, false)
	require.NoError(t, err)
	assert.NotNil(t, third)
}

func TestLock_FencingTokensIncrease(t *testing.T) {
	broker, _ := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")

	l1, err := c.AcquireLock(ctx, "l", time.Minute, false)
	require.NoError(t, err)
	require.NoError(t, l1.Release(ctx))

	l2, err := c.AcquireLock(ctx, "l", time.Minute, false)
	require.NoError(t, err)

	assert.Greater(t, l2.FencingToken(), l1.FencingToken())
}

func TestLock_OwnershipLapsesAfterTTL(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")

	l, err := c.AcquireLock(ctx, "l", time.Second, false)
	require.NoError(t, err)

	owned, err := l.Owned(ctx)
	require.NoError(t, err)
	assert.True(t, owned)

	mr.FastForward(2 * time.Second)

	owned, err = l.Owned(ctx)
	require.NoError(t, err)
	assert.False(t, owned)

	ok, err := l.Reacquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLock_ReacquireExtendsTTL(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")

	l, err := c.AcquireLock(ctx, "l", 10*time.Second, false)
	require.NoError(t, err)

	mr.FastForward(8 * time.Second)

	ok, err := l.Reacquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(8 * time.Second)

	owned, err := l.Owned(ctx)
	require.NoError(t, err)
	assert.True(t, owned, "reacquire must have reset the TTL")
}

func TestLock_ReleaseByNonOwnerIsNoop(t *testing.T) {
	broker, mr := newTestBroker(t)
	ctx := context.Background()
	c := broker.ForTenant("t1")

	stale, err := c.AcquireLock(ctx, "l", time.Second, false)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	// Someone else takes the lock after the TTL lapse.
	fresh, err := c.AcquireLock(ctx, "l", time.Minute, false)
	require.NoError(t, err)
	require.NotNil(t, fresh)

	// The stale holder releasing must not free the fresh holder's lock.
	require.NoError(t, stale.Release(ctx))

	owned, err := fresh.Owned(ctx)
	require.NoError(t, err)
	assert.True(t, owned)
}
