package fences

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerafachris/onyx-cz-sub000/kvbroker"
)

func newTestKV(t *testing.T) (*kvbroker.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return kvbroker.NewBrokerFromClients(client, nil).ForTenant("t1"), mr
}

func TestFence_KeyNamespaces(t *testing.T) {
	kv, _ := newTestKV(t)
	f := New(kv, KindIndexing, "4/2")

	assert.Equal(t, "onyx:indexing:fence:4/2", f.Key())
	assert.Equal(t, "onyx:indexing:taskset:4/2", f.TaskSetKey())
	assert.Equal(t, "onyx:indexing:generator_complete:4/2", f.GeneratorCompleteKey())
	assert.Equal(t, "onyx:indexing:watchdog:4/2", f.WatchdogKey())
	assert.Equal(t, "onyx:indexing:active:4/2", f.ActiveKey())
	assert.Equal(t, "onyx:indexing:terminate:4/2:task-9", f.TerminateKey("task-9"))
}

func TestFence_SetFenceRegistersAtomically(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	f := New(kv, KindIndexing, "1/1")
	reg := NewRegistry(kv)

	payload, err := IndexingPayload{Submitted: time.Now().UTC()}.Marshal()
	require.NoError(t, err)
	require.NoError(t, f.SetFence(ctx, payload))

	fenced, err := f.Fenced(ctx)
	require.NoError(t, err)
	assert.True(t, fenced)

	registered, err := reg.Contains(ctx, f.Key())
	require.NoError(t, err)
	assert.True(t, registered, "fence must appear in the registry with the same act")
}

func TestFence_ResetRemovesEverything(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	f := New(kv, KindDocumentSet, "17")
	reg := NewRegistry(kv)

	payload, err := CountPayload{Submitted: time.Now().UTC(), TaskCount: 3}.Marshal()
	require.NoError(t, err)
	require.NoError(t, f.SetFence(ctx, payload))
	require.NoError(t, f.AddTasks(ctx, "a", "b", "c"))
	require.NoError(t, f.SetGeneratorComplete(ctx, 200))

	require.NoError(t, f.SetFence(ctx, nil))

	fenced, err := f.Fenced(ctx)
	require.NoError(t, err)
	assert.False(t, fenced)

	registered, err := reg.Contains(ctx, f.Key())
	require.NoError(t, err)
	assert.False(t, registered, "registry entry must be gone before SetFence(nil) returns")

	remaining, err := f.GetRemaining(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	_, done, err := f.GetCompletion(ctx)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestFence_PayloadRoundTrip(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	f := New(kv, KindIndexing, "2/1")

	attemptID := int64(42)
	taskID := "task-abc"
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := IndexingPayload{
		Submitted:      started.Add(-time.Minute),
		Started:        &started,
		IndexAttemptID: &attemptID,
		TaskID:         &taskID,
	}
	raw, err := in.Marshal()
	require.NoError(t, err)
	require.NoError(t, f.SetFence(ctx, raw))

	got, present, err := f.Payload(ctx)
	require.NoError(t, err)
	require.True(t, present)

	out, err := ParseIndexingPayload(got)
	require.NoError(t, err)
	assert.True(t, out.Ready())
	assert.Equal(t, attemptID, *out.IndexAttemptID)
	assert.Equal(t, taskID, *out.TaskID)
}

func TestFence_PayloadAbsent(t *testing.T) {
	kv, _ := newTestKV(t)
	f := New(kv, KindIndexing, "9/9")

	_, present, err := f.Payload(context.Background())
	require.NoError(t, err)
	assert.False(t, present)
}

func TestFence_TaskSetLifecycle(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	f := New(kv, KindDocumentSync, "global")

	require.NoError(t, f.AddTasks(ctx, "doc1", "doc2", "doc3"))

	remaining, err := f.GetRemaining(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, remaining)

	require.NoError(t, f.CompleteTask(ctx, "doc2"))

	remaining, err = f.GetRemaining(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, remaining)

	tasks, err := f.RemainingTasks(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc1", "doc3"}, tasks)

	require.NoError(t, f.ClearTaskSet(ctx))
	remaining, err = f.GetRemaining(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestFence_GeneratorComplete(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	f := New(kv, KindIndexing, "3/1")

	_, done, err := f.GetCompletion(ctx)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, f.SetGeneratorComplete(ctx, 200))

	code, done, err := f.GetCompletion(ctx)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 200, code)
}

func TestFence_LivenessSignalsExpire(t *testing.T) {
	kv, mr := newTestKV(t)
	ctx := context.Background()
	f := New(kv, KindIndexing, "5/1")

	require.NoError(t, f.SetWatchdog(ctx, true, 10*time.Second))
	require.NoError(t, f.SetActive(ctx, 30*time.Second))

	alive, err := f.WatchdogAlive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)

	mr.FastForward(15 * time.Second)

	alive, err = f.WatchdogAlive(ctx)
	require.NoError(t, err)
	assert.False(t, alive, "watchdog heartbeat must lapse after its TTL")

	active, err := f.Active(ctx)
	require.NoError(t, err)
	assert.True(t, active, "active signal outlives the watchdog heartbeat")

	mr.FastForward(30 * time.Second)

	active, err = f.Active(ctx)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestFence_Termination(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	f := New(kv, KindIndexing, "6/1")

	terminating, err := f.Terminating(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, terminating)

	require.NoError(t, f.RequestTermination(ctx, "task-1", time.Minute))

	terminating, err = f.Terminating(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, terminating)

	// A different task id is unaffected.
	terminating, err = f.Terminating(ctx, "task-2")
	require.NoError(t, err)
	assert.False(t, terminating)
}

func TestRegistry_ReconcileReapsDanglingEntries(t *testing.T) {
	kv, _ := newTestKV(t)
	ctx := context.Background()
	reg := NewRegistry(kv)

	live := New(kv, KindIndexing, "1/1")
	payload, err := IndexingPayload{Submitted: time.Now().UTC()}.Marshal()
	require.NoError(t, err)
	require.NoError(t, live.SetFence(ctx, payload))

	// Simulate a fence whose key vanished without a clean reset.
	require.NoError(t, reg.Add(ctx, "onyx:indexing:fence:99/1"))

	reaped, err := reg.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"onyx:indexing:fence:99/1"}, reaped)

	members, err := reg.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{live.Key()}, members)
}
