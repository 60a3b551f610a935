package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/fences"
	"github.com/zerafachris/onyx-cz-sub000/kvbroker"
	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/pipeline"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

type fakeEnqueuer struct {
	tasks []DocSyncTask
	err   error
}

func (f *fakeEnqueuer) EnqueueDocSync(ctx context.Context, task DocSyncTask) error {
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func syncHarness(t *testing.T) (tenant.Context, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := kvbroker.NewBrokerFromClients(client, nil)
	return tenant.Context{TenantID: "t1", KV: broker.ForTenant("t1")}, mr
}

type syncRecordEvent struct {
	entityID string
	syncType models.SyncType
	status   models.SyncStatus
}

type fakeSyncRecorder struct {
	opened []syncRecordEvent
	closed []syncRecordEvent
}

func (r *fakeSyncRecorder) Open(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType) error {
	r.opened = append(r.opened, syncRecordEvent{entityID: entityID, syncType: syncType})
	return nil
}

func (r *fakeSyncRecorder) Close(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType, status models.SyncStatus) error {
	r.closed = append(r.closed, syncRecordEvent{entityID: entityID, syncType: syncType, status: status})
	return nil
}

func TestParseFenceKey(t *testing.T) {
	tests := []struct {
		key    string
		kind   fences.Kind
		id     string
		wantOK bool
	}{
		{key: "onyx:docsync:fence:global", kind: fences.KindDocumentSync, id: "global", wantOK: true},
		{key: "onyx:docset:fence:42", kind: fences.KindDocumentSet, id: "42", wantOK: true},
		{key: "onyx:indexing:fence:4/2", kind: fences.KindIndexing, id: "4/2", wantOK: true},
		{key: "garbage", wantOK: false},
		{key: "onyx:docset:taskset:42", wantOK: false},
	}
	for _, tt := range tests {
		kind, id, ok := parseFenceKey(tt.key)
		assert.Equal(t, tt.wantOK, ok, tt.key)
		if ok {
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.id, id)
		}
	}
}

func TestObserveFence(t *testing.T) {
	tc, _ := syncHarness(t)
	ctx := context.Background()
	c := NewCoordinator(config.SyncConfig{StallTimeout: time.Hour}, &fakeEnqueuer{}, &fakeSyncRecorder{}, nil)
	fence := fences.New(tc.KV, fences.KindDocumentSet, "7")

	// Absent fence: nothing to monitor.
	outcome, err := c.observeFence(ctx, fence)
	require.NoError(t, err)
	assert.Equal(t, fencePending, outcome)

	payload, err := (fences.CountPayload{Submitted: time.Now().UTC(), TaskCount: 2}).Marshal()
	require.NoError(t, err)
	require.NoError(t, fence.SetFence(ctx, payload))
	require.NoError(t, fence.AddTasks(ctx, "a", "b"))

	outcome, err = c.observeFence(ctx, fence)
	require.NoError(t, err)
	assert.Equal(t, fencePending, outcome)

	require.NoError(t, fence.CompleteTask(ctx, "a"))
	require.NoError(t, fence.CompleteTask(ctx, "b"))

	outcome, err = c.observeFence(ctx, fence)
	require.NoError(t, err)
	assert.Equal(t, fenceComplete, outcome)
}

func TestObserveFence_ZeroTaskFence(t *testing.T) {
	// An empty pass still fences with count zero and is immediately
	// complete, so the monitor can mark the entity up-to-date.
	tc, _ := syncHarness(t)
	ctx := context.Background()
	c := NewCoordinator(config.SyncConfig{}, &fakeEnqueuer{}, &fakeSyncRecorder{}, nil)
	fence := fences.New(tc.KV, fences.KindDocumentSet, "9")

	payload, err := (fences.CountPayload{Submitted: time.Now().UTC(), TaskCount: 0}).Marshal()
	require.NoError(t, err)
	require.NoError(t, fence.SetFence(ctx, payload))

	outcome, err := c.observeFence(ctx, fence)
	require.NoError(t, err)
	assert.Equal(t, fenceComplete, outcome)
}

func TestObserveFence_StalledAndCorrupt(t *testing.T) {
	tc, _ := syncHarness(t)
	ctx := context.Background()
	c := NewCoordinator(config.SyncConfig{StallTimeout: time.Minute}, &fakeEnqueuer{}, &fakeSyncRecorder{}, nil)

	stalled := fences.New(tc.KV, fences.KindDocumentSync, "global")
	payload, err := (fences.CountPayload{
		Submitted: time.Now().UTC().Add(-2 * time.Minute),
		TaskCount: 1,
	}).Marshal()
	require.NoError(t, err)
	require.NoError(t, stalled.SetFence(ctx, payload))
	require.NoError(t, stalled.AddTasks(ctx, "lost-task"))

	outcome, err := c.observeFence(ctx, stalled)
	require.NoError(t, err)
	assert.Equal(t, fenceStalled, outcome)

	corrupt := fences.New(tc.KV, fences.KindDocumentSet, "11")
	require.NoError(t, corrupt.SetFence(ctx, []byte("not json")))

	outcome, err = c.observeFence(ctx, corrupt)
	require.NoError(t, err)
	assert.Equal(t, fenceCorrupt, outcome)
}

func TestFinalize_DetachesStalledFence(t *testing.T) {
	// A worker that nacks without requeue can lose a task for good. Once the
	// pass is older than the stall timeout the fence must be detached and
	// the record closed as failed, or the entity never syncs again.
	tc, _ := syncHarness(t)
	ctx := context.Background()
	rec := &fakeSyncRecorder{}
	c := NewCoordinator(config.SyncConfig{StallTimeout: time.Minute}, &fakeEnqueuer{}, rec, nil)

	fence := fences.New(tc.KV, fences.KindDocumentSync, GlobalDocSyncID)
	payload, err := (fences.CountPayload{
		Submitted: time.Now().UTC().Add(-time.Hour),
		TaskCount: 1,
	}).Marshal()
	require.NoError(t, err)
	require.NoError(t, fence.SetFence(ctx, payload))
	require.NoError(t, fence.AddTasks(ctx, "lost-task"))

	require.NoError(t, c.Finalize(ctx, tc))

	fenced, err := fence.Fenced(ctx)
	require.NoError(t, err)
	assert.False(t, fenced, "a stalled fence must not survive finalization")

	remaining, err := fence.GetRemaining(ctx)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	require.Len(t, rec.closed, 1)
	assert.Equal(t, GlobalDocSyncID, rec.closed[0].entityID)
	assert.Equal(t, models.SyncTypeDocument, rec.closed[0].syncType)
	assert.Equal(t, models.SyncFailed, rec.closed[0].status)
}

func TestFinalize_KeepsDrainingFence(t *testing.T) {
	tc, _ := syncHarness(t)
	ctx := context.Background()
	rec := &fakeSyncRecorder{}
	c := NewCoordinator(config.SyncConfig{StallTimeout: time.Hour}, &fakeEnqueuer{}, rec, nil)

	fence := fences.New(tc.KV, fences.KindDocumentSync, GlobalDocSyncID)
	payload, err := (fences.CountPayload{Submitted: time.Now().UTC(), TaskCount: 1}).Marshal()
	require.NoError(t, err)
	require.NoError(t, fence.SetFence(ctx, payload))
	require.NoError(t, fence.AddTasks(ctx, "in-flight"))

	require.NoError(t, c.Finalize(ctx, tc))

	fenced, err := fence.Fenced(ctx)
	require.NoError(t, err)
	assert.True(t, fenced, "a pass inside the stall window keeps its fence")
	assert.Empty(t, rec.closed)
}

func TestFinalize_ClosesDrainedRecordAsSuccess(t *testing.T) {
	tc, _ := syncHarness(t)
	ctx := context.Background()
	rec := &fakeSyncRecorder{}
	c := NewCoordinator(config.SyncConfig{}, &fakeEnqueuer{}, rec, nil)

	fence := fences.New(tc.KV, fences.KindDocumentSync, GlobalDocSyncID)
	payload, err := (fences.CountPayload{Submitted: time.Now().UTC(), TaskCount: 0}).Marshal()
	require.NoError(t, err)
	require.NoError(t, fence.SetFence(ctx, payload))

	require.NoError(t, c.Finalize(ctx, tc))

	fenced, err := fence.Fenced(ctx)
	require.NoError(t, err)
	assert.False(t, fenced)
	require.Len(t, rec.closed, 1)
	assert.Equal(t, models.SyncSuccess, rec.closed[0].status)
}

func TestUpdateWithRetry_BadRequestIsPermanent(t *testing.T) {
	index := pipeline.NewMockSearchIndex()
	index.UpdateErr = &pipeline.StatusError{StatusCode: 400, Body: "bad request"}

	w := NewWorker(index, config.SyncConfig{SoftTimeLimit: time.Minute}, nil)

	start := time.Now()
	err := w.updateWithRetry(context.Background(), "idx", "d1", pipeline.MetadataUpdate{})
	require.Error(t, err)

	var status *pipeline.StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, 400, status.StatusCode)
	assert.Less(t, time.Since(start), time.Second, "400 must not be retried")
}

func TestUpdateWithRetry_SuccessFirstTry(t *testing.T) {
	index := pipeline.NewMockSearchIndex()
	w := NewWorker(index, config.SyncConfig{SoftTimeLimit: time.Minute}, nil)

	require.NoError(t, w.updateWithRetry(context.Background(), "idx", "d1", pipeline.MetadataUpdate{}))
	assert.Contains(t, index.MetadataUpdates, "d1")
}

func TestSyncRetryPolicy_BackoffShape(t *testing.T) {
	p := syncRetryPolicy(10 * time.Minute)
	assert.Equal(t, 16*time.Second, p.InitialDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 10*time.Minute, p.MaxDelay)
}

func TestSyncTypeForKind(t *testing.T) {
	assert.Equal(t, models.SyncTypeDocument, syncTypeForKind(fences.KindDocumentSync))
	assert.Equal(t, models.SyncTypeDocumentSet, syncTypeForKind(fences.KindDocumentSet))
	assert.Equal(t, models.SyncTypeUserGroup, syncTypeForKind(fences.KindUserGroup))
}

func TestEnqueuePathAddsTaskBeforePublishing(t *testing.T) {
	tc, _ := syncHarness(t)
	ctx := context.Background()
	q := &fakeEnqueuer{}
	c := NewCoordinator(config.SyncConfig{MaxTasksPerPass: 10}, q, &fakeSyncRecorder{}, nil)

	fence := fences.New(tc.KV, fences.KindDocumentSet, "3")
	require.NoError(t, c.enqueue(ctx, tc, fence, fences.KindDocumentSet, "3", "doc-1"))

	require.Len(t, q.tasks, 1)
	task := q.tasks[0]
	assert.Equal(t, "doc-1", task.DocumentID)
	assert.Equal(t, "t1", task.TenantID)
	assert.NotEmpty(t, task.TaskID)

	remaining, err := fence.GetRemaining(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, remaining)

	ids, err := fence.RemainingTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{task.TaskID}, ids)
}

func TestEnqueue_PublishFailureSurfaces(t *testing.T) {
	tc, _ := syncHarness(t)
	q := &fakeEnqueuer{err: errors.New("broker down")}
	c := NewCoordinator(config.SyncConfig{}, q, &fakeSyncRecorder{}, nil)

	fence := fences.New(tc.KV, fences.KindDocumentSet, "3")
	err := c.enqueue(context.Background(), tc, fence, fences.KindDocumentSet, "3", "doc-1")
	assert.Error(t, err)
}
