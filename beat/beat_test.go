package beat

import (
	"context"
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
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
	"github.com/zerafachris/onyx-cz-sub000/watchdog"
)

type fakeIndexingQueue struct {
	enqueued []watchdog.SpawnArgs
	err      error
}

func (f *fakeIndexingQueue) EnqueueIndexing(ctx context.Context, args watchdog.SpawnArgs) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, args)
	return nil
}

func beatHarness(t *testing.T) (tenant.Context, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := kvbroker.NewBrokerFromClients(client, nil)
	return tenant.Context{TenantID: "t1", KV: broker.ForTenant("t1")}, mr
}

func testBeat(q IndexingEnqueuer) *Beat {
	return New(config.BeatConfig{
		LockTTL:                time.Minute,
		RefreshFrequency:       10 * time.Minute,
		RepeatedErrorThreshold: 5,
	}, config.IndexingConfig{}, q, nil)
}

func timePtr(t time.Time) *time.Time { return &t }

func TestShouldIndex(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	refresh := 10 * time.Minute
	present := store.SearchSettings{ID: 1, Status: models.SettingsPresent}
	future := store.SearchSettings{ID: 2, Status: models.SettingsFuture}
	active := store.CCPair{ID: 4, Status: models.CCPairActive}

	success := &store.IndexAttempt{Status: models.StatusSuccess}
	failed := &store.IndexAttempt{Status: models.StatusFailed}
	running := &store.IndexAttempt{Status: models.StatusInProgress}

	tests := []struct {
		name              string
		pair              store.CCPair
		settings          store.SearchSettings
		last              *store.IndexAttempt
		secondaryBuilding bool
		wantIndex         bool
		wantFromBeginning bool
	}{
		{name: "NeverIndexed", pair: active, settings: present, wantIndex: true},
		{name: "AttemptRunning", pair: active, settings: present, last: running},
		{name: "RetryAfterFailure", pair: active, settings: present, last: failed, wantIndex: true},
		{
			name: "RefreshDue",
			pair: store.CCPair{Status: models.CCPairActive,
				LastSuccessfulIndexTime: timePtr(now.Add(-11 * time.Minute))},
			settings: present, last: success, wantIndex: true,
		},
		{
			name: "NotDueYet",
			pair: store.CCPair{Status: models.CCPairActive,
				LastSuccessfulIndexTime: timePtr(now.Add(-5 * time.Minute))},
			settings: present, last: success,
		},
		{
			name: "PerPairRefreshOverride",
			pair: store.CCPair{Status: models.CCPairActive, RefreshFreqSeconds: 60,
				LastSuccessfulIndexTime: timePtr(now.Add(-5 * time.Minute))},
			settings: present, last: success, wantIndex: true,
		},
		{name: "PausedPair", pair: store.CCPair{Status: models.CCPairPaused}, settings: present},
		{name: "DeletingPair", pair: store.CCPair{Status: models.CCPairDeleting}, settings: present},
		{
			name: "RepeatedErrorState",
			pair: store.CCPair{Status: models.CCPairActive, InRepeatedErrorState: true},
			settings: present, last: failed,
		},
		{
			name: "TriggerOverridesPause",
			pair: store.CCPair{Status: models.CCPairPaused, IndexingTrigger: models.TriggerUpdate},
			settings: present, wantIndex: true,
		},
		{
			name: "TriggerOverridesErrorState",
			pair: store.CCPair{Status: models.CCPairActive, InRepeatedErrorState: true,
				IndexingTrigger: models.TriggerReindex},
			settings: present, last: failed, wantIndex: true,
		},
		{
			name: "SecondaryBackfillFromBeginning",
			pair: active, settings: future,
			wantIndex: true, wantFromBeginning: true,
		},
		{name: "SecondaryBackfillDone", pair: active, settings: future, last: success},
		{
			name: "SecondaryBackfillRetry",
			pair: active, settings: future, last: failed,
			wantIndex: true, wantFromBeginning: true,
		},
		{name: "SecondaryBackfillSkipsPaused", pair: store.CCPair{Status: models.CCPairPaused}, settings: future},
		{
			name: "RefreshDeferredWhileSecondaryBuilds",
			pair: store.CCPair{Status: models.CCPairActive,
				LastSuccessfulIndexTime: timePtr(now.Add(-11 * time.Minute))},
			settings: present, last: success, secondaryBuilding: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := shouldIndex(tt.pair, tt.settings, tt.last, tt.secondaryBuilding, refresh, now)
			assert.Equal(t, tt.wantIndex, d.Index, d.Reason)
			assert.Equal(t, tt.wantFromBeginning, d.FromBeginning, d.Reason)
		})
	}
}

func TestMaintainLookupTable_RegistersScannedFences(t *testing.T) {
	tc, _ := beatHarness(t)
	ctx := context.Background()
	b := testBeat(&fakeIndexingQueue{})

	// A fence written without registry bookkeeping.
	_, err := tc.KV.Set(ctx, "onyx:indexing:fence:4/2", "{}", 0, false)
	require.NoError(t, err)

	require.NoError(t, b.maintainLookupTable(ctx, tc))

	registry := fences.NewRegistry(tc.KV)
	known, err := registry.Contains(ctx, "onyx:indexing:fence:4/2")
	require.NoError(t, err)
	assert.True(t, known)

	// Second run inside the maintenance interval is a no-op gate.
	require.NoError(t, b.maintainLookupTable(ctx, tc))
}

func TestValidateIndexingFence_UnreadyWithinGraceKept(t *testing.T) {
	tc, _ := beatHarness(t)
	ctx := context.Background()
	b := testBeat(&fakeIndexingQueue{})
	now := time.Now().UTC()
	b.now = func() time.Time { return now }

	fence := fences.New(tc.KV, fences.KindIndexing, "4/2")
	raw, err := (fences.IndexingPayload{Submitted: now.Add(-time.Minute)}).Marshal()
	require.NoError(t, err)
	require.NoError(t, fence.SetFence(ctx, raw))

	require.NoError(t, b.validateIndexingFence(ctx, tc, "4/2"))
	fenced, _ := fence.Fenced(ctx)
	assert.True(t, fenced)
}

func TestValidateIndexingFence_UnreadyPastGraceCleared(t *testing.T) {
	tc, _ := beatHarness(t)
	ctx := context.Background()
	b := testBeat(&fakeIndexingQueue{})
	now := time.Now().UTC()
	b.now = func() time.Time { return now }

	fence := fences.New(tc.KV, fences.KindIndexing, "4/2")
	raw, err := (fences.IndexingPayload{Submitted: now.Add(-unreadyFenceGrace - time.Minute)}).Marshal()
	require.NoError(t, err)
	require.NoError(t, fence.SetFence(ctx, raw))

	require.NoError(t, b.validateIndexingFence(ctx, tc, "4/2"))
	fenced, _ := fence.Fenced(ctx)
	assert.False(t, fenced)
}

func TestValidateIndexingFence_DeadWatchdogCleared(t *testing.T) {
	tc, _ := beatHarness(t)
	ctx := context.Background()
	b := testBeat(&fakeIndexingQueue{})

	attemptID := int64(77)
	taskID := "task-abc"
	started := time.Now().UTC().Add(-time.Hour)
	fence := fences.New(tc.KV, fences.KindIndexing, "4/2")
	raw, err := (fences.IndexingPayload{
		Submitted:      started,
		Started:        &started,
		IndexAttemptID: &attemptID,
		TaskID:         &taskID,
	}).Marshal()
	require.NoError(t, err)
	require.NoError(t, fence.SetFence(ctx, raw))

	// No watchdog heartbeat, no active signal.
	require.NoError(t, b.validateIndexingFence(ctx, tc, "4/2"))
	fenced, _ := fence.Fenced(ctx)
	assert.False(t, fenced)
}

func TestValidateIndexingFence_LiveWatchdogKept(t *testing.T) {
	tc, _ := beatHarness(t)
	ctx := context.Background()
	b := testBeat(&fakeIndexingQueue{})

	attemptID := int64(77)
	taskID := "task-abc"
	started := time.Now().UTC()
	fence := fences.New(tc.KV, fences.KindIndexing, "4/2")
	raw, err := (fences.IndexingPayload{
		Submitted:      started,
		Started:        &started,
		IndexAttemptID: &attemptID,
		TaskID:         &taskID,
	}).Marshal()
	require.NoError(t, err)
	require.NoError(t, fence.SetFence(ctx, raw))
	require.NoError(t, fence.SetWatchdog(ctx, true, time.Minute))

	require.NoError(t, b.validateIndexingFence(ctx, tc, "4/2"))
	fenced, _ := fence.Fenced(ctx)
	assert.True(t, fenced)
}

func TestPass_SkipsWhenLockHeld(t *testing.T) {
	tc, _ := beatHarness(t)
	ctx := context.Background()
	q := &fakeIndexingQueue{}
	b := testBeat(q)

	held, err := tc.KV.AcquireLock(ctx, beatLockName, time.Minute, false)
	require.NoError(t, err)
	require.NotNil(t, held)

	// The pass must return cleanly without touching anything: tc.DB is nil
	// and would panic if kickoff ran.
	require.NoError(t, b.Pass(ctx, tc))
	assert.Empty(t, q.enqueued)
}
