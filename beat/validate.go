package beat

import (
	"context"
	"strings"
	"time"

	"github.com/zerafachris/onyx-cz-sub000/fences"
	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
	"github.com/zerafachris/onyx-cz-sub000/watchdog"
)

const indexingFencePrefix = "onyx:" + string(fences.KindIndexing) + ":fence:"

// unreadyFenceGrace bounds how long a fence may sit without its payload
// being filled in before the beat treats the task as lost. Generously above
// the watchdog's own readiness timeout so the two never race.
const unreadyFenceGrace = 10 * time.Minute

// validate reconciles attempt rows against fences in both directions: an
// IN_PROGRESS row without a fence is a crashed run that never reported, and
// a fence without a live watchdog is a lost task.
func (b *Beat) validate(ctx context.Context, tc tenant.Context) error {
	log := b.log.WithField("tenant_id", tc.TenantID)

	attempts, err := store.ListInProgressAttempts(ctx, tc)
	if err != nil {
		return err
	}
	for _, attempt := range attempts {
		fence := fences.New(tc.KV, fences.KindIndexing, watchdog.FenceID(attempt.CCPairID, attempt.SearchSettingsID))
		fenced, err := fence.Fenced(ctx)
		if err != nil {
			return err
		}
		if fenced {
			continue
		}
		log.WithField("index_attempt_id", attempt.ID).Warn("Unfenced in-progress attempt, failing it")
		err = store.MarkAttemptTerminal(ctx, tc, attempt.ID, models.StatusFailed,
			"Unfenced index attempt found in DB", "")
		if err != nil && err != store.ErrTerminalAttempt {
			return err
		}
	}

	registry := fences.NewRegistry(tc.KV)
	if _, err := registry.Reconcile(ctx); err != nil {
		return err
	}
	members, err := registry.Members(ctx)
	if err != nil {
		return err
	}
	for _, key := range members {
		if !strings.HasPrefix(key, indexingFencePrefix) {
			continue
		}
		id := strings.TrimPrefix(key, indexingFencePrefix)
		if err := b.validateIndexingFence(ctx, tc, id); err != nil {
			log.WithError(err).WithField("fence_id", id).Error("Indexing fence validation failed")
		}
	}
	return nil
}

// validateIndexingFence clears a fence whose task is provably not running:
// no watchdog heartbeat, no active signal, and past the readiness grace for
// fences never picked up at all.
func (b *Beat) validateIndexingFence(ctx context.Context, tc tenant.Context, id string) error {
	fence := fences.New(tc.KV, fences.KindIndexing, id)

	raw, present, err := fence.Payload(ctx)
	if err != nil || !present {
		return err
	}
	payload, err := fences.ParseIndexingPayload(raw)
	if err != nil {
		b.log.WithField("fence_id", id).Warn("Clearing indexing fence with unreadable payload")
		return fence.SetFence(ctx, nil)
	}

	if !payload.Ready() || payload.Started == nil {
		// Task created but never picked up. Give the queue time before
		// declaring it lost.
		if b.now().Sub(payload.Submitted) < unreadyFenceGrace {
			return nil
		}
		b.log.WithField("fence_id", id).Warn("Clearing indexing fence never picked up by a watchdog")
		return fence.SetFence(ctx, nil)
	}

	alive, err := fence.WatchdogAlive(ctx)
	if err != nil {
		return err
	}
	if alive {
		return nil
	}
	active, err := fence.Active(ctx)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	// The watchdog heartbeat and the active signal both expired: the
	// supervising process is gone. The unfenced-attempt check on the next
	// pass fails the orphaned row.
	b.log.WithField("fence_id", id).Warn("Clearing indexing fence with dead watchdog")
	return fence.SetFence(ctx, nil)
}
