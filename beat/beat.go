// Package beat is the periodic scheduler of the orchestrator. One pass per
// tenant runs under a non-blocking beat lock: lookup-table maintenance,
// indexing kickoff (should-index decisions and task creation), and
// cross-checking of fences against attempt rows. At most one beat instance
// runs per tenant; a held lock means another instance is mid-pass and this
// one simply skips.
package beat

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/fences"
	"github.com/zerafachris/onyx-cz-sub000/kvbroker"
	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
	"github.com/zerafachris/onyx-cz-sub000/watchdog"
)

const beatLockName = "beat"

// lookupMaintenanceKey gates the registry rebuild scan; the scan touches
// every key in the tenant namespace and does not need to run every pass.
const (
	lookupMaintenanceKey      = "onyx:lookup_maintenance"
	lookupMaintenanceInterval = 5 * time.Minute
)

// IndexingEnqueuer publishes indexing watchdog tasks. The AMQP broker
// implements it; tests use a fake.
type IndexingEnqueuer interface {
	EnqueueIndexing(ctx context.Context, args watchdog.SpawnArgs) error
}

// Beat runs one tenant's scheduling pass.
type Beat struct {
	cfg    config.BeatConfig
	idxCfg config.IndexingConfig
	queue  IndexingEnqueuer
	log    *common.ContextLogger

	// now is a test seam.
	now func() time.Time
}

// New builds a beat.
func New(cfg config.BeatConfig, idxCfg config.IndexingConfig, queue IndexingEnqueuer, log *common.ContextLogger) *Beat {
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	return &Beat{cfg: cfg, idxCfg: idxCfg, queue: queue, log: log, now: time.Now}
}

// Pass runs one beat pass for the tenant. Returns without error when another
// instance holds the beat lock.
func (b *Beat) Pass(ctx context.Context, tc tenant.Context) error {
	log := b.log.WithField("tenant_id", tc.TenantID)

	lock, err := tc.KV.AcquireLock(ctx, beatLockName, b.cfg.LockTTL, false)
	if err != nil {
		return err
	}
	if lock == nil {
		log.Debug("Beat lock held, skipping pass")
		return nil
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release beat lock")
		}
	}()

	if err := b.maintainLookupTable(ctx, tc); err != nil {
		log.WithError(err).Error("Lookup-table maintenance failed")
	}
	if err := b.kickoff(ctx, tc, lock); err != nil {
		log.WithError(err).Error("Indexing kickoff failed")
	}
	if err := b.validate(ctx, tc); err != nil {
		log.WithError(err).Error("Fence validation failed")
	}
	return nil
}

// maintainLookupTable re-registers any fence key missing from the
// active-fence registry. Covers fences written before the registry existed
// and registries lost to KV eviction.
func (b *Beat) maintainLookupTable(ctx context.Context, tc tenant.Context) error {
	due, err := tc.KV.Set(ctx, lookupMaintenanceKey, "1", lookupMaintenanceInterval, true)
	if err != nil {
		return err
	}
	if !due {
		return nil
	}

	keys, err := tc.KV.Scan(ctx, "onyx:*:fence:*")
	if err != nil {
		return err
	}

	registry := fences.NewRegistry(tc.KV)
	added := 0
	for _, key := range keys {
		known, err := registry.Contains(ctx, key)
		if err != nil {
			return err
		}
		if known {
			continue
		}
		if err := registry.Add(ctx, key); err != nil {
			return err
		}
		added++
	}
	if added > 0 {
		b.log.WithFields(map[string]interface{}{
			"tenant_id": tc.TenantID,
			"added":     added,
		}).Info("Re-registered unlisted fences")
	}
	return nil
}

// kickoff swaps completed index migrations and opens indexing tasks for
// every (ccpair, search settings) combination that is due.
func (b *Beat) kickoff(ctx context.Context, tc tenant.Context, lock *kvbroker.Lock) error {
	log := b.log.WithField("tenant_id", tc.TenantID)

	swapped, err := store.SwapSearchSettings(ctx, tc)
	if err != nil {
		return err
	}
	if swapped {
		log.Info("Search settings migration completed, swapped to new index")
	}

	pairs, err := store.ListCCPairs(ctx, tc)
	if err != nil {
		return err
	}
	settings, err := store.ListActiveSearchSettings(ctx, tc)
	if err != nil {
		return err
	}
	secondaryBuilding := false
	for _, ss := range settings {
		if ss.Status == models.SettingsFuture {
			secondaryBuilding = true
		}
	}

	for _, pair := range pairs {
		// Long loop: keep the beat lock alive and bail out if it was lost.
		held, err := lock.Reacquire(ctx)
		if err != nil {
			return err
		}
		if !held {
			return fmt.Errorf("beat lock lost mid-pass")
		}

		if err := b.checkRepeatedErrors(ctx, tc, pair, settings); err != nil {
			log.WithError(err).WithField("cc_pair_id", pair.ID).Warn("Repeated-error check failed")
		}

		for _, ss := range settings {
			if err := b.kickoffPair(ctx, tc, pair, ss, secondaryBuilding); err != nil {
				log.WithError(err).WithFields(map[string]interface{}{
					"cc_pair_id":         pair.ID,
					"search_settings_id": ss.ID,
				}).Error("Failed to kick off indexing")
			}
		}
	}
	return nil
}

func (b *Beat) kickoffPair(ctx context.Context, tc tenant.Context, pair store.CCPair, ss store.SearchSettings, secondaryBuilding bool) error {
	fence := fences.New(tc.KV, fences.KindIndexing, watchdog.FenceID(pair.ID, ss.ID))
	fenced, err := fence.Fenced(ctx)
	if err != nil {
		return err
	}
	if fenced {
		return nil
	}

	last, err := store.GetLastAttempt(ctx, tc, pair.ID, ss.ID)
	if err != nil {
		return err
	}

	decision := shouldIndex(pair, ss, last, secondaryBuilding, b.cfg.RefreshFrequency, b.now())
	if !decision.Index {
		return nil
	}

	fromBeginning := decision.FromBeginning
	// Reindex triggers apply to the live index only and are one-shot.
	if pair.IndexingTrigger == models.TriggerReindex && ss.Status == models.SettingsPresent {
		fromBeginning = true
	}
	if pair.IndexingTrigger != models.TriggerNone && ss.Status == models.SettingsPresent {
		if err := store.ClearIndexingTrigger(ctx, tc, pair.ID); err != nil {
			return err
		}
	}

	_, err = b.tryCreateIndexingTask(ctx, tc, pair, ss, fromBeginning)
	return err
}

// tryCreateIndexingTask creates the attempt row, opens the fence with the
// task identity, and enqueues the watchdog task. All three are observed
// together by the time the beat lock is released; a failed enqueue rolls the
// fence and the attempt back.
func (b *Beat) tryCreateIndexingTask(ctx context.Context, tc tenant.Context, pair store.CCPair, ss store.SearchSettings, fromBeginning bool) (*store.IndexAttempt, error) {
	attempt, err := store.CreateIndexAttempt(ctx, tc, pair.ID, ss.ID, fromBeginning)
	if err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	payload, err := (fences.IndexingPayload{
		Submitted:      b.now().UTC(),
		IndexAttemptID: &attempt.ID,
		TaskID:         &taskID,
	}).Marshal()
	if err != nil {
		return nil, err
	}

	fence := fences.New(tc.KV, fences.KindIndexing, watchdog.FenceID(pair.ID, ss.ID))
	if err := fence.SetFence(ctx, payload); err != nil {
		return nil, err
	}

	args := watchdog.SpawnArgs{
		TenantID:         tc.TenantID,
		CCPairID:         pair.ID,
		SearchSettingsID: ss.ID,
		IndexAttemptID:   attempt.ID,
		TaskID:           taskID,
		FromBeginning:    fromBeginning,
	}
	if err := b.queue.EnqueueIndexing(ctx, args); err != nil {
		// Roll back so the next pass can retry cleanly.
		if ferr := fence.SetFence(ctx, nil); ferr != nil {
			b.log.WithError(ferr).Error("Failed to roll back fence after enqueue failure")
		}
		if merr := store.MarkAttemptTerminal(ctx, tc, attempt.ID, models.StatusFailed,
			fmt.Sprintf("failed to enqueue indexing task: %v", err), ""); merr != nil {
			b.log.WithError(merr).Error("Failed to roll back attempt after enqueue failure")
		}
		return nil, err
	}

	b.log.WithFields(map[string]interface{}{
		"tenant_id":          tc.TenantID,
		"cc_pair_id":         pair.ID,
		"search_settings_id": ss.ID,
		"index_attempt_id":   attempt.ID,
		"task_id":            taskID,
		"from_beginning":     fromBeginning,
	}).Info("Created indexing task")
	return attempt, nil
}

func (b *Beat) checkRepeatedErrors(ctx context.Context, tc tenant.Context, pair store.CCPair, settings []store.SearchSettings) error {
	if b.cfg.RepeatedErrorThreshold <= 0 {
		return nil
	}
	for _, ss := range settings {
		if ss.Status != models.SettingsPresent {
			continue
		}
		failed, err := store.CountRecentFailedAttempts(ctx, tc, pair.ID, ss.ID, b.cfg.RepeatedErrorThreshold)
		if err != nil {
			return err
		}
		inError := failed >= b.cfg.RepeatedErrorThreshold
		if inError != pair.InRepeatedErrorState {
			if err := store.SetRepeatedErrorState(ctx, tc, pair.ID, inError); err != nil {
				return err
			}
		}
	}
	return nil
}
