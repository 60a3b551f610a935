// Package syncer keeps document-level metadata in the search index
// consistent with the relational store. A periodic coordinator pass
// generates per-document sync tasks for stale documents, outdated document
// sets, and outdated user groups, fencing each pass through the KV broker;
// light workers consume the tasks, push the metadata to the index, and tick
// the fence's task-set. Monitors observe empty task-sets and finalize the
// entities; fences whose task-set stopped draining are detached after a
// stall timeout so one lost task cannot block an entity forever.
package syncer

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/fences"
	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// GlobalDocSyncID is the fence id of the tenant-wide stale-document pass.
const GlobalDocSyncID = "global"

// DocSyncTask is one unit of per-document sync work handed to a light
// worker.
type DocSyncTask struct {
	TenantID   string      `json:"tenant_id"`
	TaskID     string      `json:"task_id"`
	DocumentID string      `json:"document_id"`
	FenceKind  fences.Kind `json:"fence_kind"`
	FenceID    string      `json:"fence_id"`
}

// Enqueuer publishes sync tasks to the light worker queue.
type Enqueuer interface {
	EnqueueDocSync(ctx context.Context, task DocSyncTask) error
}

// SyncRecorder persists the lifecycle rows of sync passes. A nil recorder
// selects the store-backed one; tests substitute an in-memory recorder.
type SyncRecorder interface {
	Open(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType) error
	Close(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType, status models.SyncStatus) error
}

// StoreSyncRecorder records sync passes on the sync_records table.
type StoreSyncRecorder struct{}

func (StoreSyncRecorder) Open(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType) error {
	_, err := store.InsertSyncRecord(ctx, tc, entityID, syncType)
	return err
}

func (StoreSyncRecorder) Close(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType, status models.SyncStatus) error {
	rec, err := store.GetLatestSyncRecord(ctx, tc, entityID, syncType)
	if err != nil || rec == nil || rec.Status != models.SyncInProgress {
		return err
	}
	return store.FinalizeSyncRecord(ctx, tc, entityID, syncType, status, rec.NumDocsSynced)
}

// defaultStallTimeout bounds how long a fenced pass may sit with undrained
// tasks before it is detached.
const defaultStallTimeout = 30 * time.Minute

// Coordinator drives one tenant's sync passes.
type Coordinator struct {
	cfg config.SyncConfig
	q   Enqueuer
	rec SyncRecorder
	log *common.ContextLogger
}

// NewCoordinator builds a coordinator. rec may be nil to record sync passes
// in the relational store.
func NewCoordinator(cfg config.SyncConfig, q Enqueuer, rec SyncRecorder, log *common.ContextLogger) *Coordinator {
	if rec == nil {
		rec = StoreSyncRecorder{}
	}
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	return &Coordinator{cfg: cfg, q: q, rec: rec, log: log}
}

func (c *Coordinator) stallTimeout() time.Duration {
	if c.cfg.StallTimeout > 0 {
		return c.cfg.StallTimeout
	}
	return defaultStallTimeout
}

// Pass runs one full coordinator pass: generate, then finalize. Errors in
// one stage are logged and do not block the others; the next pass retries.
func (c *Coordinator) Pass(ctx context.Context, tc tenant.Context) error {
	log := c.log.WithField("tenant_id", tc.TenantID)

	if _, err := c.GenerateStaleDocumentTasks(ctx, tc); err != nil {
		log.WithError(err).Error("Stale document task generation failed")
	}
	if err := c.GenerateDocumentSetTasks(ctx, tc); err != nil {
		log.WithError(err).Error("Document set task generation failed")
	}
	if err := c.GenerateUserGroupTasks(ctx, tc); err != nil {
		log.WithError(err).Error("User group task generation failed")
	}
	if err := c.Finalize(ctx, tc); err != nil {
		log.WithError(err).Error("Sync finalization failed")
	}
	return nil
}

// GenerateStaleDocumentTasks fences the tenant-wide pass and enqueues one
// task per stale document, deduplicating ids globally so a document shared
// by several ccpairs is synced once. Returns the number of tasks created;
// -1 when the pass was skipped because a previous one is still fenced.
func (c *Coordinator) GenerateStaleDocumentTasks(ctx context.Context, tc tenant.Context) (int, error) {
	fence := fences.New(tc.KV, fences.KindDocumentSync, GlobalDocSyncID)

	fenced, err := fence.Fenced(ctx)
	if err != nil {
		return 0, err
	}
	if fenced {
		return -1, nil
	}

	// Claim the pass before generating so a concurrent coordinator skips.
	claim, err := (fences.CountPayload{Submitted: time.Now().UTC()}).Marshal()
	if err != nil {
		return 0, err
	}
	if err := fence.SetFence(ctx, claim); err != nil {
		return 0, err
	}

	pairs, err := store.ListCCPairs(ctx, tc)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{})
	total := 0
	budget := c.cfg.MaxTasksPerPass
	for _, pair := range pairs {
		if budget <= 0 {
			break
		}
		ids, err := store.ListStaleDocumentIDsForCCPair(ctx, tc, pair.ID, budget)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if err := c.enqueue(ctx, tc, fence, fences.KindDocumentSync, GlobalDocSyncID, id); err != nil {
				return total, err
			}
			total++
			budget--
			if budget <= 0 {
				break
			}
		}
	}

	// The final count goes into the payload; zero still fences the pass so
	// the monitor can close it out.
	payload, err := (fences.CountPayload{Submitted: time.Now().UTC(), TaskCount: total}).Marshal()
	if err != nil {
		return total, err
	}
	if err := fence.SetFence(ctx, payload); err != nil {
		return total, err
	}

	if err := c.rec.Open(ctx, tc, GlobalDocSyncID, models.SyncTypeDocument); err != nil {
		c.log.WithError(err).Warn("Failed to open sync record")
	}
	return total, nil
}

// GenerateDocumentSetTasks fences every outdated document set and enqueues
// one task per member document. An empty set is still fenced with count
// zero, which lets the monitor mark it up-to-date on the next pass.
func (c *Coordinator) GenerateDocumentSetTasks(ctx context.Context, tc tenant.Context) error {
	sets, err := store.ListOutdatedDocumentSets(ctx, tc)
	if err != nil {
		return err
	}
	for _, set := range sets {
		if err := c.generateForEntity(ctx, tc, fences.KindDocumentSet,
			strconv.FormatInt(set.ID, 10), models.SyncTypeDocumentSet,
			func() ([]string, error) { return store.DocumentIDsForSet(ctx, tc, set.ID) },
		); err != nil {
			return err
		}
	}
	return nil
}

// GenerateUserGroupTasks is the document-set pass applied to user groups,
// gated on the optional module being present.
func (c *Coordinator) GenerateUserGroupTasks(ctx context.Context, tc tenant.Context) error {
	if !store.UserGroupsAvailable(ctx, tc) {
		return nil
	}
	groups, err := store.ListOutdatedUserGroups(ctx, tc)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if err := c.generateForEntity(ctx, tc, fences.KindUserGroup,
			strconv.FormatInt(group.ID, 10), models.SyncTypeUserGroup,
			func() ([]string, error) { return store.DocumentIDsForGroup(ctx, tc, group.ID) },
		); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) generateForEntity(ctx context.Context, tc tenant.Context, kind fences.Kind, entityID string, syncType models.SyncType, listDocs func() ([]string, error)) error {
	fence := fences.New(tc.KV, kind, entityID)

	fenced, err := fence.Fenced(ctx)
	if err != nil {
		return err
	}
	if fenced {
		return nil
	}

	claim, err := (fences.CountPayload{Submitted: time.Now().UTC()}).Marshal()
	if err != nil {
		return err
	}
	if err := fence.SetFence(ctx, claim); err != nil {
		return err
	}
	if err := fence.ClearTaskSet(ctx); err != nil {
		return err
	}

	ids, err := listDocs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := c.enqueue(ctx, tc, fence, kind, entityID, id); err != nil {
			return err
		}
	}

	payload, err := (fences.CountPayload{Submitted: time.Now().UTC(), TaskCount: len(ids)}).Marshal()
	if err != nil {
		return err
	}
	if err := fence.SetFence(ctx, payload); err != nil {
		return err
	}

	if err := c.rec.Open(ctx, tc, entityID, syncType); err != nil {
		c.log.WithError(err).Warn("Failed to open sync record")
	}
	return nil
}

func (c *Coordinator) enqueue(ctx context.Context, tc tenant.Context, fence *fences.Fence, kind fences.Kind, fenceID, documentID string) error {
	taskID := uuid.NewString()
	if err := fence.AddTasks(ctx, taskID); err != nil {
		return err
	}
	return c.q.EnqueueDocSync(ctx, DocSyncTask{
		TenantID:   tc.TenantID,
		TaskID:     taskID,
		DocumentID: documentID,
		FenceKind:  kind,
		FenceID:    fenceID,
	})
}

// Finalize walks the active-fence registry and closes out every sync fence
// whose task-set drained. Registry entries whose fence key vanished are
// reaped.
func (c *Coordinator) Finalize(ctx context.Context, tc tenant.Context) error {
	registry := fences.NewRegistry(tc.KV)
	if _, err := registry.Reconcile(ctx); err != nil {
		return err
	}

	members, err := registry.Members(ctx)
	if err != nil {
		return err
	}
	for _, key := range members {
		kind, id, ok := parseFenceKey(key)
		if !ok {
			continue
		}
		switch kind {
		case fences.KindDocumentSync:
			err = c.monitorDocSync(ctx, tc, id)
		case fences.KindDocumentSet:
			err = c.monitorDocumentSet(ctx, tc, id)
		case fences.KindUserGroup:
			err = c.monitorUserGroup(ctx, tc, id)
		default:
			continue
		}
		if err != nil {
			c.log.WithFields(map[string]interface{}{
				"fence_kind": string(kind),
				"fence_id":   id,
			}).WithError(err).Error("Sync monitor failed")
		}
	}
	return nil
}

func (c *Coordinator) monitorDocSync(ctx context.Context, tc tenant.Context, id string) error {
	fence := fences.New(tc.KV, fences.KindDocumentSync, id)
	outcome, err := c.observeFence(ctx, fence)
	if err != nil || outcome == fencePending {
		return err
	}
	c.closeSyncRecord(ctx, tc, id, models.SyncTypeDocument, outcome.status())
	return c.detach(ctx, fence, id, outcome)
}

func (c *Coordinator) monitorDocumentSet(ctx context.Context, tc tenant.Context, id string) error {
	fence := fences.New(tc.KV, fences.KindDocumentSet, id)
	outcome, err := c.observeFence(ctx, fence)
	if err != nil || outcome == fencePending {
		return err
	}

	setID, parseErr := strconv.ParseInt(id, 10, 64)
	if outcome == fenceComplete && parseErr == nil {
		set, err := store.GetDocumentSet(ctx, tc, setID)
		if err != nil {
			return err
		}
		if set != nil {
			ids, err := store.DocumentIDsForSet(ctx, tc, setID)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				// Dangling set: nothing references it anymore.
				if err := store.DeleteDocumentSet(ctx, tc, setID); err != nil {
					return err
				}
			} else if err := store.MarkDocumentSetUpToDate(ctx, tc, setID); err != nil {
				return err
			}
		}
	}
	c.closeSyncRecord(ctx, tc, id, models.SyncTypeDocumentSet, outcome.status())
	return c.detach(ctx, fence, id, outcome)
}

func (c *Coordinator) monitorUserGroup(ctx context.Context, tc tenant.Context, id string) error {
	fence := fences.New(tc.KV, fences.KindUserGroup, id)
	outcome, err := c.observeFence(ctx, fence)
	if err != nil || outcome == fencePending {
		return err
	}

	groupID, parseErr := strconv.ParseInt(id, 10, 64)
	if outcome == fenceComplete && parseErr == nil {
		group, err := store.GetUserGroup(ctx, tc, groupID)
		if err != nil {
			return err
		}
		if group != nil {
			ids, err := store.DocumentIDsForGroup(ctx, tc, groupID)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				if err := store.DeleteUserGroup(ctx, tc, groupID); err != nil {
					return err
				}
			} else if err := store.MarkUserGroupUpToDate(ctx, tc, groupID); err != nil {
				return err
			}
		}
	}
	c.closeSyncRecord(ctx, tc, id, models.SyncTypeUserGroup, outcome.status())
	return c.detach(ctx, fence, id, outcome)
}

func (c *Coordinator) closeSyncRecord(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType, status models.SyncStatus) {
	if err := c.rec.Close(ctx, tc, entityID, syncType, status); err != nil {
		c.log.WithError(err).Warn("Failed to finalize sync record")
	}
}

// detach releases the fence (and with it the task-set) so the next
// generation pass can re-claim the entity.
func (c *Coordinator) detach(ctx context.Context, fence *fences.Fence, id string, outcome fenceOutcome) error {
	if outcome == fenceStalled {
		c.log.WithFields(map[string]interface{}{
			"fence_id":      id,
			"stall_timeout": c.stallTimeout().String(),
		}).Warn("Detaching stalled sync fence")
	}
	return fence.SetFence(ctx, nil)
}

// fenceOutcome classifies a fenced sync pass for the monitor.
type fenceOutcome int

const (
	// fencePending: tasks are still draining, or the fence is absent.
	fencePending fenceOutcome = iota
	// fenceComplete: the task-set drained, the pass succeeded.
	fenceComplete
	// fenceCorrupt: the payload is unreadable, reset rather than leak.
	fenceCorrupt
	// fenceStalled: tasks stopped draining past the stall timeout. Workers
	// drop failed tasks without requeue, so a lost task would otherwise pin
	// the fence and block every future pass for the entity.
	fenceStalled
)

func (o fenceOutcome) status() models.SyncStatus {
	switch o {
	case fenceCorrupt:
		return models.SyncCanceled
	case fenceStalled:
		return models.SyncFailed
	default:
		return models.SyncSuccess
	}
}

// observeFence validates one fenced pass: drained, still draining, stalled,
// or corrupt.
func (c *Coordinator) observeFence(ctx context.Context, fence *fences.Fence) (fenceOutcome, error) {
	raw, present, err := fence.Payload(ctx)
	if err != nil || !present {
		return fencePending, err
	}
	payload, err := fences.ParseCountPayload(raw)
	if err != nil {
		return fenceCorrupt, nil
	}
	remaining, err := fence.GetRemaining(ctx)
	if err != nil {
		return fencePending, err
	}
	if remaining == 0 {
		return fenceComplete, nil
	}
	if time.Since(payload.Submitted) >= c.stallTimeout() {
		return fenceStalled, nil
	}
	return fencePending, nil
}

// parseFenceKey decomposes a registry member "onyx:<kind>:fence:<id>".
func parseFenceKey(key string) (fences.Kind, string, bool) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 || parts[0] != "onyx" || parts[2] != "fence" {
		return "", "", false
	}
	return fences.Kind(parts[1]), parts[3], true
}
