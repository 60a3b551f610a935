package syncer

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/fences"
	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/pipeline"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// Worker executes per-document sync tasks: push one document's metadata
// (ACL, document sets, boost, hidden) to the search index and record the
// sync in the store.
type Worker struct {
	index pipeline.SearchIndex
	cfg   config.SyncConfig
	log   *common.ContextLogger
}

// NewWorker builds a sync worker.
func NewWorker(index pipeline.SearchIndex, cfg config.SyncConfig, log *common.ContextLogger) *Worker {
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	return &Worker{index: index, cfg: cfg, log: log}
}

// syncRetryPolicy backs off 2^(retries+4) seconds, so 16s, 32s, 64s...,
// bounded overall by the task's soft time limit through the context.
func syncRetryPolicy(cap time.Duration) common.RetryPolicy {
	return common.RetryPolicy{
		MaxAttempts:  8,
		InitialDelay: 16 * time.Second,
		MaxDelay:     cap,
		Multiplier:   2,
	}
}

// SyncDocument processes one task against indexName. The task-set entry is
// removed on success and on the non-retryable paths; retryable failures
// leave it in place so the coordinator can observe the stall.
func (w *Worker) SyncDocument(ctx context.Context, tc tenant.Context, task DocSyncTask, indexName string) error {
	log := w.log.WithFields(map[string]interface{}{
		"tenant_id":   tc.TenantID,
		"document_id": task.DocumentID,
		"task_id":     task.TaskID,
	})
	fence := fences.New(tc.KV, task.FenceKind, task.FenceID)

	ctx, cancel := context.WithTimeout(ctx, w.cfg.SoftTimeLimit)
	defer cancel()

	info, err := store.GetDocumentSyncInfo(ctx, tc, task.DocumentID)
	if err != nil {
		return err
	}
	if info == nil {
		// Deleted under the task's feet: remove it from the index too.
		log.Info("Document row gone, removing from index")
		if err := w.index.DeleteDocument(ctx, indexName, task.DocumentID); err != nil {
			return err
		}
		return fence.CompleteTask(ctx, task.TaskID)
	}

	update := pipeline.MetadataUpdate{
		ACLEntries:   info.Access.ToACLEntries(),
		DocumentSets: info.DocumentSets,
		BoostFactor:  &info.Boost,
		Hidden:       &info.Hidden,
	}

	err = store.WithDocumentLocks(ctx, tc, []string{task.DocumentID}, func(tx *gorm.DB) error {
		if err := w.updateWithRetry(ctx, indexName, task.DocumentID, update); err != nil {
			return err
		}
		return tx.Model(&store.Document{}).
			Where("id = ?", task.DocumentID).
			Update("last_synced_at", time.Now().UTC()).Error
	})
	if err != nil {
		log.WithError(err).Error("Document sync failed")
		return err
	}

	if err := store.IncrementSyncedDocs(ctx, tc, task.FenceID, syncTypeForKind(task.FenceKind), 1); err != nil {
		log.WithError(err).Warn("Failed to bump sync record counter")
	}
	return fence.CompleteTask(ctx, task.TaskID)
}

// updateWithRetry applies the backoff policy to the index call. A 400
// response can never succeed and is not retried.
func (w *Worker) updateWithRetry(ctx context.Context, indexName, documentID string, update pipeline.MetadataUpdate) error {
	return common.Retry(ctx, syncRetryPolicy(w.cfg.SoftTimeLimit), func() error {
		err := w.index.UpdateDocumentMetadata(ctx, indexName, documentID, update)
		var status *pipeline.StatusError
		if errors.As(err, &status) && status.StatusCode == 400 {
			return common.Permanent(err)
		}
		return err
	})
}

func syncTypeForKind(kind fences.Kind) models.SyncType {
	switch kind {
	case fences.KindDocumentSet:
		return models.SyncTypeDocumentSet
	case fences.KindUserGroup:
		return models.SyncTypeUserGroup
	default:
		return models.SyncTypeDocument
	}
}
