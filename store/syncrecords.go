package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// InsertSyncRecord opens an IN_PROGRESS record for a sync pass over one
// entity.
func InsertSyncRecord(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType) (*SyncRecord, error) {
	record := &SyncRecord{
		EntityID:      entityID,
		SyncType:      syncType,
		Status:        models.SyncInProgress,
		SyncStartTime: time.Now().UTC(),
	}
	if err := tc.DB.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to insert sync record for %s/%s: %w", syncType, entityID, err)
	}
	return record, nil
}

// FinalizeSyncRecord closes the latest open record for the entity with a
// terminal status and the docs-synced counter.
func FinalizeSyncRecord(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType, status models.SyncStatus, numDocsSynced int) error {
	now := time.Now().UTC()
	res := tc.DB.WithContext(ctx).Model(&SyncRecord{}).
		Where("entity_id = ? AND sync_type = ? AND status = ?", entityID, syncType, models.SyncInProgress).
		Updates(map[string]interface{}{
			"status":          status,
			"num_docs_synced": numDocsSynced,
			"sync_end_time":   now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finalize sync record for %s/%s: %w", syncType, entityID, res.Error)
	}
	return nil
}

// GetLatestSyncRecord returns the most recent record for an entity, nil
// when none exists.
func GetLatestSyncRecord(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType) (*SyncRecord, error) {
	var record SyncRecord
	err := tc.DB.WithContext(ctx).
		Where("entity_id = ? AND sync_type = ?", entityID, syncType).
		Order("id DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sync record for %s/%s: %w", syncType, entityID, err)
	}
	return &record, nil
}

// IncrementSyncedDocs bumps the progress counter on the open record.
func IncrementSyncedDocs(ctx context.Context, tc tenant.Context, entityID string, syncType models.SyncType, delta int) error {
	return tc.DB.WithContext(ctx).Model(&SyncRecord{}).
		Where("entity_id = ? AND sync_type = ? AND status = ?", entityID, syncType, models.SyncInProgress).
		Update("num_docs_synced", gorm.Expr("num_docs_synced + ?", delta)).Error
}
