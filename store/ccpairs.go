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

// ListCCPairs returns every connector-credential pair in the tenant.
func ListCCPairs(ctx context.Context, tc tenant.Context) ([]CCPair, error) {
	var pairs []CCPair
	if err := tc.DB.WithContext(ctx).Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("failed to list ccpairs: %w", err)
	}
	return pairs, nil
}

// GetCCPair fetches one pair by id, nil when absent.
func GetCCPair(ctx context.Context, tc tenant.Context, ccPairID int64) (*CCPair, error) {
	var pair CCPair
	err := tc.DB.WithContext(ctx).First(&pair, ccPairID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ccpair %d: %w", ccPairID, err)
	}
	return &pair, nil
}

// ClearIndexingTrigger resets the manual trigger after the beat consumed
// it.
func ClearIndexingTrigger(ctx context.Context, tc tenant.Context, ccPairID int64) error {
	return tc.DB.WithContext(ctx).Model(&CCPair{}).
		Where("id = ?", ccPairID).
		Update("indexing_trigger", models.TriggerNone).Error
}

// SetIndexingTrigger records an operator request for the next beat pass.
func SetIndexingTrigger(ctx context.Context, tc tenant.Context, ccPairID int64, trigger models.IndexingTrigger) error {
	return tc.DB.WithContext(ctx).Model(&CCPair{}).
		Where("id = ?", ccPairID).
		Update("indexing_trigger", trigger).Error
}

// SetRepeatedErrorState flips the pair's repeated-error flag. The beat sets
// it after a run of consecutive failures and clears it on the next success.
func SetRepeatedErrorState(ctx context.Context, tc tenant.Context, ccPairID int64, inError bool) error {
	return tc.DB.WithContext(ctx).Model(&CCPair{}).
		Where("id = ?", ccPairID).
		Update("in_repeated_error_state", inError).Error
}

// UpdateLastSuccessfulIndexTime advances the pair's success watermark.
func UpdateLastSuccessfulIndexTime(ctx context.Context, tc tenant.Context, ccPairID int64, t time.Time) error {
	return tc.DB.WithContext(ctx).Model(&CCPair{}).
		Where("id = ?", ccPairID).
		Update("last_successful_index_time", t).Error
}

// SetCCPairStatus moves the pair between ACTIVE, PAUSED, and DELETING.
func SetCCPairStatus(ctx context.Context, tc tenant.Context, ccPairID int64, status models.CCPairStatus) error {
	return tc.DB.WithContext(ctx).Model(&CCPair{}).
		Where("id = ?", ccPairID).
		Update("status", status).Error
}
