package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// ListOutdatedDocumentSets returns the sets whose membership changed since
// the index last saw them.
func ListOutdatedDocumentSets(ctx context.Context, tc tenant.Context) ([]DocumentSet, error) {
	var sets []DocumentSet
	err := tc.DB.WithContext(ctx).
		Where("is_up_to_date = false").
		Find(&sets).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list outdated document sets: %w", err)
	}
	return sets, nil
}

// GetDocumentSet fetches a set by id, nil when it was deleted.
func GetDocumentSet(ctx context.Context, tc tenant.Context, setID int64) (*DocumentSet, error) {
	var set DocumentSet
	err := tc.DB.WithContext(ctx).First(&set, setID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document set %d: %w", setID, err)
	}
	return &set, nil
}

// DocumentIDsForSet returns every document currently in the set.
func DocumentIDsForSet(ctx context.Context, tc tenant.Context, setID int64) ([]string, error) {
	var ids []string
	err := tc.DB.WithContext(ctx).Model(&DocumentSetMembership{}).
		Where("document_set_id = ?", setID).
		Pluck("document_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents for set %d: %w", setID, err)
	}
	return ids, nil
}

// MarkDocumentSetUpToDate records that the index reflects the set's current
// membership.
func MarkDocumentSetUpToDate(ctx context.Context, tc tenant.Context, setID int64) error {
	return tc.DB.WithContext(ctx).Model(&DocumentSet{}).
		Where("id = ?", setID).
		Update("is_up_to_date", true).Error
}

// MarkDocumentSetOutdated flags the set for the next sync pass. Membership
// mutations call this.
func MarkDocumentSetOutdated(ctx context.Context, tc tenant.Context, setID int64) error {
	return tc.DB.WithContext(ctx).Model(&DocumentSet{}).
		Where("id = ?", setID).
		Update("is_up_to_date", false).Error
}

// DeleteDocumentSet removes a dangling set and its memberships. The monitor
// calls this when a fenced set row vanished mid-sync.
func DeleteDocumentSet(ctx context.Context, tc tenant.Context, setID int64) error {
	return tc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_set_id = ?", setID).
			Delete(&DocumentSetMembership{}).Error; err != nil {
			return fmt.Errorf("failed to delete memberships of set %d: %w", setID, err)
		}
		if err := tx.Delete(&DocumentSet{}, setID).Error; err != nil {
			return fmt.Errorf("failed to delete document set %d: %w", setID, err)
		}
		return nil
	})
}
