package store

import (
	"context"
	"fmt"

	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// RecordConnectorFailures persists the per-document and per-entity failures
// of one attempt batch.
func RecordConnectorFailures(ctx context.Context, tc tenant.Context, attemptID, ccPairID int64, failures []models.ConnectorFailure) error {
	if len(failures) == 0 {
		return nil
	}
	rows := make([]IndexAttemptError, 0, len(failures))
	for _, f := range failures {
		row := IndexAttemptError{
			IndexAttemptID: attemptID,
			CCPairID:       ccPairID,
			FailureMessage: f.Message,
		}
		if f.FailedDocument != nil {
			row.DocumentID = f.FailedDocument.DocumentID
			row.DocumentLink = f.FailedDocument.DocumentLink
		}
		if f.FailedEntity != nil {
			row.EntityID = f.FailedEntity.EntityID
		}
		rows = append(rows, row)
	}
	if err := tc.DB.WithContext(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to record connector failures: %w", err)
	}
	return nil
}

// ResolveDocumentFailures flips IsResolved on every unresolved failure row
// for documents that just indexed successfully.
func ResolveDocumentFailures(ctx context.Context, tc tenant.Context, ccPairID int64, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	err := tc.DB.WithContext(ctx).Model(&IndexAttemptError{}).
		Where("cc_pair_id = ? AND document_id IN ? AND is_resolved = false", ccPairID, documentIDs).
		Update("is_resolved", true).Error
	if err != nil {
		return fmt.Errorf("failed to resolve document failures: %w", err)
	}
	return nil
}

// ListUnresolvedFailures returns the open failure rows for a ccpair,
// surfaced to operators alongside attempt status.
func ListUnresolvedFailures(ctx context.Context, tc tenant.Context, ccPairID int64) ([]IndexAttemptError, error) {
	var rows []IndexAttemptError
	err := tc.DB.WithContext(ctx).
		Where("cc_pair_id = ? AND is_resolved = false", ccPairID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved failures: %w", err)
	}
	return rows, nil
}
