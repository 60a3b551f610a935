package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// UpsertDocumentMetadata inserts document rows for a batch, leaving
// DocUpdatedAt untouched: that column only advances after a successful
// index write. Existing rows get their semantic identifier and link
// refreshed. The ccpair relationship is tagged in the same transaction.
func UpsertDocumentMetadata(ctx context.Context, tc tenant.Context, docs []models.Document, ccPairID int64) error {
	if len(docs) == 0 {
		return nil
	}
	return tc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows := make([]Document, 0, len(docs))
		rels := make([]DocumentByCCPair, 0, len(docs))
		for _, d := range docs {
			link := ""
			for _, s := range d.Sections {
				if s.Text != nil && s.Text.Link != "" {
					link = s.Text.Link
					break
				}
			}
			rows = append(rows, Document{
				ID:                 d.ID,
				SemanticIdentifier: d.SemanticIdentifier,
				Link:               link,
				Boost:              1,
			})
			rels = append(rels, DocumentByCCPair{
				DocumentID: d.ID,
				CCPairID:   ccPairID,
			})
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"semantic_identifier", "link", "updated_at",
			}),
		}).Create(&rows).Error; err != nil {
			return fmt.Errorf("failed to upsert document metadata: %w", err)
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&rels).Error; err != nil {
			return fmt.Errorf("failed to tag ccpair documents: %w", err)
		}
		return nil
	})
}

// GetDocuments returns the store rows for the given ids, keyed by id.
// Missing ids are simply absent from the map.
func GetDocuments(ctx context.Context, tc tenant.Context, ids []string) (map[string]Document, error) {
	if len(ids) == 0 {
		return map[string]Document{}, nil
	}
	var rows []Document
	if err := tc.DB.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch documents: %w", err)
	}
	out := make(map[string]Document, len(rows))
	for _, r := range rows {
		out[r.ID] = r
	}
	return out, nil
}

// DocumentIndexUpdate carries the per-document results of one successfully
// written pipeline batch.
type DocumentIndexUpdate struct {
	DocumentID   string
	DocUpdatedAt *time.Time
	ChunkCount   int
	TokenCount   int
	BoostFactor  float64
}

// WithDocumentLocks runs fn inside a transaction holding per-document
// advisory locks on all ids. Ids are locked in sorted order to preclude
// deadlocks with sync workers locking overlapping sets.
func WithDocumentLocks(ctx context.Context, tc tenant.Context, ids []string, fn func(tx *gorm.DB) error) error {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	return tc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, id := range sorted {
			if err := tx.Exec(
				"SELECT pg_advisory_xact_lock(hashtextextended(?, 0))", id,
			).Error; err != nil {
				return fmt.Errorf("failed to take advisory lock on %s: %w", id, err)
			}
		}
		return fn(tx)
	})
}

// FinalizeDocumentBatch persists the outcome of one written batch in a
// single transaction: advance DocUpdatedAt, bump LastModified (which
// enqueues the doc for metadata re-sync), store chunk and token counts and
// boost factors, and mark the docs indexed for the ccpair. Callers hold the
// advisory locks via WithDocumentLocks.
func FinalizeDocumentBatch(tx *gorm.DB, updates []DocumentIndexUpdate, ccPairID int64) error {
	now := time.Now().UTC()
	ids := make([]string, 0, len(updates))
	for _, u := range updates {
		ids = append(ids, u.DocumentID)
		values := map[string]interface{}{
			"last_modified": now,
			"chunk_count":   u.ChunkCount,
			"token_count":   u.TokenCount,
			"boost":         u.BoostFactor,
		}
		if u.DocUpdatedAt != nil {
			values["doc_updated_at"] = *u.DocUpdatedAt
		}
		if err := tx.Model(&Document{}).
			Where("id = ?", u.DocumentID).
			Updates(values).Error; err != nil {
			return fmt.Errorf("failed to finalize document %s: %w", u.DocumentID, err)
		}
	}

	if err := tx.Model(&DocumentByCCPair{}).
		Where("document_id IN ? AND cc_pair_id = ?", ids, ccPairID).
		Update("has_been_indexed", true).Error; err != nil {
		return fmt.Errorf("failed to mark documents indexed for ccpair %d: %w", ccPairID, err)
	}
	return nil
}

// MarkDocumentSynced records that the search index now reflects the
// document's metadata as of the given time.
func MarkDocumentSynced(ctx context.Context, tc tenant.Context, documentID string, at time.Time) error {
	return tc.DB.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Update("last_synced_at", at).Error
}

// staleCondition selects documents whose metadata changed since the last
// sync (or that were never synced).
const staleCondition = "last_modified IS NOT NULL AND (last_synced_at IS NULL OR last_modified > last_synced_at)"

// CountStaleDocuments returns how many documents need a metadata sync.
func CountStaleDocuments(ctx context.Context, tc tenant.Context) (int64, error) {
	var count int64
	err := tc.DB.WithContext(ctx).Model(&Document{}).
		Where(staleCondition).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count stale documents: %w", err)
	}
	return count, nil
}

// ListStaleDocumentIDsForCCPair returns up to limit stale document ids
// belonging to the pair, ordered oldest modification first.
func ListStaleDocumentIDsForCCPair(ctx context.Context, tc tenant.Context, ccPairID int64, limit int) ([]string, error) {
	var ids []string
	err := tc.DB.WithContext(ctx).Model(&Document{}).
		Joins("JOIN document_by_cc_pairs rel ON rel.document_id = documents.id").
		Where("rel.cc_pair_id = ?", ccPairID).
		Where(staleCondition).
		Order("last_modified ASC").
		Limit(limit).
		Pluck("documents.id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale documents for ccpair %d: %w", ccPairID, err)
	}
	return ids, nil
}

// GetDocumentSyncInfo gathers everything the per-document sync worker sends
// to the search index: access, document-set membership, boost, hidden, and
// the chunk count for fan-out.
type DocumentSyncInfo struct {
	DocumentID   string
	Access       models.DocumentAccess
	DocumentSets []string
	Boost        float64
	Hidden       bool
	ChunkCount   int
}

// GetDocumentSyncInfo loads the sync payload for one document, nil when the
// document row is gone (deleted under the task's feet).
func GetDocumentSyncInfo(ctx context.Context, tc tenant.Context, documentID string) (*DocumentSyncInfo, error) {
	docs, err := GetDocuments(ctx, tc, []string{documentID})
	if err != nil {
		return nil, err
	}
	doc, ok := docs[documentID]
	if !ok {
		return nil, nil
	}

	var setNames []string
	err = tc.DB.WithContext(ctx).Model(&DocumentSet{}).
		Joins("JOIN document_set_memberships m ON m.document_set_id = document_sets.id").
		Where("m.document_id = ?", documentID).
		Pluck("document_sets.name", &setNames).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch set membership for %s: %w", documentID, err)
	}

	access, err := accessForDocument(ctx, tc, documentID)
	if err != nil {
		return nil, err
	}

	return &DocumentSyncInfo{
		DocumentID:   documentID,
		Access:       access,
		DocumentSets: setNames,
		Boost:        doc.Boost,
		Hidden:       doc.Hidden,
		ChunkCount:   doc.ChunkCount,
	}, nil
}

// accessForDocument derives the document's access record from the access
// types of the ccpairs it belongs to plus user-group membership. A single
// public ccpair makes the document public.
func accessForDocument(ctx context.Context, tc tenant.Context, documentID string) (models.DocumentAccess, error) {
	var accessTypes []models.AccessType
	err := tc.DB.WithContext(ctx).Model(&CCPair{}).
		Joins("JOIN document_by_cc_pairs rel ON rel.cc_pair_id = cc_pairs.id").
		Where("rel.document_id = ?", documentID).
		Pluck("cc_pairs.access_type", &accessTypes).Error
	if err != nil {
		return models.DocumentAccess{}, fmt.Errorf("failed to fetch access types for %s: %w", documentID, err)
	}

	var groups []string
	err = tc.DB.WithContext(ctx).Model(&UserGroup{}).
		Joins("JOIN user_group_memberships m ON m.user_group_id = user_groups.id").
		Where("m.document_id = ?", documentID).
		Pluck("user_groups.name", &groups).Error
	if err != nil {
		return models.DocumentAccess{}, fmt.Errorf("failed to fetch group membership for %s: %w", documentID, err)
	}

	access := models.DocumentAccess{UserGroups: groups}
	for _, at := range accessTypes {
		if at == models.AccessPublic {
			access.IsPublic = true
			break
		}
	}
	return access, nil
}
