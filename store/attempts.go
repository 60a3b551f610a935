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

// ErrTerminalAttempt is returned when a caller tries to move an attempt out
// of a terminal state.
var ErrTerminalAttempt = errors.New("index attempt is already in a terminal state")

// CreateIndexAttempt inserts a NOT_STARTED attempt row and returns it.
func CreateIndexAttempt(ctx context.Context, tc tenant.Context, ccPairID, searchSettingsID int64, fromBeginning bool) (*IndexAttempt, error) {
	attempt := &IndexAttempt{
		CCPairID:         ccPairID,
		SearchSettingsID: searchSettingsID,
		Status:           models.StatusNotStarted,
		FromBeginning:    fromBeginning,
	}
	if err := tc.DB.WithContext(ctx).Create(attempt).Error; err != nil {
		return nil, fmt.Errorf("failed to create index attempt: %w", err)
	}
	return attempt, nil
}

// GetIndexAttempt fetches an attempt by id.
func GetIndexAttempt(ctx context.Context, tc tenant.Context, attemptID int64) (*IndexAttempt, error) {
	var attempt IndexAttempt
	if err := tc.DB.WithContext(ctx).First(&attempt, attemptID).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch index attempt %d: %w", attemptID, err)
	}
	return &attempt, nil
}

// GetLastAttempt returns the most recent attempt for a (ccpair, settings)
// pair, or nil when none exists.
func GetLastAttempt(ctx context.Context, tc tenant.Context, ccPairID, searchSettingsID int64) (*IndexAttempt, error) {
	var attempt IndexAttempt
	err := tc.DB.WithContext(ctx).
		Where("cc_pair_id = ? AND search_settings_id = ?", ccPairID, searchSettingsID).
		Order("id DESC").
		First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last attempt for pair %d/%d: %w", ccPairID, searchSettingsID, err)
	}
	return &attempt, nil
}

// MarkAttemptStarted transitions NOT_STARTED -> IN_PROGRESS and records the
// poll window. The window end is fixed at start so a retry of a failed
// attempt can reuse it.
func MarkAttemptStarted(ctx context.Context, tc tenant.Context, attemptID int64, pollStart, pollEnd time.Time) error {
	now := time.Now().UTC()
	res := tc.DB.WithContext(ctx).Model(&IndexAttempt{}).
		Where("id = ? AND status = ?", attemptID, models.StatusNotStarted).
		Updates(map[string]interface{}{
			"status":           models.StatusInProgress,
			"time_started":     now,
			"poll_range_start": pollStart,
			"poll_range_end":   pollEnd,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to mark attempt %d started: %w", attemptID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("attempt %d was not in NOT_STARTED", attemptID)
	}
	return nil
}

// MarkAttemptTerminal records a terminal status with reason. Terminal rows
// are immutable: an attempt already terminal is left untouched and
// ErrTerminalAttempt returned.
func MarkAttemptTerminal(ctx context.Context, tc tenant.Context, attemptID int64, status models.IndexingStatus, errorMsg, trace string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %s is not terminal", status)
	}
	res := tc.DB.WithContext(ctx).Model(&IndexAttempt{}).
		Where("id = ? AND status IN ?", attemptID,
			[]models.IndexingStatus{models.StatusNotStarted, models.StatusInProgress}).
		Updates(map[string]interface{}{
			"status":               status,
			"error_msg":            errorMsg,
			"full_exception_trace": trace,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to finalize attempt %d: %w", attemptID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrTerminalAttempt
	}
	return nil
}

// SaveAttemptCheckpoint persists the connector checkpoint blob verbatim.
func SaveAttemptCheckpoint(ctx context.Context, tc tenant.Context, attemptID int64, blob string) error {
	return tc.DB.WithContext(ctx).Model(&IndexAttempt{}).
		Where("id = ?", attemptID).
		Update("checkpoint_blob", blob).Error
}

// UpdateAttemptProgress accumulates document and chunk counters on a
// running attempt.
func UpdateAttemptProgress(ctx context.Context, tc tenant.Context, attemptID int64, newDocs, totalDocs, totalChunks int) error {
	return tc.DB.WithContext(ctx).Model(&IndexAttempt{}).
		Where("id = ?", attemptID).
		Updates(map[string]interface{}{
			"new_docs_indexed":   gorm.Expr("new_docs_indexed + ?", newDocs),
			"total_docs_indexed": gorm.Expr("total_docs_indexed + ?", totalDocs),
			"total_chunks":       gorm.Expr("total_chunks + ?", totalChunks),
		}).Error
}

// ListInProgressAttempts returns every attempt currently marked
// IN_PROGRESS. The beat cross-checks each against its fence.
func ListInProgressAttempts(ctx context.Context, tc tenant.Context) ([]IndexAttempt, error) {
	var attempts []IndexAttempt
	err := tc.DB.WithContext(ctx).
		Where("status = ?", models.StatusInProgress).
		Find(&attempts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress attempts: %w", err)
	}
	return attempts, nil
}

// CountRecentFailedAttempts returns how many of the pair's most recent
// limit attempts failed consecutively, newest first, stopping at the first
// non-failed one.
func CountRecentFailedAttempts(ctx context.Context, tc tenant.Context, ccPairID, searchSettingsID int64, limit int) (int, error) {
	var attempts []IndexAttempt
	err := tc.DB.WithContext(ctx).
		Select("status").
		Where("cc_pair_id = ? AND search_settings_id = ? AND status NOT IN ?",
			ccPairID, searchSettingsID,
			[]models.IndexingStatus{models.StatusNotStarted, models.StatusInProgress}).
		Order("id DESC").
		Limit(limit).
		Find(&attempts).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count failed attempts: %w", err)
	}

	count := 0
	for _, a := range attempts {
		if a.Status != models.StatusFailed {
			break
		}
		count++
	}
	return count, nil
}
