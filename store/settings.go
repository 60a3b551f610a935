package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// GetPresentSearchSettings returns the single PRESENT index generation.
func GetPresentSearchSettings(ctx context.Context, tc tenant.Context) (*SearchSettings, error) {
	var settings SearchSettings
	err := tc.DB.WithContext(ctx).
		Where("status = ?", models.SettingsPresent).
		First(&settings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch present search settings: %w", err)
	}
	return &settings, nil
}

// GetFutureSearchSettings returns the FUTURE generation being built, nil
// when no migration is in progress.
func GetFutureSearchSettings(ctx context.Context, tc tenant.Context) (*SearchSettings, error) {
	var settings SearchSettings
	err := tc.DB.WithContext(ctx).
		Where("status = ?", models.SettingsFuture).
		First(&settings).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch future search settings: %w", err)
	}
	return &settings, nil
}

// ListActiveSearchSettings returns PRESENT plus FUTURE (when present), the
// set every ccpair must be indexed against.
func ListActiveSearchSettings(ctx context.Context, tc tenant.Context) ([]SearchSettings, error) {
	var settings []SearchSettings
	err := tc.DB.WithContext(ctx).
		Where("status IN ?", []models.SearchSettingsStatus{models.SettingsPresent, models.SettingsFuture}).
		Order("id").
		Find(&settings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active search settings: %w", err)
	}
	return settings, nil
}

// SwapSearchSettings completes an index migration in one transaction:
// PRESENT becomes PAST and FUTURE becomes PRESENT. No-op when there is no
// FUTURE generation.
func SwapSearchSettings(ctx context.Context, tc tenant.Context) (bool, error) {
	swapped := false
	err := tc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var future SearchSettings
		err := tx.Where("status = ?", models.SettingsFuture).First(&future).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := tx.Model(&SearchSettings{}).
			Where("status = ?", models.SettingsPresent).
			Update("status", models.SettingsPast).Error; err != nil {
			return err
		}
		if err := tx.Model(&SearchSettings{}).
			Where("id = ?", future.ID).
			Update("status", models.SettingsPresent).Error; err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to swap search settings: %w", err)
	}
	return swapped, nil
}
