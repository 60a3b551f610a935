package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// UserGroupsAvailable reports whether the user-group module's tables exist
// in the tenant schema. The sync coordinator gates group task generation on
// this; deployments without the module simply skip the pass.
func UserGroupsAvailable(ctx context.Context, tc tenant.Context) bool {
	return tc.DB.WithContext(ctx).Migrator().HasTable(&UserGroup{})
}

// ListOutdatedUserGroups returns the groups whose membership changed since
// the index last saw them.
func ListOutdatedUserGroups(ctx context.Context, tc tenant.Context) ([]UserGroup, error) {
	var groups []UserGroup
	err := tc.DB.WithContext(ctx).
		Where("is_up_to_date = false").
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list outdated user groups: %w", err)
	}
	return groups, nil
}

// GetUserGroup fetches a group by id, nil when it was deleted.
func GetUserGroup(ctx context.Context, tc tenant.Context, groupID int64) (*UserGroup, error) {
	var group UserGroup
	err := tc.DB.WithContext(ctx).First(&group, groupID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch user group %d: %w", groupID, err)
	}
	return &group, nil
}

// DocumentIDsForGroup returns every document whose visibility the group
// affects.
func DocumentIDsForGroup(ctx context.Context, tc tenant.Context, groupID int64) ([]string, error) {
	var ids []string
	err := tc.DB.WithContext(ctx).Model(&UserGroupMembership{}).
		Where("user_group_id = ?", groupID).
		Pluck("document_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents for group %d: %w", groupID, err)
	}
	return ids, nil
}

// MarkUserGroupUpToDate records that the index reflects the group's current
// membership.
func MarkUserGroupUpToDate(ctx context.Context, tc tenant.Context, groupID int64) error {
	return tc.DB.WithContext(ctx).Model(&UserGroup{}).
		Where("id = ?", groupID).
		Update("is_up_to_date", true).Error
}

// DeleteUserGroup removes a dangling group and its memberships.
func DeleteUserGroup(ctx context.Context, tc tenant.Context, groupID int64) error {
	return tc.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_group_id = ?", groupID).
			Delete(&UserGroupMembership{}).Error; err != nil {
			return fmt.Errorf("failed to delete memberships of group %d: %w", groupID, err)
		}
		if err := tx.Delete(&UserGroup{}, groupID).Error; err != nil {
			return fmt.Errorf("failed to delete user group %d: %w", groupID, err)
		}
		return nil
	})
}
