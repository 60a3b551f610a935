package models

// IndexingStatus is the lifecycle state of an index attempt. Terminal states
// are immutable once recorded.
type IndexingStatus string

const (
	StatusNotStarted     IndexingStatus = "not_started"
	StatusInProgress     IndexingStatus = "in_progress"
	StatusSuccess        IndexingStatus = "success"
	StatusPartialSuccess IndexingStatus = "completed_with_errors"
	StatusFailed         IndexingStatus = "failed"
	StatusCanceled       IndexingStatus = "canceled"
)

// IsTerminal reports whether the status ends the attempt state machine.
func (s IndexingStatus) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// IsSuccessful reports whether the attempt produced a usable index pass.
func (s IndexingStatus) IsSuccessful() bool {
	return s == StatusSuccess || s == StatusPartialSuccess
}

// CCPairStatus is the administrative state of a connector-credential pair.
type CCPairStatus string

const (
	CCPairActive   CCPairStatus = "ACTIVE"
	CCPairPaused   CCPairStatus = "PAUSED"
	CCPairDeleting CCPairStatus = "DELETING"
)

// IndexingTrigger is an operator-requested indexing mode override.
type IndexingTrigger string

const (
	TriggerNone    IndexingTrigger = ""
	TriggerUpdate  IndexingTrigger = "update"
	TriggerReindex IndexingTrigger = "reindex"
)

// AccessType describes how document visibility is determined for a ccpair.
type AccessType string

const (
	AccessPublic  AccessType = "public"
	AccessPrivate AccessType = "private"
	AccessSync    AccessType = "sync"
)

// SearchSettingsStatus tracks index generations: exactly one PRESENT at any
// time and at most one FUTURE while a migration is building.
type SearchSettingsStatus string

const (
	SettingsPresent SearchSettingsStatus = "PRESENT"
	SettingsFuture  SearchSettingsStatus = "FUTURE"
	SettingsPast    SearchSettingsStatus = "PAST"
)

// SyncType classifies a metadata sync pass.
type SyncType string

const (
	SyncTypeDocument            SyncType = "document"
	SyncTypeDocumentSet         SyncType = "document_set"
	SyncTypeUserGroup           SyncType = "user_group"
	SyncTypeConnectorDeletion   SyncType = "connector_deletion"
	SyncTypePruning             SyncType = "pruning"
	SyncTypeExternalPermissions SyncType = "external_permissions"
)

// SyncStatus is the lifecycle state of a sync record.
type SyncStatus string

const (
	SyncInProgress SyncStatus = "in_progress"
	SyncSuccess    SyncStatus = "success"
	SyncFailed     SyncStatus = "failed"
	SyncCanceled   SyncStatus = "canceled"
)
