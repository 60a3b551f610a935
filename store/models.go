// Package store provides the relational-store layer of the orchestrator:
// gorm models for the durable entities and typed repository functions for
// every query the core performs. Models are plain data records; there is no
// lazy loading, and all multi-row updates happen inside explicit
// transactions.
//
// The store exclusively owns index-attempt status, ccpair state, sync
// records, and the durable checkpoint blob. Coordination state (fences,
// task-sets, locks) lives in the KV broker; the two are reconciled by the
// beat, never mirrored.
package store

import (
	"time"

	"github.com/zerafachris/onyx-cz-sub000/models"
)

// CCPair is a connector-credential pairing, the unit of scheduling.
type CCPair struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	ConnectorID  int64  `gorm:"not null;index"`
	CredentialID int64  `gorm:"not null;index"`

	Status          models.CCPairStatus    `gorm:"not null;default:ACTIVE"`
	IndexingTrigger models.IndexingTrigger `gorm:"default:''"`
	AccessType      models.AccessType      `gorm:"not null;default:public"`

	// Source and Config identify and parameterize the connector adapter.
	Source models.DocumentSource `gorm:"not null"`
	Config []byte                `gorm:"type:jsonb"`

	// RefreshFreqSeconds overrides the global refresh frequency; zero means
	// use the default.
	RefreshFreqSeconds int64

	LastSuccessfulIndexTime *time.Time
	InRepeatedErrorState    bool `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RefreshFrequency returns the pair's refresh period, falling back to def.
func (c *CCPair) RefreshFrequency(def time.Duration) time.Duration {
	if c.RefreshFreqSeconds > 0 {
		return time.Duration(c.RefreshFreqSeconds) * time.Second
	}
	return def
}

// SearchSettings is one index generation: model, index name, chunking mode.
type SearchSettings struct {
	ID int64 `gorm:"primaryKey"`

	Status            models.SearchSettingsStatus `gorm:"not null;index"`
	ProviderType      string
	ModelName         string `gorm:"not null"`
	IndexName         string `gorm:"not null"`
	MultipassIndexing bool   `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IndexAttempt is one indexing run of one ccpair against one index
// generation. Status transitions NOT_STARTED -> IN_PROGRESS -> terminal;
// terminal states are immutable.
type IndexAttempt struct {
	ID               int64 `gorm:"primaryKey"`
	CCPairID         int64 `gorm:"not null;index:idx_attempt_pair"`
	SearchSettingsID int64 `gorm:"not null;index:idx_attempt_pair"`

	Status        models.IndexingStatus `gorm:"not null;index"`
	FromBeginning bool                  `gorm:"not null;default:false"`

	PollRangeStart *time.Time
	PollRangeEnd   *time.Time

	// CheckpointBlob stores the connector checkpoint JSON verbatim.
	CheckpointBlob string `gorm:"type:text"`

	ErrorMsg           string `gorm:"type:text"`
	FullExceptionTrace string `gorm:"type:text"`

	TotalDocsIndexed int
	NewDocsIndexed   int
	TotalChunks      int

	TimeStarted *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Document is the store-side record of a source document. NeedsSync is
// derived: LastModified newer than LastSyncedAt (or never synced).
type Document struct {
	ID                 string `gorm:"primaryKey"`
	SemanticIdentifier string
	Link               string

	Boost  float64 `gorm:"not null;default:1"`
	Hidden bool    `gorm:"not null;default:false"`

	// DocUpdatedAt advances only after a successful index write; it is the
	// freshness watermark the pipeline compares against.
	DocUpdatedAt *time.Time

	// LastModified is bumped by any metadata change and enqueues the doc
	// for re-sync.
	LastModified *time.Time `gorm:"index"`

	LastSyncedAt *time.Time `gorm:"index"`

	ChunkCount int
	TokenCount int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentByCCPair tags a document as belonging to a ccpair.
type DocumentByCCPair struct {
	DocumentID     string `gorm:"primaryKey"`
	CCPairID       int64  `gorm:"primaryKey;index"`
	HasBeenIndexed bool   `gorm:"not null;default:false"`

	CreatedAt time.Time
}

// IndexAttemptError is a per-document failure recorded during an attempt.
// A later successful indexing of the document resolves it.
type IndexAttemptError struct {
	ID             int64  `gorm:"primaryKey"`
	IndexAttemptID int64  `gorm:"not null;index"`
	CCPairID       int64  `gorm:"not null;index"`
	DocumentID     string `gorm:"index"`
	DocumentLink   string
	EntityID       string
	FailureMessage string `gorm:"type:text"`
	IsResolved     bool   `gorm:"not null;default:false;index"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SyncRecord tracks one sync pass over one entity for observability and
// resumability.
type SyncRecord struct {
	ID       int64           `gorm:"primaryKey"`
	EntityID string          `gorm:"not null;index:idx_sync_entity"`
	SyncType models.SyncType `gorm:"not null;index:idx_sync_entity"`

	Status        models.SyncStatus `gorm:"not null"`
	NumDocsSynced int

	SyncStartTime time.Time
	SyncEndTime   *time.Time
}

// DocumentSet is a curated group of documents surfaced as a search filter.
type DocumentSet struct {
	ID         int64  `gorm:"primaryKey"`
	Name       string `gorm:"not null;uniqueIndex"`
	IsUpToDate bool   `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentSetMembership links documents into a document set via their
// ccpairs.
type DocumentSetMembership struct {
	DocumentSetID int64  `gorm:"primaryKey"`
	DocumentID    string `gorm:"primaryKey"`
}

// UserGroup gates document visibility for a set of users. The module is
// optional; the sync coordinator checks availability before generating
// group tasks.
type UserGroup struct {
	ID         int64  `gorm:"primaryKey"`
	Name       string `gorm:"not null;uniqueIndex"`
	IsUpToDate bool   `gorm:"not null;default:false"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserGroupMembership links documents into a user group.
type UserGroupMembership struct {
	UserGroupID int64  `gorm:"primaryKey"`
	DocumentID  string `gorm:"primaryKey"`
}

// AllModels lists every model for schema migration, per tenant schema.
func AllModels() []interface{} {
	return []interface{}{
		&CCPair{},
		&SearchSettings{},
		&IndexAttempt{},
		&Document{},
		&DocumentByCCPair{},
		&IndexAttemptError{},
		&SyncRecord{},
		&DocumentSet{},
		&DocumentSetMembership{},
		&UserGroup{},
		&UserGroupMembership{},
	}
}
