// Package connectors implements the connector runtime: the layer that
// drives one data-source adapter through a checkpointed, resumable pull and
// yields document batches with partial-failure semantics.
//
// Adapters come in three shapes. Load-state connectors dump everything they
// know; poll connectors yield changes inside a time window; checkpointed
// connectors (preferred for large sources) thread an opaque resumable
// cursor through the run. The runtime normalizes all three behind the
// checkpointed shape and layers on rate-limit-aware retry, partial-page
// fallback, cursor fallback, and a failure threshold that aborts runs going
// badly wrong.
package connectors

import (
	"context"
	"time"

	"github.com/zerafachris/onyx-cz-sub000/models"
)

// Connector is the capability every adapter implements.
type Connector interface {
	// LoadCredentials installs the stored credential. The returned map,
	// when non-nil, replaces the stored credential (token refresh).
	LoadCredentials(credentials map[string]interface{}) (map[string]interface{}, error)

	// ValidateConnectorSettings checks that the adapter can reach its
	// source. It returns one of the typed validation errors from the
	// models package: CredentialExpiredError, InsufficientPermissionsError,
	// ConnectorValidationError, or UnexpectedValidationError.
	ValidateConnectorSettings(ctx context.Context) error
}

// CheckpointItem is one element of a checkpointed pull: a document or a
// recorded failure. Exactly one field is set.
type CheckpointItem struct {
	Document *models.Document
	Failure  *models.ConnectorFailure
}

// CheckpointIterator is the explicit iterator a checkpointed connector
// returns. Next yields items until exhaustion; Checkpoint is valid only
// after Next returned false with a nil Err, and carries the cursor for the
// following call.
type CheckpointIterator interface {
	// Next returns the next item, or false when the sequence is done or an
	// error occurred.
	Next() (*CheckpointItem, bool)

	// Err reports the error that terminated the sequence, if any.
	Err() error

	// Checkpoint returns the cursor to resume from.
	Checkpoint() models.ConnectorCheckpoint
}

// CheckpointedConnector pulls documents in resumable, windowed slices.
type CheckpointedConnector interface {
	Connector

	// BuildDummyCheckpoint returns the initial checkpoint for a fresh run.
	BuildDummyCheckpoint() models.ConnectorCheckpoint

	// ValidateCheckpointJSON parses a persisted checkpoint blob.
	ValidateCheckpointJSON(blob string) (models.ConnectorCheckpoint, error)

	// LoadFromCheckpoint yields documents changed in [start, end) from the
	// given checkpoint.
	LoadFromCheckpoint(ctx context.Context, start, end time.Time, checkpoint models.ConnectorCheckpoint) CheckpointIterator
}

// PollConnector yields documents changed inside a time window.
type PollConnector interface {
	Connector
	PollSource(ctx context.Context, start, end time.Time) CheckpointIterator
}

// LoadStateConnector yields every document it knows, in unspecified order.
type LoadStateConnector interface {
	Connector
	LoadFromState(ctx context.Context) CheckpointIterator
}

// SlimCallback receives batches of slim documents during a permission-only
// pass. It may be invoked from worker goroutines and must be thread-safe.
type SlimCallback func(docs []models.SlimDocument) error

// SlimConnector optionally supports permission-only passes that fetch ids
// and permissions without document bodies.
type SlimConnector interface {
	RetrieveAllSlimDocuments(ctx context.Context, start, end time.Time, callback SlimCallback) error
}

// SliceIterator adapts an in-memory item slice to CheckpointIterator. Poll
// and load-state adapters use it; tests use it everywhere.
type SliceIterator struct {
	items      []CheckpointItem
	pos        int
	checkpoint models.ConnectorCheckpoint
	err        error
}

// NewSliceIterator builds an iterator over items that finishes with the
// given checkpoint.
func NewSliceIterator(items []CheckpointItem, checkpoint models.ConnectorCheckpoint) *SliceIterator {
	return &SliceIterator{items: items, checkpoint: checkpoint}
}

// NewErrorIterator builds an iterator that fails immediately.
func NewErrorIterator(err error) *SliceIterator {
	return &SliceIterator{err: err}
}

func (it *SliceIterator) Next() (*CheckpointItem, bool) {
	if it.err != nil || it.pos >= len(it.items) {
		return nil, false
	}
	item := &it.items[it.pos]
	it.pos++
	return item, true
}

func (it *SliceIterator) Err() error { return it.err }

func (it *SliceIterator) Checkpoint() models.ConnectorCheckpoint { return it.checkpoint }
