package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrStopSignal is returned by connector iterators and checked by the
// pipeline at batch boundaries when an operator requested termination. The
// attempt that observes it lands in StatusCanceled rather than StatusFailed.
var ErrStopSignal = errors.New("connector stop signal detected")

// DocumentFailure identifies a single document that could not be indexed.
// Recorded on the attempt and in the store so that a later successful
// indexing of the same document auto-resolves it.
type DocumentFailure struct {
	DocumentID   string `json:"document_id"`
	DocumentLink string `json:"document_link,omitempty"`
}

// EntityFailure identifies a source-side entity (a channel, a space, a
// folder) that could not be fetched. The checkpoint progresses past it.
type EntityFailure struct {
	EntityID        string     `json:"entity_id"`
	MissedTimeRange *TimeRange `json:"missed_time_range,omitempty"`
}

// TimeRange is a half-open [Start, End) window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ConnectorFailure records a non-fatal failure during a connector run or a
// pipeline batch. Exactly one of FailedDocument/FailedEntity is set.
type ConnectorFailure struct {
	Message        string           `json:"failure_message"`
	Exception      error            `json:"-"`
	FailedDocument *DocumentFailure `json:"failed_document,omitempty"`
	FailedEntity   *EntityFailure   `json:"failed_entity,omitempty"`
}

func (f ConnectorFailure) String() string {
	switch {
	case f.FailedDocument != nil:
		return fmt.Sprintf("document %s: %s", f.FailedDocument.DocumentID, f.Message)
	case f.FailedEntity != nil:
		return fmt.Sprintf("entity %s: %s", f.FailedEntity.EntityID, f.Message)
	default:
		return f.Message
	}
}

// RateLimitedError is raised by a connector when the source throttles it.
// RetryAfter carries the server-provided delay, zero when the server gave
// none.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfterDelay exposes the server-provided delay to the retry
// combinator.
func (e *RateLimitedError) RetryAfterDelay() time.Duration { return e.RetryAfter }

// Connector settings validation errors. The scheduler treats credential and
// permission errors as non-retryable and moves the ccpair into the repeated
// error state.

// CredentialExpiredError signals the stored credential no longer
// authenticates against the source.
type CredentialExpiredError struct{ Source DocumentSource }

func (e *CredentialExpiredError) Error() string {
	return fmt.Sprintf("credential for %s has expired", e.Source)
}

// InsufficientPermissionsError signals the credential authenticates but
// lacks the scopes the connector needs.
type InsufficientPermissionsError struct{ Source DocumentSource }

func (e *InsufficientPermissionsError) Error() string {
	return fmt.Sprintf("credential for %s lacks required permissions", e.Source)
}

// ConnectorValidationError is any other validation failure the connector can
// attribute to its settings.
type ConnectorValidationError struct{ Message string }

func (e *ConnectorValidationError) Error() string { return e.Message }

// UnexpectedValidationError wraps a validation failure the connector cannot
// classify. Treated as transient.
type UnexpectedValidationError struct{ Err error }

func (e *UnexpectedValidationError) Error() string {
	return fmt.Sprintf("unexpected error validating connector settings: %v", e.Err)
}

func (e *UnexpectedValidationError) Unwrap() error { return e.Err }
