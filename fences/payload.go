package fences

import (
	"encoding/json"
	"fmt"
	"time"
)

// IndexingPayload is the JSON value of an indexing fence. Submitted is set
// when the beat opens the fence; the watchdog task fills in Started, the
// attempt id, and its own task id once it picks the work up. The watchdog
// refuses to proceed until the payload is fully populated and matches its
// own identity.
type IndexingPayload struct {
	Submitted      time.Time  `json:"submitted"`
	Started        *time.Time `json:"started,omitempty"`
	IndexAttemptID *int64     `json:"index_attempt_id,omitempty"`
	TaskID         *string    `json:"celery_task_id,omitempty"`
}

// Ready reports whether the payload carries everything an observer needs to
// correlate the fence with a running attempt.
func (p IndexingPayload) Ready() bool {
	return p.IndexAttemptID != nil && p.TaskID != nil
}

// Marshal renders the payload for SetFence.
func (p IndexingPayload) Marshal() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal indexing payload: %w", err)
	}
	return raw, nil
}

// ParseIndexingPayload decodes a fence value.
func ParseIndexingPayload(raw []byte) (IndexingPayload, error) {
	var p IndexingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return IndexingPayload{}, fmt.Errorf("malformed indexing fence payload: %w", err)
	}
	return p, nil
}

// CountPayload is the value of sync-kind fences: the total number of
// subtasks generated for the pass. A zero count still fences the unit so an
// empty pass can mark the entity up-to-date.
type CountPayload struct {
	Submitted time.Time `json:"submitted"`
	TaskCount int       `json:"task_count"`
}

// Marshal renders the payload for SetFence.
func (p CountPayload) Marshal() ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal count payload: %w", err)
	}
	return raw, nil
}

// ParseCountPayload decodes a sync fence value.
func ParseCountPayload(raw []byte) (CountPayload, error) {
	var p CountPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return CountPayload{}, fmt.Errorf("malformed count fence payload: %w", err)
	}
	return p, nil
}
