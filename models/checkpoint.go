package models

import (
	"encoding/json"
	"fmt"
)

// ConnectorCheckpoint is the resumable cursor a checkpointed connector
// threads through a run. Content is connector-specific and opaque to the
// orchestrator; only HasMore is interpreted, and it governs the outer run
// loop.
type ConnectorCheckpoint struct {
	HasMore bool            `json:"has_more"`
	Content json.RawMessage `json:"content,omitempty"`
}

// DummyCheckpoint returns the initial checkpoint for a fresh run.
func DummyCheckpoint() ConnectorCheckpoint {
	return ConnectorCheckpoint{HasMore: true}
}

// MarshalString serializes the checkpoint for persistence on the index
// attempt row. The orchestrator stores the result verbatim and never
// inspects Content.
func (c ConnectorCheckpoint) MarshalString() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return string(raw), nil
}

// UnmarshalCheckpoint parses a persisted checkpoint blob.
func UnmarshalCheckpoint(blob string) (ConnectorCheckpoint, error) {
	var c ConnectorCheckpoint
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return ConnectorCheckpoint{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return c, nil
}
