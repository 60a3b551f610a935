package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zerafachris/onyx-cz-sub000/models"
)

// mockCheckpointContent positions the mock inside its configured batches.
type mockCheckpointContent struct {
	CurrentBatch int `json:"current_batch"`
}

// MockConnector serves pre-configured document batches, one batch per
// checkpoint step. Tests across the runtime, watchdog, and pipeline use it
// as the canonical checkpointed source; failure injection mimics sources
// that lose individual documents.
type MockConnector struct {
	Batches  [][]models.Document
	Failures map[int][]models.ConnectorFailure // batch index -> failures

	ValidationErr error
	Credentials   map[string]interface{}
}

var _ CheckpointedConnector = (*MockConnector)(nil)
var _ SlimConnector = (*MockConnector)(nil)

func (m *MockConnector) LoadCredentials(credentials map[string]interface{}) (map[string]interface{}, error) {
	m.Credentials = credentials
	return nil, nil
}

func (m *MockConnector) ValidateConnectorSettings(ctx context.Context) error {
	return m.ValidationErr
}

func (m *MockConnector) BuildDummyCheckpoint() models.ConnectorCheckpoint {
	return models.DummyCheckpoint()
}

func (m *MockConnector) ValidateCheckpointJSON(blob string) (models.ConnectorCheckpoint, error) {
	return models.UnmarshalCheckpoint(blob)
}

func (m *MockConnector) LoadFromCheckpoint(ctx context.Context, start, end time.Time, checkpoint models.ConnectorCheckpoint) CheckpointIterator {
	var content mockCheckpointContent
	if len(checkpoint.Content) > 0 {
		if err := json.Unmarshal(checkpoint.Content, &content); err != nil {
			return NewErrorIterator(fmt.Errorf("invalid mock checkpoint: %w", err))
		}
	}
	if content.CurrentBatch >= len(m.Batches) {
		return NewSliceIterator(nil, models.ConnectorCheckpoint{HasMore: false})
	}

	var items []CheckpointItem
	for i := range m.Batches[content.CurrentBatch] {
		items = append(items, CheckpointItem{Document: &m.Batches[content.CurrentBatch][i]})
	}
	for i := range m.Failures[content.CurrentBatch] {
		items = append(items, CheckpointItem{Failure: &m.Failures[content.CurrentBatch][i]})
	}

	nextContent, _ := json.Marshal(mockCheckpointContent{CurrentBatch: content.CurrentBatch + 1})
	return NewSliceIterator(items, models.ConnectorCheckpoint{
		HasMore: content.CurrentBatch+1 < len(m.Batches),
		Content: nextContent,
	})
}

func (m *MockConnector) RetrieveAllSlimDocuments(ctx context.Context, start, end time.Time, callback SlimCallback) error {
	for _, batch := range m.Batches {
		slim := make([]models.SlimDocument, 0, len(batch))
		for _, doc := range batch {
			slim = append(slim, models.SlimDocument{ID: doc.ID})
		}
		if err := callback(slim); err != nil {
			return err
		}
	}
	return nil
}

// MakeMockDocuments builds n minimal documents with ids "<prefix>-<i>".
func MakeMockDocuments(prefix string, n int) []models.Document {
	docs := make([]models.Document, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, models.Document{
			ID:                 fmt.Sprintf("%s-%d", prefix, i),
			SemanticIdentifier: fmt.Sprintf("%s document %d", prefix, i),
			Source:             models.SourceMock,
			Sections: []models.Section{
				{Text: &models.TextSection{Text: fmt.Sprintf("content of %s-%d", prefix, i)}},
			},
		})
	}
	return docs
}
