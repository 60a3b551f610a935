package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerafachris/onyx-cz-sub000/models"
)

func collectSink(batches *[]Batch) BatchSink {
	return func(ctx context.Context, b Batch) error {
		*batches = append(*batches, b)
		return nil
	}
}

func TestRunner_DrainsAllBatches(t *testing.T) {
	mock := &MockConnector{
		Batches: [][]models.Document{
			MakeMockDocuments("a", 5),
			MakeMockDocuments("b", 3),
		},
	}

	runner, err := NewRunner(mock, nil, WithBatchSize(2))
	require.NoError(t, err)

	var batches []Batch
	summary, err := runner.Run(context.Background(),
		time.Time{}, time.Now(), mock.BuildDummyCheckpoint(), collectSink(&batches))
	require.NoError(t, err)

	assert.Equal(t, 8, summary.DocsProcessed)
	assert.Zero(t, summary.Failures)
	assert.False(t, summary.Checkpoint.HasMore)

	var total int
	for _, b := range batches {
		total += len(b.Documents)
		assert.LessOrEqual(t, len(b.Documents), 2)
	}
	assert.Equal(t, 8, total)
}

func TestRunner_PerDocumentFailuresDoNotAbort(t *testing.T) {
	mock := &MockConnector{
		Batches: [][]models.Document{MakeMockDocuments("a", 10)},
		Failures: map[int][]models.ConnectorFailure{
			0: {{Message: "one bad doc", FailedDocument: &models.DocumentFailure{DocumentID: "bad"}}},
		},
	}

	runner, err := NewRunner(mock, nil)
	require.NoError(t, err)

	var batches []Batch
	summary, err := runner.Run(context.Background(),
		time.Time{}, time.Now(), mock.BuildDummyCheckpoint(), collectSink(&batches))
	require.NoError(t, err)
	assert.Equal(t, 10, summary.DocsProcessed)
	assert.Equal(t, 1, summary.Failures)
}

func TestRunner_FailureThresholdAborts(t *testing.T) {
	// 4 failures against 2 documents: over the absolute limit of 3 and far
	// over the 10% ratio.
	mock := &MockConnector{
		Batches: [][]models.Document{MakeMockDocuments("a", 2)},
		Failures: map[int][]models.ConnectorFailure{
			0: {
				{Message: "f1"}, {Message: "f2"}, {Message: "f3"}, {Message: "f4"},
			},
		},
	}

	runner, err := NewRunner(mock, nil)
	require.NoError(t, err)

	var batches []Batch
	_, err = runner.Run(context.Background(),
		time.Time{}, time.Now(), mock.BuildDummyCheckpoint(), collectSink(&batches))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestRunner_ManyFailuresBelowRatioContinue(t *testing.T) {
	// 4 failures against 96 documents: over the absolute limit but only ~4%
	// of items, so the run completes.
	mock := &MockConnector{
		Batches: [][]models.Document{MakeMockDocuments("a", 96)},
		Failures: map[int][]models.ConnectorFailure{
			0: {
				{Message: "f1"}, {Message: "f2"}, {Message: "f3"}, {Message: "f4"},
			},
		},
	}

	runner, err := NewRunner(mock, nil)
	require.NoError(t, err)

	var batches []Batch
	summary, err := runner.Run(context.Background(),
		time.Time{}, time.Now(), mock.BuildDummyCheckpoint(), collectSink(&batches))
	require.NoError(t, err)
	assert.Equal(t, 96, summary.DocsProcessed)
	assert.Equal(t, 4, summary.Failures)
}

func TestRunner_FailureRatioCountsOnlyDocuments(t *testing.T) {
	// 4 failures against 38 documents is 10.5% of the documents retrieved,
	// just over the ratio. Counting the failures themselves into the
	// denominator would dilute it below 10% and let the run finish.
	mock := &MockConnector{
		Batches: [][]models.Document{MakeMockDocuments("a", 38)},
		Failures: map[int][]models.ConnectorFailure{
			0: {
				{Message: "f1"}, {Message: "f2"}, {Message: "f3"}, {Message: "f4"},
			},
		},
	}

	runner, err := NewRunner(mock, nil)
	require.NoError(t, err)

	var batches []Batch
	_, err = runner.Run(context.Background(),
		time.Time{}, time.Now(), mock.BuildDummyCheckpoint(), collectSink(&batches))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds threshold")
}

func TestRunner_ThresholdAbortsBeforeSinkingBatch(t *testing.T) {
	// Once the threshold trips, the batch in hand must not reach the sink:
	// only the two clean slices of 16 documents land.
	docs := MakeMockDocuments("a", 38)
	mock := &MockConnector{
		Batches: [][]models.Document{docs[:32], docs[32:]},
		Failures: map[int][]models.ConnectorFailure{
			0: {
				{Message: "f1"}, {Message: "f2"}, {Message: "f3"}, {Message: "f4"},
			},
		},
	}

	runner, err := NewRunner(mock, nil)
	require.NoError(t, err)

	var batches []Batch
	summary, err := runner.Run(context.Background(),
		time.Time{}, time.Now(), mock.BuildDummyCheckpoint(), collectSink(&batches))
	require.Error(t, err)
	assert.Equal(t, 32, summary.DocsProcessed)
	require.Len(t, batches, 2)
	for _, b := range batches {
		assert.Empty(t, b.Failures)
	}
}

func TestRunner_StopSignal(t *testing.T) {
	mock := &MockConnector{
		Batches: [][]models.Document{
			MakeMockDocuments("a", 2),
			MakeMockDocuments("b", 2),
		},
	}

	calls := 0
	runner, err := NewRunner(mock, nil, WithStopCheck(func(ctx context.Context) bool {
		calls++
		return calls > 1 // let the first slice through
	}))
	require.NoError(t, err)

	var batches []Batch
	summary, err := runner.Run(context.Background(),
		time.Time{}, time.Now(), mock.BuildDummyCheckpoint(), collectSink(&batches))
	assert.ErrorIs(t, err, models.ErrStopSignal)
	assert.Equal(t, 2, summary.DocsProcessed)

	// The checkpoint still points mid-run so the next attempt resumes.
	assert.True(t, summary.Checkpoint.HasMore)
}

func TestRunner_ResumesFromCheckpoint(t *testing.T) {
	mock := &MockConnector{
		Batches: [][]models.Document{
			MakeMockDocuments("a", 2),
			MakeMockDocuments("b", 2),
		},
	}

	// First run stops after one slice; second run resumes from the saved
	// checkpoint and must only see the remaining batch.
	stopped := false
	runner, err := NewRunner(mock, nil, WithStopCheck(func(ctx context.Context) bool {
		if stopped {
			return true
		}
		stopped = true
		return false
	}))
	require.NoError(t, err)

	var first []Batch
	summary, err := runner.Run(context.Background(),
		time.Time{}, time.Now(), mock.BuildDummyCheckpoint(), collectSink(&first))
	require.ErrorIs(t, err, models.ErrStopSignal)

	resumed, err := NewRunner(mock, nil)
	require.NoError(t, err)

	var second []Batch
	summary, err = resumed.Run(context.Background(),
		time.Time{}, time.Now(), summary.Checkpoint, collectSink(&second))
	require.NoError(t, err)
	assert.Equal(t, 2, summary.DocsProcessed)
	require.Len(t, second, 1)
	assert.Equal(t, "b-0", second[0].Documents[0].ID)
}

func TestRunner_SinkErrorPropagates(t *testing.T) {
	mock := &MockConnector{Batches: [][]models.Document{MakeMockDocuments("a", 2)}}

	runner, err := NewRunner(mock, nil)
	require.NoError(t, err)

	sinkErr := errors.New("index write failed")
	_, err = runner.Run(context.Background(), time.Time{}, time.Now(),
		mock.BuildDummyCheckpoint(),
		func(ctx context.Context, b Batch) error { return sinkErr },
	)
	assert.ErrorIs(t, err, sinkErr)
}

type pollOnly struct {
	docs []models.Document
}

func (p *pollOnly) LoadCredentials(c map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}
func (p *pollOnly) ValidateConnectorSettings(ctx context.Context) error { return nil }
func (p *pollOnly) PollSource(ctx context.Context, start, end time.Time) CheckpointIterator {
	items := make([]CheckpointItem, len(p.docs))
	for i := range p.docs {
		items[i] = CheckpointItem{Document: &p.docs[i]}
	}
	return NewSliceIterator(items, models.ConnectorCheckpoint{HasMore: true})
}

func TestRunner_PollAdapterTerminatesAfterOnePass(t *testing.T) {
	runner, err := NewRunner(&pollOnly{docs: MakeMockDocuments("p", 3)}, nil)
	require.NoError(t, err)

	var batches []Batch
	summary, err := runner.Run(context.Background(),
		time.Time{}, time.Now(), models.DummyCheckpoint(), collectSink(&batches))
	require.NoError(t, err)
	assert.Equal(t, 3, summary.DocsProcessed)
	assert.False(t, summary.Checkpoint.HasMore,
		"single-pass connectors must not loop")
}

func TestInstantiate_UnknownSource(t *testing.T) {
	_, _, err := Instantiate(models.DocumentSource("no_such"), nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no connector registered")
}

func TestInstantiate_Mock(t *testing.T) {
	c, refreshed, err := Instantiate(models.SourceMock,
		map[string]interface{}{"num_batches": 2, "docs_per_batch": 3},
		map[string]interface{}{"token": "t"})
	require.NoError(t, err)
	assert.Nil(t, refreshed)

	mock, ok := c.(*MockConnector)
	require.True(t, ok)
	assert.Len(t, mock.Batches, 2)
	assert.Equal(t, "t", mock.Credentials["token"])
}

func TestInstantiate_MockFromJSONSettings(t *testing.T) {
	// Persisted settings round-trip through JSON, turning every number into
	// a float64. The factory must still read them.
	var settings map[string]interface{}
	require.NoError(t, json.Unmarshal(
		[]byte(`{"num_batches": 3, "docs_per_batch": 2}`), &settings))

	c, _, err := Instantiate(models.SourceMock, settings, nil)
	require.NoError(t, err)

	mock, ok := c.(*MockConnector)
	require.True(t, ok)
	require.Len(t, mock.Batches, 3)
	assert.Len(t, mock.Batches[0], 2)
}
