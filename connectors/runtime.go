package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/models"
)

const (
	// defaultFailureLimit and defaultFailureRatio gate the abort decision:
	// a run is only aborted when both the absolute count and the ratio of
	// failures to successes say it is going badly.
	defaultFailureLimit = 3
	defaultFailureRatio = 0.1
)

// Batch is one slice of connector output handed to the sink. Checkpoint is
// the cursor valid after the batch, so a crash loses at most one slice.
type Batch struct {
	Documents  []models.Document
	Failures   []models.ConnectorFailure
	Checkpoint models.ConnectorCheckpoint
}

// BatchSink consumes connector batches. Returning an error aborts the run.
type BatchSink func(ctx context.Context, batch Batch) error

// RunSummary aggregates a finished (or aborted) connector run.
type RunSummary struct {
	DocsProcessed int
	Failures      int
	Checkpoint    models.ConnectorCheckpoint
}

// Runner drives a checkpointed connector through a time window, batching
// documents, isolating per-item failures, and aborting when the failure
// threshold trips.
type Runner struct {
	connector    CheckpointedConnector
	batchSize    int
	failureLimit int
	failureRatio float64

	// shouldStop is polled at batch boundaries. When it reports true the
	// run ends with models.ErrStopSignal.
	shouldStop func(ctx context.Context) bool

	log *common.ContextLogger
}

// RunnerOption customizes a Runner.
type RunnerOption func(*Runner)

// WithBatchSize overrides the default batch size.
func WithBatchSize(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithStopCheck installs the termination probe polled between batches.
func WithStopCheck(fn func(ctx context.Context) bool) RunnerOption {
	return func(r *Runner) { r.shouldStop = fn }
}

// WithFailureThreshold overrides the abort threshold.
func WithFailureThreshold(limit int, ratio float64) RunnerOption {
	return func(r *Runner) {
		r.failureLimit = limit
		r.failureRatio = ratio
	}
}

// NewRunner builds a runner over any connector shape. Poll and load-state
// connectors are adapted to the checkpointed interface; an error is
// returned when the connector implements none of the three.
func NewRunner(c Connector, log *common.ContextLogger, opts ...RunnerOption) (*Runner, error) {
	cp, err := AsCheckpointed(c)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	r := &Runner{
		connector:    cp,
		batchSize:    16,
		failureLimit: defaultFailureLimit,
		failureRatio: defaultFailureRatio,
		log:          log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run pulls every document changed in [start, end) beginning at checkpoint,
// handing batches to sink. It returns models.ErrStopSignal when the stop
// probe fires and an aggregate error when the failure threshold trips.
func (r *Runner) Run(ctx context.Context, start, end time.Time, checkpoint models.ConnectorCheckpoint, sink BatchSink) (RunSummary, error) {
	summary := RunSummary{Checkpoint: checkpoint}

	for summary.Checkpoint.HasMore {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if r.shouldStop != nil && r.shouldStop(ctx) {
			return summary, models.ErrStopSignal
		}

		it := r.connector.LoadFromCheckpoint(ctx, start, end, summary.Checkpoint)

		var (
			pending  []models.Document
			failures []models.ConnectorFailure
		)
		for {
			item, ok := it.Next()
			if !ok {
				break
			}
			switch {
			case item.Failure != nil:
				failures = append(failures, *item.Failure)
				summary.Failures++
				r.log.WithField("failure", item.Failure.String()).
					Warn("Connector reported a failure, continuing")
			case item.Document != nil:
				pending = append(pending, *item.Document)
			}
			if len(pending) >= r.batchSize {
				if err := r.flush(ctx, sink, &summary, pending, failures, summary.Checkpoint); err != nil {
					return summary, err
				}
				pending, failures = nil, nil
			}
		}
		if err := it.Err(); err != nil {
			return summary, fmt.Errorf("connector iteration failed: %w", err)
		}

		summary.Checkpoint = it.Checkpoint()
		if err := r.flush(ctx, sink, &summary, pending, failures, summary.Checkpoint); err != nil {
			return summary, err
		}
		if err := r.checkThreshold(summary.Failures, summary.DocsProcessed); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// flush checks the failure threshold before handing the batch to the sink,
// so a run going badly aborts without indexing further documents. The
// documents in the batch count toward the denominator: they were seen even
// though they are not through the sink yet.
func (r *Runner) flush(ctx context.Context, sink BatchSink, summary *RunSummary, docs []models.Document, failures []models.ConnectorFailure, checkpoint models.ConnectorCheckpoint) error {
	if len(docs) == 0 && len(failures) == 0 {
		return nil
	}
	if err := r.checkThreshold(summary.Failures, summary.DocsProcessed+len(docs)); err != nil {
		return err
	}
	if err := sink(ctx, Batch{Documents: docs, Failures: failures, Checkpoint: checkpoint}); err != nil {
		return err
	}
	summary.DocsProcessed += len(docs)
	return nil
}

// checkThreshold aborts runs where failures dominate: more than the
// absolute limit and more than the configured fraction of the documents
// retrieved.
func (r *Runner) checkThreshold(failures, docs int) error {
	if failures <= r.failureLimit {
		return nil
	}
	if docs > 0 && float64(failures) <= r.failureRatio*float64(docs) {
		return nil
	}
	return fmt.Errorf("connector run aborted: %d failures across %d documents exceeds threshold",
		failures, docs)
}

// AsCheckpointed normalizes any connector shape to the checkpointed
// interface. Checkpointed connectors pass through; poll and load-state
// connectors get a single-pass wrapper whose checkpoint never has more.
func AsCheckpointed(c Connector) (CheckpointedConnector, error) {
	switch impl := c.(type) {
	case CheckpointedConnector:
		return impl, nil
	case PollConnector:
		return &pollAdapter{impl}, nil
	case LoadStateConnector:
		return &loadStateAdapter{impl}, nil
	default:
		return nil, fmt.Errorf("connector %T implements no runnable interface", c)
	}
}

// singlePassIterator forces a terminal checkpoint onto iterators from
// connectors that have no native checkpoint support.
type singlePassIterator struct {
	CheckpointIterator
}

func (it singlePassIterator) Checkpoint() models.ConnectorCheckpoint {
	return models.ConnectorCheckpoint{HasMore: false}
}

type pollAdapter struct {
	PollConnector
}

func (a *pollAdapter) BuildDummyCheckpoint() models.ConnectorCheckpoint {
	return models.DummyCheckpoint()
}

func (a *pollAdapter) ValidateCheckpointJSON(blob string) (models.ConnectorCheckpoint, error) {
	return models.UnmarshalCheckpoint(blob)
}

func (a *pollAdapter) LoadFromCheckpoint(ctx context.Context, start, end time.Time, _ models.ConnectorCheckpoint) CheckpointIterator {
	return singlePassIterator{a.PollSource(ctx, start, end)}
}

type loadStateAdapter struct {
	LoadStateConnector
}

func (a *loadStateAdapter) BuildDummyCheckpoint() models.ConnectorCheckpoint {
	return models.DummyCheckpoint()
}

func (a *loadStateAdapter) ValidateCheckpointJSON(blob string) (models.ConnectorCheckpoint, error) {
	return models.UnmarshalCheckpoint(blob)
}

func (a *loadStateAdapter) LoadFromCheckpoint(ctx context.Context, _, _ time.Time, _ models.ConnectorCheckpoint) CheckpointIterator {
	return singlePassIterator{a.LoadFromState(ctx)}
}
