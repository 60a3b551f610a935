package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/connectors"
	"github.com/zerafachris/onyx-cz-sub000/fences"
	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/pipeline"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// GeneratorDeps carries the external clients the generator child needs.
type GeneratorDeps struct {
	Index      pipeline.SearchIndex
	Embedder   pipeline.Embedder
	Classifier pipeline.Classifier
	Vision     pipeline.VisionModel
	Cfg        config.IndexingConfig
	Log        *common.ContextLogger
}

// RunGenerator is the child process body: it pulls documents from the
// connector and pushes them through the pipeline, persisting the checkpoint
// after every batch. The return value is the process exit code; coded exits
// tell the supervising watchdog precisely why the child refused to run.
// On a completed pass the child records its own terminal attempt status and
// writes the generator-complete key before exiting zero.
func RunGenerator(ctx context.Context, tc tenant.Context, deps GeneratorDeps, args SpawnArgs) int {
	log := deps.Log
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	log = log.WithFields(map[string]interface{}{
		"tenant_id":        tc.TenantID,
		"cc_pair_id":       args.CCPairID,
		"index_attempt_id": args.IndexAttemptID,
	})
	fence := fences.New(tc.KV, fences.KindIndexing, FenceID(args.CCPairID, args.SearchSettingsID))

	// The fence must exist and point at this attempt before any work.
	raw, present, err := fence.Payload(ctx)
	if err != nil || !present {
		log.Warn("Fence missing at generator start")
		return ExitFenceNotFound
	}
	payload, err := fences.ParseIndexingPayload(raw)
	if err != nil {
		return ExitFenceNotFound
	}
	if payload.IndexAttemptID == nil {
		return ExitFenceReadinessTimeout
	}
	if *payload.IndexAttemptID != args.IndexAttemptID {
		return ExitIndexAttemptMismatch
	}

	ccPair, err := store.GetCCPair(ctx, tc, args.CCPairID)
	if err != nil {
		log.WithError(err).Error("Failed to load ccpair")
		return failAttempt(ctx, tc, args, fmt.Sprintf("failed to load ccpair: %v", err))
	}
	if ccPair.Status == models.CCPairDeleting {
		return ExitBlockedByDeletion
	}

	settings, err := getSearchSettings(ctx, tc, args.SearchSettingsID)
	if err != nil {
		return failAttempt(ctx, tc, args, fmt.Sprintf("failed to load search settings: %v", err))
	}

	conn, err := buildConnector(ctx, ccPair)
	if err != nil {
		log.WithError(err).Error("Connector validation failed")
		markRepeatedErrorIfCredential(ctx, tc, ccPair.ID, err, log)
		return failAttempt(ctx, tc, args, err.Error())
	}

	start, end, checkpoint, err := resolveRun(ctx, tc, ccPair, args)
	if err != nil {
		return failAttempt(ctx, tc, args, fmt.Sprintf("failed to resolve run window: %v", err))
	}
	if err := store.MarkAttemptStarted(ctx, tc, args.IndexAttemptID, start, end); err != nil {
		return failAttempt(ctx, tc, args, err.Error())
	}

	pipe := pipeline.NewPipeline(deps.Index, deps.Embedder, deps.Classifier, deps.Vision, deps.Cfg, log)
	if args.FromBeginning {
		pipe.IgnoreTimeSkip()
	}

	runner, err := connectors.NewRunner(conn, log,
		connectors.WithBatchSize(deps.Cfg.BatchSize),
		connectors.WithStopCheck(func(ctx context.Context) bool {
			terminating, err := fence.Terminating(ctx, args.TaskID)
			return err == nil && terminating
		}),
	)
	if err != nil {
		return failAttempt(ctx, tc, args, err.Error())
	}

	var totalFailures int
	sink := func(ctx context.Context, batch connectors.Batch) error {
		result, err := pipe.IndexBatch(ctx, tc, *settings, args.CCPairID, batch.Documents)
		if err != nil {
			return err
		}

		failures := append(batch.Failures, result.Failures...)
		totalFailures += len(failures)
		if err := store.RecordConnectorFailures(ctx, tc, args.IndexAttemptID, args.CCPairID, failures); err != nil {
			return err
		}
		if len(result.IndexedDocIDs) > 0 {
			if err := store.ResolveDocumentFailures(ctx, tc, args.CCPairID, result.IndexedDocIDs); err != nil {
				return err
			}
		}
		if err := store.UpdateAttemptProgress(ctx, tc, args.IndexAttemptID,
			result.DocsIndexed, result.DocsIndexed, result.ChunksIndexed); err != nil {
			return err
		}

		blob, err := batch.Checkpoint.MarshalString()
		if err != nil {
			return err
		}
		return store.SaveAttemptCheckpoint(ctx, tc, args.IndexAttemptID, blob)
	}

	summary, runErr := runner.Run(ctx, start, end, checkpoint, sink)
	switch {
	case errors.Is(runErr, models.ErrStopSignal):
		log.Info("Stop signal observed at batch boundary")
		_ = store.MarkAttemptTerminal(ctx, tc, args.IndexAttemptID,
			models.StatusCanceled, "Connector termination signal detected", "")
		return ExitBlockedByStopSignal
	case runErr != nil:
		log.WithError(runErr).Error("Connector run failed")
		_ = store.MarkAttemptTerminal(ctx, tc, args.IndexAttemptID,
			models.StatusFailed, runErr.Error(), "")
		return ExitConnectorExceptioned
	}

	status := models.StatusSuccess
	if totalFailures > 0 {
		status = models.StatusPartialSuccess
	}
	if err := store.MarkAttemptTerminal(ctx, tc, args.IndexAttemptID, status,
		terminalMessage(totalFailures), ""); err != nil && !errors.Is(err, store.ErrTerminalAttempt) {
		log.WithError(err).Error("Failed to record terminal status")
		return ExitConnectorExceptioned
	}
	if err := store.UpdateLastSuccessfulIndexTime(ctx, tc, args.CCPairID, end); err != nil {
		log.WithError(err).Warn("Failed to advance last successful index time")
	}

	// The completion write is the inner done-signal; it must be visible
	// before the process exit (the outer signal) can be interpreted.
	if err := fence.SetGeneratorComplete(ctx, generatorCompleteOK); err != nil {
		log.WithError(err).Error("Failed to write generator completion")
		return ExitConnectorExceptioned
	}

	log.WithFields(map[string]interface{}{
		"docs_processed": summary.DocsProcessed,
		"failures":       totalFailures,
	}).Info("Indexing attempt complete")
	return ExitSuccess
}

func terminalMessage(failures int) string {
	if failures == 0 {
		return ""
	}
	return fmt.Sprintf("completed with %d document failures", failures)
}

// resolveRun computes the poll window and the starting checkpoint,
// preserving time-window continuity across retries: a failed or canceled
// predecessor pins the window end, and its checkpoint is resumed when it
// still has more to do.
func resolveRun(ctx context.Context, tc tenant.Context, ccPair *store.CCPair, args SpawnArgs) (time.Time, time.Time, models.ConnectorCheckpoint, error) {
	end := time.Now().UTC()
	var start time.Time
	if !args.FromBeginning && ccPair.LastSuccessfulIndexTime != nil {
		start = *ccPair.LastSuccessfulIndexTime
	}
	checkpoint := models.DummyCheckpoint()

	if args.FromBeginning {
		return start, end, checkpoint, nil
	}

	prev, err := lastTerminalAttemptBefore(ctx, tc, args)
	if err != nil {
		return start, end, checkpoint, err
	}
	if prev != nil && (prev.Status == models.StatusFailed || prev.Status == models.StatusCanceled) {
		if prev.PollRangeEnd != nil {
			end = *prev.PollRangeEnd
		}
		if prev.PollRangeStart != nil {
			start = *prev.PollRangeStart
		}
		if prev.CheckpointBlob != "" {
			cp, err := models.UnmarshalCheckpoint(prev.CheckpointBlob)
			if err == nil && cp.HasMore {
				checkpoint = cp
			}
		}
	}
	return start, end, checkpoint, nil
}

// lastTerminalAttemptBefore finds the pair's most recent attempt other than
// the current one.
func lastTerminalAttemptBefore(ctx context.Context, tc tenant.Context, args SpawnArgs) (*store.IndexAttempt, error) {
	last, err := store.GetLastAttempt(ctx, tc, args.CCPairID, args.SearchSettingsID)
	if err != nil {
		return nil, err
	}
	if last == nil || last.ID == args.IndexAttemptID {
		// The current attempt is usually the newest row; look one further
		// back through its predecessor ordering.
		var prev store.IndexAttempt
		res := tc.DB.WithContext(ctx).
			Where("cc_pair_id = ? AND search_settings_id = ? AND id < ?",
				args.CCPairID, args.SearchSettingsID, args.IndexAttemptID).
			Order("id DESC").
			First(&prev)
		if res.Error != nil {
			return nil, nil
		}
		return &prev, nil
	}
	return last, nil
}

func getSearchSettings(ctx context.Context, tc tenant.Context, id int64) (*store.SearchSettings, error) {
	var settings store.SearchSettings
	if err := tc.DB.WithContext(ctx).First(&settings, id).Error; err != nil {
		return nil, err
	}
	return &settings, nil
}

// buildConnector instantiates and validates the ccpair's adapter. The
// stored config carries connector settings plus an optional "credentials"
// block.
func buildConnector(ctx context.Context, ccPair *store.CCPair) (connectors.Connector, error) {
	settings := map[string]interface{}{}
	if len(ccPair.Config) > 0 {
		if err := json.Unmarshal(ccPair.Config, &settings); err != nil {
			return nil, fmt.Errorf("malformed connector config: %w", err)
		}
	}
	credentials, _ := settings["credentials"].(map[string]interface{})

	conn, _, err := connectors.Instantiate(ccPair.Source, settings, credentials)
	if err != nil {
		return nil, err
	}
	if err := conn.ValidateConnectorSettings(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// markRepeatedErrorIfCredential puts the pair into the repeated error state
// on non-retryable validation failures so the beat stops rescheduling it.
func markRepeatedErrorIfCredential(ctx context.Context, tc tenant.Context, ccPairID int64, err error, log *common.ContextLogger) {
	var expired *models.CredentialExpiredError
	var perms *models.InsufficientPermissionsError
	if !errors.As(err, &expired) && !errors.As(err, &perms) {
		return
	}
	if serr := store.SetRepeatedErrorState(ctx, tc, ccPairID, true); serr != nil {
		log.WithError(serr).Warn("Failed to set repeated error state")
	}
}

func failAttempt(ctx context.Context, tc tenant.Context, args SpawnArgs, reason string) int {
	_ = store.MarkAttemptTerminal(ctx, tc, args.IndexAttemptID, models.StatusFailed, reason, "")
	return ExitConnectorExceptioned
}
