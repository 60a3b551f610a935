package watchdog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/fences"
	"github.com/zerafachris/onyx-cz-sub000/models"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

// FenceID renders the (ccpair, settings) identity used in indexing fence
// keys and lock names.
func FenceID(ccPairID, searchSettingsID int64) string {
	return fmt.Sprintf("%d/%d", ccPairID, searchSettingsID)
}

func generatorLockName(ccPairID, searchSettingsID int64) string {
	return fmt.Sprintf("indexing_generator:%d/%d", ccPairID, searchSettingsID)
}

// AttemptRecorder writes terminal attempt status. The store-backed
// implementation is the default; tests substitute an in-memory one.
type AttemptRecorder interface {
	MarkTerminal(ctx context.Context, tc tenant.Context, attemptID int64, status models.IndexingStatus, reason, trace string) error
}

// StoreRecorder records terminal status on the index_attempts table.
type StoreRecorder struct{}

func (StoreRecorder) MarkTerminal(ctx context.Context, tc tenant.Context, attemptID int64, status models.IndexingStatus, reason, trace string) error {
	err := store.MarkAttemptTerminal(ctx, tc, attemptID, status, reason, trace)
	if errors.Is(err, store.ErrTerminalAttempt) {
		// The generator already recorded its own terminal status.
		return nil
	}
	return err
}

// Watchdog supervises one indexing attempt per Supervise call.
type Watchdog struct {
	cfg      config.IndexingConfig
	spawner  Spawner
	recorder AttemptRecorder
	log      *common.ContextLogger

	// ReadinessPoll is how often the fence payload is re-read while waiting
	// for it to populate.
	ReadinessPoll time.Duration

	// DoubleCheckDelay is the pause before re-reading the generator-complete
	// key when a child exited without reporting completion.
	DoubleCheckDelay time.Duration
}

// New builds a watchdog. recorder may be nil, which selects the store.
func New(cfg config.IndexingConfig, spawner Spawner, recorder AttemptRecorder, log *common.ContextLogger) *Watchdog {
	if recorder == nil {
		recorder = StoreRecorder{}
	}
	if log == nil {
		log = common.NewContextLogger(nil, nil)
	}
	return &Watchdog{
		cfg:              cfg,
		spawner:          spawner,
		recorder:         recorder,
		log:              log,
		ReadinessPoll:    time.Second,
		DoubleCheckDelay: 5 * time.Second,
	}
}

// Supervise runs the full lifecycle of one indexing attempt: take the
// generator lock, spawn the child, wait for fence readiness, heartbeat
// until the child exits, classify the exit, and release the fence. A nil
// return means the lifecycle completed; the attempt's own outcome is on its
// row.
func (w *Watchdog) Supervise(ctx context.Context, tc tenant.Context, args SpawnArgs) error {
	log := w.log.WithFields(map[string]interface{}{
		"tenant_id":          tc.TenantID,
		"cc_pair_id":         args.CCPairID,
		"search_settings_id": args.SearchSettingsID,
		"index_attempt_id":   args.IndexAttemptID,
	})
	fence := fences.New(tc.KV, fences.KindIndexing, FenceID(args.CCPairID, args.SearchSettingsID))

	// Single-flight per pair. A held lock means another watchdog owns this
	// fence; this attempt steps aside without touching it.
	lock, err := tc.KV.AcquireLock(ctx, generatorLockName(args.CCPairID, args.SearchSettingsID),
		w.cfg.GeneratorLockTTL, false)
	if err != nil {
		return err
	}
	if lock == nil {
		log.Info("Generator lock held elsewhere, stepping aside")
		return w.recorder.MarkTerminal(ctx, tc, args.IndexAttemptID,
			models.StatusFailed, codedExitReasons[ExitTaskAlreadyRunning], "")
	}
	defer lock.Release(context.WithoutCancel(ctx))

	proc, err := w.spawner.Spawn(ctx, args)
	if err != nil {
		log.WithError(err).Error("Failed to spawn generator")
		return w.finalize(ctx, tc, fence, args.IndexAttemptID,
			models.StatusFailed, fmt.Sprintf("SPAWN_FAILED: %v", err))
	}
	log.WithField("pid", proc.PID()).Info("Generator spawned")

	if reason, ok := w.awaitFenceReady(ctx, fence, args); !ok {
		_ = proc.Kill()
		<-proc.Exit()
		return w.finalize(ctx, tc, fence, args.IndexAttemptID, models.StatusFailed, reason)
	}

	return w.superviseChild(ctx, tc, fence, args, proc, log)
}

// awaitFenceReady waits for the fence payload to populate and to match this
// attempt's identity.
func (w *Watchdog) awaitFenceReady(ctx context.Context, fence *fences.Fence, args SpawnArgs) (string, bool) {
	deadline := time.Now().Add(w.cfg.FenceReadinessTimeout)
	for {
		raw, present, err := fence.Payload(ctx)
		if err == nil && !present {
			return codedExitReasons[ExitFenceNotFound], false
		}
		if err == nil {
			payload, perr := fences.ParseIndexingPayload(raw)
			if perr == nil && payload.Ready() {
				if *payload.IndexAttemptID != args.IndexAttemptID || *payload.TaskID != args.TaskID {
					return codedExitReasons[ExitFenceMismatch], false
				}
				now := time.Now().UTC()
				payload.Started = &now
				if raw, err := payload.Marshal(); err == nil {
					_ = fence.SetFence(ctx, raw)
				}
				return "", true
			}
		}

		if time.Now().After(deadline) {
			return codedExitReasons[ExitFenceReadinessTimeout], false
		}
		select {
		case <-ctx.Done():
			return ctx.Err().Error(), false
		case <-time.After(w.ReadinessPoll):
		}
	}
}

func (w *Watchdog) superviseChild(ctx context.Context, tc tenant.Context, fence *fences.Fence, args SpawnArgs, proc Process, log *common.ContextLogger) error {
	ticker := time.NewTicker(w.cfg.WatchdogPeriod)
	defer ticker.Stop()

	for {
		if err := fence.SetWatchdog(ctx, true, w.cfg.WatchdogTTL); err != nil {
			log.WithError(err).Warn("Failed to refresh watchdog heartbeat")
		}
		if err := fence.SetActive(ctx, w.cfg.ActiveTTL); err != nil {
			log.WithError(err).Warn("Failed to refresh active signal")
		}

		terminating, err := fence.Terminating(ctx, args.TaskID)
		if err == nil && terminating {
			log.Info("Termination signal detected, killing generator")
			_ = proc.Kill()
			<-proc.Exit()
			return w.finalize(ctx, tc, fence, args.IndexAttemptID,
				models.StatusCanceled, "Connector termination signal detected")
		}

		select {
		case <-ctx.Done():
			_ = proc.Kill()
			<-proc.Exit()
			return w.finalize(ctx, tc, fence, args.IndexAttemptID,
				models.StatusCanceled, "watchdog context canceled")
		case exit := <-proc.Exit():
			return w.handleExit(ctx, tc, fence, args, exit, log)
		case <-ticker.C:
		}
	}
}

// handleExit classifies the child's exit. The generator-complete key is the
// inner signal, the process exit the outer one; a missing inner signal is
// only declared a crash after a delayed re-check.
func (w *Watchdog) handleExit(ctx context.Context, tc tenant.Context, fence *fences.Fence, args SpawnArgs, exit ProcessExit, log *common.ContextLogger) error {
	completion, reported, err := fence.GetCompletion(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to read generator completion")
	}

	if !reported {
		// Double-check before declaring a crash: the child may have exited
		// between its index write and the completion write becoming visible.
		select {
		case <-ctx.Done():
		case <-time.After(w.DoubleCheckDelay):
		}
		completion, reported, _ = fence.GetCompletion(ctx)
	}

	succeeded := reported && completion == generatorCompleteOK
	if exit.Code == ExitSuccess && succeeded {
		log.Info("Generator finished")
		return w.release(ctx, fence)
	}
	if exit.Code != ExitSuccess && succeeded && w.cfg.TrustGeneratorComplete {
		log.WithField("exit_code", exit.Code).
			Warn("Generator reported completion despite non-zero exit, trusting completion")
		return w.release(ctx, fence)
	}

	if exit.Code == ExitSuccess && !reported {
		return w.finalize(ctx, tc, fence, args.IndexAttemptID, models.StatusFailed,
			"generator exited cleanly without reporting completion")
	}

	reason, canceled := classifyExit(exit.Code)
	status := models.StatusFailed
	if canceled {
		status = models.StatusCanceled
	}
	log.WithFields(map[string]interface{}{
		"exit_code": exit.Code,
		"reason":    reason,
	}).Error("Generator exited abnormally")
	return w.finalize(ctx, tc, fence, args.IndexAttemptID, status, reason)
}

// finalize records a terminal status and releases the fence.
func (w *Watchdog) finalize(ctx context.Context, tc tenant.Context, fence *fences.Fence, attemptID int64, status models.IndexingStatus, reason string) error {
	if err := w.recorder.MarkTerminal(ctx, tc, attemptID, status, reason, ""); err != nil {
		return err
	}
	return w.release(ctx, fence)
}

func (w *Watchdog) release(ctx context.Context, fence *fences.Fence) error {
	// Release with a detached context so cancellation cannot strand the
	// fence.
	return fence.SetFence(context.WithoutCancel(ctx), nil)
}
