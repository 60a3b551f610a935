package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/pipeline"
	"github.com/zerafachris/onyx-cz-sub000/queue"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/syncer"
	"github.com/zerafachris/onyx-cz-sub000/watchdog"
)

func init() {
	RootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "run the task worker pool",
	Long: `Consumes the task queues: indexing watchdog tasks on the heavy queue
and per-document sync tasks on the light queue. Indexing work runs in a
spawned generator child process; sync tasks run inline.`,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap("worker")
	if err != nil {
		return err
	}
	defer rt.close()

	index := pipeline.NewHTTPSearchIndex(rt.cfg.SearchIndex)
	syncWorker := syncer.NewWorker(index, rt.cfg.Sync, rt.log)
	dog := watchdog.New(rt.cfg.Indexing, &watchdog.ExecSpawner{}, nil, rt.log)

	consumer := queue.NewConsumer(rt.queue, rt.log)

	consumer.Register(queue.TaskRunIndexing, func(ctx context.Context, msg queue.TaskMessage) error {
		var spawnArgs watchdog.SpawnArgs
		if err := json.Unmarshal(msg.Body, &spawnArgs); err != nil {
			return fmt.Errorf("malformed indexing task body: %w", err)
		}
		log := common.TaskLogger(queue.TaskRunIndexing, spawnArgs.TenantID, spawnArgs.TaskID)
		defer common.LogPanic(log)

		tc, err := rt.router.ForTenant(spawnArgs.TenantID)
		if err != nil {
			return err
		}
		return dog.Supervise(ctx, tc, spawnArgs)
	})

	consumer.Register(queue.TaskSyncDocument, func(ctx context.Context, msg queue.TaskMessage) error {
		var task syncer.DocSyncTask
		if err := json.Unmarshal(msg.Body, &task); err != nil {
			return fmt.Errorf("malformed sync task body: %w", err)
		}
		log := common.TaskLogger(queue.TaskSyncDocument, task.TenantID, task.TaskID)
		defer common.LogPanic(log)

		tc, err := rt.router.ForTenant(task.TenantID)
		if err != nil {
			return err
		}
		settings, err := store.GetPresentSearchSettings(ctx, tc)
		if err != nil {
			return err
		}
		if settings == nil {
			return fmt.Errorf("no present search settings for tenant %s", task.TenantID)
		}
		return syncWorker.SyncDocument(ctx, tc, task, settings.IndexName)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(ctx, queue.QueueIndexing, workersFor(rt.cfg.Queue.Queues, "indexing", 2))
	})
	g.Go(func() error {
		return consumer.Run(ctx, queue.QueueDocSync, workersFor(rt.cfg.Queue.Queues, "light_sync", 8))
	})

	err = g.Wait()
	if err == context.Canceled {
		rt.log.Info("Shutting down worker")
		return nil
	}
	return err
}

func workersFor(queues map[string]int, name string, def int) int {
	if n, ok := queues[name]; ok && n > 0 {
		return n
	}
	return def
}
