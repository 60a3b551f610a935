package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zerafachris/onyx-cz-sub000/beat"
	"github.com/zerafachris/onyx-cz-sub000/syncer"
)

func init() {
	RootCmd.AddCommand(syncerCmd)
}

var syncerCmd = &cobra.Command{
	Use:   "syncer",
	Short: "run the sync coordinator",
	Long: `Runs the sync coordinator: one pass per tenant per interval that
generates per-document sync tasks for stale documents, outdated document
sets, and outdated user groups, and finalizes drained sync fences.`,
	RunE: runSyncer,
}

func runSyncer(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap("syncer")
	if err != nil {
		return err
	}
	defer rt.close()

	coordinator := syncer.NewCoordinator(rt.cfg.Sync, rt.queue, nil, rt.log)

	scheduler, err := beat.NewScheduler(rt.router, rt.cfg.Service.Tenants, rt.log)
	if err != nil {
		return err
	}
	if err := scheduler.AddPass("sync", rt.cfg.Sync.Interval, coordinator.Pass); err != nil {
		return err
	}

	scheduler.Start()
	defer scheduler.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	rt.log.Info("Shutting down syncer")
	return nil
}
