package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zerafachris/onyx-cz-sub000/beat"
)

func init() {
	RootCmd.AddCommand(beatCmd)
}

var beatCmd = &cobra.Command{
	Use:   "beat",
	Short: "run the periodic scheduler",
	Long: `Runs the beat: one pass per tenant per interval under a non-blocking
beat lock. Each pass maintains the active-fence registry, kicks off due
indexing attempts, and reconciles fences against attempt rows.`,
	RunE: runBeat,
}

func runBeat(cmd *cobra.Command, args []string) error {
	rt, err := bootstrap("beat")
	if err != nil {
		return err
	}
	defer rt.close()

	b := beat.New(rt.cfg.Beat, rt.cfg.Indexing, rt.queue, rt.log)

	scheduler, err := beat.NewScheduler(rt.router, rt.cfg.Service.Tenants, rt.log)
	if err != nil {
		return err
	}
	if err := scheduler.AddPass("beat", rt.cfg.Beat.Interval, b.Pass); err != nil {
		return err
	}

	scheduler.Start()
	defer scheduler.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	rt.log.Info("Shutting down beat")
	return nil
}
