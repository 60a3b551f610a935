package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zerafachris/onyx-cz-sub000/pipeline"
	"github.com/zerafachris/onyx-cz-sub000/watchdog"
)

var generatorArgsToken string

func init() {
	RootCmd.AddCommand(generatorCmd)
	generatorCmd.Flags().StringVar(&generatorArgsToken, "args", "", "base64-encoded spawn arguments")
	generatorCmd.MarkFlagRequired("args")
}

var generatorCmd = &cobra.Command{
	Use:   "generator",
	Short: "run one indexing attempt (spawned by the watchdog)",
	Long: `Runs the indexing generator for a single attempt. Spawned by the
watchdog with a serialized argument token; communicates its outcome through
the attempt row, the generator-complete key, and its exit code.`,
	Hidden: true,
	RunE:   runGenerator,
}

func runGenerator(cmd *cobra.Command, args []string) error {
	spawnArgs, err := watchdog.DecodeSpawnArgs(generatorArgsToken)
	if err != nil {
		return err
	}

	rt, err := bootstrap("generator")
	if err != nil {
		return err
	}

	tc, err := rt.router.ForTenant(spawnArgs.TenantID)
	if err != nil {
		rt.close()
		return fmt.Errorf("failed to resolve tenant %s: %w", spawnArgs.TenantID, err)
	}

	modelServer := pipeline.NewHTTPModelServer(rt.cfg.ModelServer)
	deps := watchdog.GeneratorDeps{
		Index:      pipeline.NewHTTPSearchIndex(rt.cfg.SearchIndex),
		Embedder:   modelServer,
		Classifier: modelServer,
		Vision:     modelServer,
		Cfg:        rt.cfg.Indexing,
		Log:        rt.log,
	}

	code := watchdog.RunGenerator(context.Background(), tc, deps, spawnArgs)
	rt.close()
	os.Exit(code)
	return nil
}
