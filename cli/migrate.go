package cli

import (
	"github.com/spf13/cobra"

	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

func init() {
	RootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create or update tenant schemas",
	Long:  `Creates each configured tenant's schema and migrates its tables.`,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig("ONYX", cfgFile)
	if err != nil {
		return err
	}

	db, err := store.Open(cfg.Store)
	if err != nil {
		return err
	}

	for _, tenantID := range cfg.Service.Tenants {
		if err := store.Migrate(db, tenant.SchemaName(tenantID)); err != nil {
			return err
		}
	}
	return nil
}
