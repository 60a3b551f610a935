// Package cli wires the orchestrator's services into subcommands: the beat
// scheduler, the worker pool, the sync coordinator, and the indexing
// generator child process. All commands share one configuration surface and
// one runtime bootstrap.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zerafachris/onyx-cz-sub000/common"
	"github.com/zerafachris/onyx-cz-sub000/config"
	"github.com/zerafachris/onyx-cz-sub000/kvbroker"
	"github.com/zerafachris/onyx-cz-sub000/queue"
	"github.com/zerafachris/onyx-cz-sub000/store"
	"github.com/zerafachris/onyx-cz-sub000/tenant"
)

var cfgFile string

// RootCmd is the orchestrator's entry command. Every service runs from the
// same binary: onyx beat | worker | syncer | generator.
var RootCmd = &cobra.Command{
	Use:   "onyx",
	Short: "multi-tenant ingestion and sync orchestrator",
	Long: `Onyx ingestion orchestrator.

Schedules connector indexing runs, supervises indexing generators in child
processes, and keeps document metadata in the search index consistent with
the relational store. Coordination runs over a Redis-protocol KV broker;
tasks move over AMQP.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, ~/.onyx, /etc/onyx)")
}

// runtime holds the shared handles a service command needs.
type runtime struct {
	cfg    *config.Config
	broker *kvbroker.Broker
	router *tenant.Router
	queue  *queue.Broker
	log    *common.ContextLogger
}

// bootstrap loads configuration, configures logging, and opens the shared
// connections. Callers defer rt.close().
func bootstrap(serviceName string) (*runtime, error) {
	cfg, err := config.LoadConfig("ONYX", cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	common.ConfigureLogger(common.LoggerConfig{
		Level:      common.LogLevel(cfg.Logging.Level),
		Format:     cfg.Logging.Format,
		TimeFormat: common.DefaultLoggerConfig().TimeFormat,
	})
	log := common.ServiceLogger(serviceName, cfg.Service.Version)

	broker, err := kvbroker.NewBroker(cfg.KVBroker.URL, cfg.KVBroker.ReplicaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to KV broker: %w", err)
	}

	baseDB, err := store.Open(cfg.Store)
	if err != nil {
		broker.Close()
		return nil, err
	}

	q, err := queue.NewBroker(cfg.Queue, log)
	if err != nil {
		broker.Close()
		return nil, err
	}

	return &runtime{
		cfg:    cfg,
		broker: broker,
		router: tenant.NewRouter(broker, baseDB),
		queue:  q,
		log:    log,
	}, nil
}

func (rt *runtime) close() {
	if rt.queue != nil {
		rt.queue.Close()
	}
	if rt.broker != nil {
		rt.broker.Close()
	}
}
