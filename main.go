// Package main is the entry point for the Onyx ingestion orchestrator. One
// binary carries every service role: the beat scheduler, the worker pool,
// the sync coordinator, and the indexing generator child process the
// watchdog spawns.
package main

import (
	"log"
	"os"

	"github.com/zerafachris/onyx-cz-sub000/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.SetFlags(0)
		log.Println(err)
		os.Exit(1)
	}
}
