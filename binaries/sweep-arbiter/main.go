package main

import (
	"flag"
	"os"

	log "github.com/sirupsen/logrus"

	hperrors "github.com/hpsched/hpsched/common/errors"
	hplog "github.com/hpsched/hpsched/common/log"
	"github.com/hpsched/hpsched/common/stats"
	"github.com/hpsched/hpsched/config"
	"github.com/hpsched/hpsched/sweep/store"
)

var addr = flag.String("addr", "localhost:9321", "address to serve the sweep API on")
var configFile = flag.String("config", "", "path to the sweep definition JSON")
var dbFile = flag.String("db", "", "sqlite file backing the sweep; empty keeps trials in memory")

func main() {
	flag.Parse()
	hplog.Init(log.InfoLevel)
	os.Exit(int(run()))
}

func run() hperrors.ExitCode {
	if *configFile == "" {
		log.Error("A -config file is required")
		return hperrors.BadConfigExitCode
	}
	cfg, err := config.ParseFile(*configFile)
	if err != nil {
		log.Errorf("Bad sweep config: %v", err)
		return hperrors.BadConfigExitCode
	}
	limits, err := cfg.Limits()
	if err != nil {
		log.Errorf("Bad sweep limits: %v", err)
		return hperrors.BadConfigExitCode
	}

	var trialStore store.TrialStore
	if *dbFile != "" {
		trialStore, err = store.OpenSqliteStore(*dbFile, &limits)
	} else {
		trialStore, err = store.MakeInMemoryStore(limits)
	}
	if err != nil {
		log.Errorf("Opening trial store: %v", err)
		if store.IsStorageCorruption(err) {
			return hperrors.StorageCorruptionExitCode
		}
		return hperrors.StorageFailureExitCode
	}
	defer trialStore.Close()

	stat := stats.DefaultStatsReceiver().Scope("sweepArbiter")
	server := store.NewArbiterServer(*addr, trialStore, stat)
	if err := server.Serve(); err != nil {
		log.Errorf("Arbiter stopped: %v", err)
		return hperrors.StorageFailureExitCode
	}
	return 0
}
