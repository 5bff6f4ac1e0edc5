package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	hperrors "github.com/hpsched/hpsched/common/errors"
	hplog "github.com/hpsched/hpsched/common/log"
	"github.com/hpsched/hpsched/common/stats"
	"github.com/hpsched/hpsched/config"
	"github.com/hpsched/hpsched/sweep/coordinator"
	"github.com/hpsched/hpsched/sweep/domain"
	"github.com/hpsched/hpsched/sweep/gate"
	"github.com/hpsched/hpsched/sweep/lease"
	"github.com/hpsched/hpsched/sweep/runner"
	"github.com/hpsched/hpsched/sweep/store"
)

var configFile = flag.String("config", "", "path to the sweep definition JSON")
var taskIndex = flag.Int("task_index", -1, "worker index; falls back to SLURM_ARRAY_TASK_ID")
var sweepHost = flag.String("sweep", "", "override for storage.host (db path or arbiter addr)")

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
	if *sweepHost != "" {
		cfg.Storage.Host = *sweepHost
	}

	index, err := resolveTaskIndex()
	if err != nil {
		log.Errorf("Cannot determine task index: %v", err)
		return hperrors.BadConfigExitCode
	}
	workerID := domain.WorkerIDFromTaskIndex(index)

	train, err := runner.NewExecTrainFunc(flag.Args())
	if err != nil {
		log.Errorf("Bad training command: %v", err)
		return hperrors.BadConfigExitCode
	}

	limits, err := cfg.Limits()
	if err != nil {
		log.Errorf("Bad sweep limits: %v", err)
		return hperrors.BadConfigExitCode
	}
	trialStore, err := openStore(cfg, limits)
	if err != nil {
		log.Errorf("Opening trial store: %v", err)
		return storageExitCode(err)
	}
	defer trialStore.Close()

	strategy, err := cfg.Strategy()
	if err != nil {
		log.Errorf("Bad algorithm section: %v", err)
		return hperrors.BadConfigExitCode
	}
	space, err := cfg.SearchSpace()
	if err != nil {
		log.Errorf("Bad space section: %v", err)
		return hperrors.BadConfigExitCode
	}

	stat := stats.DefaultStatsReceiver().Scope("sweepWorker")
	manager, err := lease.NewManager(trialStore, strategy, space, stat)
	if err != nil {
		log.Errorf("Starting lease manager: %v", err)
		return storageExitCode(err)
	}

	counts, err := trialStore.Counts(context.Background())
	if err != nil {
		log.Errorf("Reading sweep counts: %v", err)
		return storageExitCode(err)
	}
	if counts.BudgetSpent(manager.Limits().MaxTrials) {
		log.Errorf("Sweep already spent its %d-trial budget; refusing to start", manager.Limits().MaxTrials)
		return hperrors.CapacityExceededAtStartExitCode
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Infof("Got %v, stopping after the current trial", sig)
		cancel()
	}()

	c := coordinator.NewCoordinator(workerID, manager, poolGate(cfg, trialStore, limits), train, stat)
	summary, err := c.Run(ctx)
	if err != nil {
		log.Errorf("Worker %s stopped: %v", workerID, err)
		return storageExitCode(err)
	}

	log.Infof("Worker %s done: executed %d trials, counts %+v", workerID, summary.Executed, summary.Counts)
	if summary.HaltedOnBroken {
		for _, trial := range summary.BrokenTrials {
			log.Errorf("Broken trial %s (%s): %s", trial.ID, trial.Configuration.Key(), trial.Reason)
		}
		return hperrors.MaxBrokenExitCode
	}
	return 0
}

func resolveTaskIndex() (int, error) {
	if *taskIndex >= 0 {
		return *taskIndex, nil
	}
	if env := os.Getenv("SLURM_ARRAY_TASK_ID"); env != "" {
		return strconv.Atoi(env)
	}
	return 0, fmt.Errorf("pass -task_index or set SLURM_ARRAY_TASK_ID")
}

func openStore(cfg *config.Config, limits domain.SweepLimits) (store.TrialStore, error) {
	switch cfg.Storage.Type {
	case "sqlite":
		return store.OpenSqliteStore(cfg.Storage.Host, &limits)
	case "http":
		return store.MakeHTTPStore("http://" + cfg.Storage.Host), nil
	default:
		return store.MakeInMemoryStore(limits)
	}
}

// poolGate bounds worker concurrency. A shared store coordinates slots
// across processes; the in-memory backend only ever has this process.
func poolGate(cfg *config.Config, trialStore store.TrialStore, limits domain.SweepLimits) gate.Gate {
	if cfg.Storage.Type == "memory" {
		return gate.NewLocalGate(limits.NWorkers)
	}
	return gate.NewStoreGate(trialStore, limits.ReservationTimeout)
}

func storageExitCode(err error) hperrors.ExitCode {
	if store.IsStorageCorruption(err) {
		return hperrors.StorageCorruptionExitCode
	}
	if store.IsCapacityExceeded(err) {
		return hperrors.CapacityExceededAtStartExitCode
	}
	return hperrors.StorageFailureExitCode
}
