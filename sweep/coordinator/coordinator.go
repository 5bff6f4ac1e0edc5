// Package coordinator runs the per-worker control loop of a sweep:
// acquire a lease, dispatch the configuration to the external training
// routine, report the result, repeat until the sweep's stopping
// condition holds.
package coordinator

import (
	"context"
	"math"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hpsched/hpsched/common/stats"
	"github.com/hpsched/hpsched/sweep/domain"
	"github.com/hpsched/hpsched/sweep/gate"
	"github.com/hpsched/hpsched/sweep/lease"
	"github.com/hpsched/hpsched/sweep/store"
)

// TrainFunc is the external training callback: one configuration in, one
// objective value out. It may block for the trial's full duration; the
// scheduler imposes no timeout beyond the lease expiry, which only
// affects reassignment, never cancellation of the in-flight call.
type TrainFunc func(ctx context.Context, cfg domain.Configuration) (float64, error)

// State of the coordinator loop.
type State int

const (
	Idle State = iota
	Acquiring
	Running
	Reporting
	Stopped
)

func (s State) String() string {
	return [5]string{"Idle", "Acquiring", "Running", "Reporting", "Stopped"}[s]
}

// Summary describes how the worker's participation in the sweep ended.
type Summary struct {
	// Trials this worker dispatched to the training callback.
	Executed int

	// Final sweep counters.
	Counts domain.Counts

	// The broken trials, so a sweep halting on max_broken can say which
	// configurations failed and why, not merely that a threshold was hit.
	BrokenTrials []domain.Trial

	// True when the sweep stopped because broken_count reached max_broken.
	HaltedOnBroken bool
}

type Coordinator struct {
	workerID string
	manager  *lease.Manager
	poolGate gate.Gate
	trainFn  TrainFunc
	stat     stats.StatsReceiver

	mutex sync.Mutex
	state State
}

func NewCoordinator(workerID string, manager *lease.Manager, poolGate gate.Gate, trainFn TrainFunc, stat stats.StatsReceiver) *Coordinator {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Coordinator{
		workerID: workerID,
		manager:  manager,
		poolGate: poolGate,
		trainFn:  trainFn,
		stat:     stat.Scope("coordinator"),
	}
}

// State returns the loop's current state.
func (c *Coordinator) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *Coordinator) setState(state State) {
	c.mutex.Lock()
	c.state = state
	c.mutex.Unlock()
}

// Run executes the worker loop until the sweep completes or a fatal
// fault stops this worker. Storage faults stop only this worker; sibling
// workers keep draining the sweep. A Summary is returned whenever the
// loop ends cleanly, even alongside an error from a final accounting
// read failing.
func (c *Coordinator) Run(ctx context.Context) (*Summary, error) {
	if err := c.poolGate.Enter(ctx, c.workerID); err != nil {
		return nil, errors.Wrap(err, "entering worker pool")
	}
	defer func() {
		if err := c.poolGate.Leave(context.Background(), c.workerID); err != nil {
			log.Errorf("Error leaving worker pool: %v", err)
		}
	}()

	limits := c.manager.Limits()
	executed := 0
	for {
		if limits.MaxTrialsPerWorker > 0 && executed >= limits.MaxTrialsPerWorker {
			log.Infof("Worker %s reached its per-worker trial ceiling (%d)", c.workerID, limits.MaxTrialsPerWorker)
			break
		}
		if err := c.poolGate.Refresh(ctx, c.workerID); err != nil {
			// A trial that outlives the slot TTL can lose the slot to a
			// waiting process; queue up for the next one.
			log.Warnf("Worker %s lost its pool slot, re-entering: %v", c.workerID, err)
			c.stat.Counter("slotsLost").Inc(1)
			if err := c.poolGate.Enter(ctx, c.workerID); err != nil {
				c.setState(Stopped)
				return nil, errors.Wrap(err, "re-entering worker pool")
			}
		}

		c.setState(Acquiring)
		acquired, err := c.manager.Acquire(ctx, c.workerID)
		if err == lease.ErrSweepComplete {
			break
		}
		if err != nil {
			c.setState(Stopped)
			return nil, errors.Wrap(err, "acquiring lease")
		}

		c.setState(Running)
		outcome := c.runTrial(ctx, &acquired.Trial)

		c.setState(Reporting)
		if err := c.manager.Report(ctx, acquired, outcome); err != nil {
			if !isStale(err) {
				c.setState(Stopped)
				return nil, errors.Wrap(err, "reporting outcome")
			}
			// Another worker reclaimed the trial after our lease lapsed;
			// our result is discarded.
			log.Warnf("Discarding result for %s: %v", acquired.Trial.ID, err)
			c.stat.Counter("staleReports").Inc(1)
		}
		executed++
		c.setState(Idle)
	}

	c.setState(Stopped)
	return c.summarize(ctx, executed)
}

// runTrial dispatches the configuration and maps the callback's return
// into an outcome: errors and non-finite objectives are broken trials.
func (c *Coordinator) runTrial(ctx context.Context, trial *domain.Trial) domain.Outcome {
	log.Infof("Worker %s running %s (attempt %d)", c.workerID, trial.ID, trial.AttemptCount)
	defer c.stat.Latency("trialLatency_ms").Time().Stop()

	objective, err := c.trainFn(ctx, trial.Configuration)
	if err != nil {
		log.Errorf("Trial %s broke: %v", trial.ID, err)
		return domain.Outcome{Broken: true, Reason: err.Error()}
	}
	if math.IsNaN(objective) || math.IsInf(objective, 0) {
		log.Errorf("Trial %s returned non-numeric objective %v", trial.ID, objective)
		return domain.Outcome{Broken: true, Reason: "non-numeric objective"}
	}
	return domain.Outcome{Objective: objective}
}

func (c *Coordinator) summarize(ctx context.Context, executed int) (*Summary, error) {
	summary := &Summary{Executed: executed}

	trials, err := c.manager.Store().List(ctx, domain.Broken.Mask())
	if err != nil {
		return summary, errors.Wrap(err, "listing broken trials")
	}
	summary.BrokenTrials = trials

	counts, err := c.manager.Store().Counts(ctx)
	if err != nil {
		return summary, errors.Wrap(err, "reading final counts")
	}
	summary.Counts = counts
	summary.HaltedOnBroken = counts.Broken >= c.manager.Limits().MaxBroken

	if summary.HaltedOnBroken {
		log.Errorf("Sweep halted: %d broken trials reached max_broken", counts.Broken)
		for i := range summary.BrokenTrials {
			trial := &summary.BrokenTrials[i]
			log.Errorf("  broken configuration %s: %s", trial.Configuration.Key(), trial.Reason)
		}
	} else {
		log.Infof("Worker %s stopping: %d executed, sweep counts %+v", c.workerID, executed, counts)
	}
	return summary, nil
}

func isStale(err error) bool {
	return store.IsStaleLease(errors.Cause(err))
}
