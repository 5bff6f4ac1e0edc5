package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hpsched/hpsched/common/stats"
	"github.com/hpsched/hpsched/sweep/domain"
	"github.com/hpsched/hpsched/sweep/gate"
	"github.com/hpsched/hpsched/sweep/lease"
	"github.com/hpsched/hpsched/sweep/sampler"
	"github.com/hpsched/hpsched/sweep/store"
)

func testSpace() domain.Space {
	return domain.Space{
		{Name: "lr", Kind: domain.Uniform, Low: 0, High: 1},
	}
}

func makeFixture(t *testing.T, limits domain.SweepLimits, seed int64) (store.TrialStore, *lease.Manager) {
	t.Helper()
	trialStore, err := store.MakeInMemoryStore(limits)
	if err != nil {
		t.Fatalf("making store: %v", err)
	}
	strategy, err := sampler.New(sampler.Random, testSpace(), sampler.Options{Seed: seed})
	if err != nil {
		t.Fatalf("making sampler: %v", err)
	}
	manager, err := lease.NewManager(trialStore, strategy, testSpace(), stats.NilStatsReceiver())
	if err != nil {
		t.Fatalf("making manager: %v", err)
	}
	return trialStore, manager
}

// leaseTracker asserts that no two executions of the same configuration
// ever overlap: the observable form of "no two workers share a live
// lease on one trial".
type leaseTracker struct {
	mutex  sync.Mutex
	active map[string]bool
	err    error
}

func newLeaseTracker() *leaseTracker {
	return &leaseTracker{active: make(map[string]bool)}
}

func (lt *leaseTracker) begin(cfg domain.Configuration) {
	lt.mutex.Lock()
	defer lt.mutex.Unlock()
	key := cfg.Key()
	if lt.active[key] {
		lt.err = fmt.Errorf("two simultaneously active leases for %s", key)
	}
	lt.active[key] = true
}

func (lt *leaseTracker) end(cfg domain.Configuration) {
	lt.mutex.Lock()
	defer lt.mutex.Unlock()
	lt.active[cfg.Key()] = false
}

func TestSingleWorkerDrainsSweep(t *testing.T) {
	limits := domain.SweepLimits{
		MaxTrials:          3,
		MaxBroken:          2,
		NWorkers:           1,
		ReservationTimeout: time.Minute,
		MaxAttempts:        3,
	}
	trialStore, manager := makeFixture(t, limits, 7)

	train := func(ctx context.Context, cfg domain.Configuration) (float64, error) {
		return cfg["lr"].(float64), nil
	}
	c := NewCoordinator("worker-0", manager, gate.NewLocalGate(1), train, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if c.State() != Stopped {
		t.Fatalf("expected Stopped, got %v", c.State())
	}
	if summary.Executed != 3 {
		t.Fatalf("expected 3 executed trials, got %d", summary.Executed)
	}
	counts, _ := trialStore.Counts(context.Background())
	if counts.Completed != 3 || counts.Broken != 0 {
		t.Fatalf("expected 3 completed trials, got %+v", counts)
	}
	if summary.HaltedOnBroken {
		t.Fatal("clean sweep must not report a broken halt")
	}
}

// The end-to-end scenario: max_trials=5, n_workers=2, max_broken=1, a
// callback that fails on the 3rd distinct configuration. Exactly one
// broken trial, at most 5 created, and no two trials ever share a
// simultaneously active lease.
func TestTwoWorkersHaltOnBrokenTrial(t *testing.T) {
	limits := domain.SweepLimits{
		MaxTrials:          5,
		MaxBroken:          1,
		NWorkers:           2,
		ReservationTimeout: time.Minute,
		MaxAttempts:        3,
	}
	trialStore, manager := makeFixture(t, limits, 11)
	tracker := newLeaseTracker()

	var mutex sync.Mutex
	distinct := map[string]int{}
	train := func(ctx context.Context, cfg domain.Configuration) (float64, error) {
		tracker.begin(cfg)
		defer tracker.end(cfg)

		mutex.Lock()
		if _, seen := distinct[cfg.Key()]; !seen {
			distinct[cfg.Key()] = len(distinct) + 1
		}
		ordinal := distinct[cfg.Key()]
		mutex.Unlock()

		time.Sleep(5 * time.Millisecond)
		if ordinal == 3 {
			return 0, fmt.Errorf("diverged on configuration %d", ordinal)
		}
		return 0.5, nil
	}

	poolGate := gate.NewLocalGate(limits.NWorkers)
	var wg sync.WaitGroup
	summaries := make([]*Summary, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c := NewCoordinator(domain.WorkerIDFromTaskIndex(idx), manager, poolGate, train, nil)
			summary, err := c.Run(context.Background())
			if err != nil {
				t.Errorf("worker %d: %v", idx, err)
				return
			}
			summaries[idx] = summary
		}(i)
	}
	wg.Wait()

	if tracker.err != nil {
		t.Fatal(tracker.err)
	}
	counts, _ := trialStore.Counts(context.Background())
	if counts.Broken != 1 {
		t.Fatalf("expected exactly one broken trial, got %+v", counts)
	}
	if counts.Created > limits.MaxTrials {
		t.Fatalf("created %d trials, over the %d ceiling", counts.Created, limits.MaxTrials)
	}
	for idx, summary := range summaries {
		if summary == nil {
			continue
		}
		if !summary.HaltedOnBroken {
			t.Fatalf("worker %d should report the broken halt", idx)
		}
		if len(summary.BrokenTrials) != 1 || summary.BrokenTrials[0].Reason == "" {
			t.Fatalf("worker %d summary must name the failed configuration: %+v", idx, summary.BrokenTrials)
		}
	}
}

func TestStaleReportIsSwallowed(t *testing.T) {
	limits := domain.SweepLimits{
		MaxTrials:          1,
		MaxBroken:          2,
		NWorkers:           1,
		ReservationTimeout: 30 * time.Millisecond,
		MaxAttempts:        5,
	}
	trialStore, manager := makeFixture(t, limits, 3)

	var mutex sync.Mutex
	calls := 0
	train := func(ctx context.Context, cfg domain.Configuration) (float64, error) {
		mutex.Lock()
		calls++
		first := calls == 1
		mutex.Unlock()
		if first {
			// Outlive the lease so the report comes back stale.
			time.Sleep(60 * time.Millisecond)
		}
		return 0.9, nil
	}

	c := NewCoordinator("worker-0", manager, gate.NewLocalGate(1), train, nil)
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("a stale report must not be fatal: %v", err)
	}
	if summary.Executed != 2 {
		t.Fatalf("expected the trial to be re-run after the stale report, executed=%d", summary.Executed)
	}
	counts, _ := trialStore.Counts(context.Background())
	if counts.Completed != 1 {
		t.Fatalf("expected one completed trial, got %+v", counts)
	}
}

func TestNonFiniteObjectiveIsBroken(t *testing.T) {
	limits := domain.SweepLimits{
		MaxTrials:          1,
		MaxBroken:          1,
		NWorkers:           1,
		ReservationTimeout: time.Minute,
		MaxAttempts:        3,
	}
	trialStore, manager := makeFixture(t, limits, 5)

	nan := func(ctx context.Context, cfg domain.Configuration) (float64, error) {
		var zero float64
		return zero / zero, nil
	}
	c := NewCoordinator("worker-0", manager, gate.NewLocalGate(1), nan, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.HaltedOnBroken {
		t.Fatal("NaN objective should count as broken")
	}
	broken, _ := trialStore.List(context.Background(), domain.Broken.Mask())
	if len(broken) != 1 || broken[0].Reason != "non-numeric objective" {
		t.Fatalf("expected a non-numeric-objective broken trial, got %v", broken)
	}
}

// A trial running past the slot TTL loses the slot to a waiting process.
// The worker must queue up for the next slot and keep going, not die.
func TestWorkerRejoinsPoolAfterSlotLapses(t *testing.T) {
	limits := domain.SweepLimits{
		MaxTrials:          2,
		MaxBroken:          2,
		NWorkers:           1,
		ReservationTimeout: time.Minute,
		MaxAttempts:        3,
	}
	trialStore, manager := makeFixture(t, limits, 13)
	slotTTL := 30 * time.Millisecond
	poolGate := gate.NewStoreGate(trialStore, slotTTL)

	started := make(chan struct{})
	rivalDone := make(chan struct{})
	go func() {
		defer close(rivalDone)
		<-started
		ctx := context.Background()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			ok, err := trialStore.TryAcquireSlot(ctx, "rival", slotTTL)
			if err != nil {
				t.Errorf("rival acquiring slot: %v", err)
				return
			}
			if ok {
				time.Sleep(20 * time.Millisecond)
				if err := trialStore.ReleaseSlot(ctx, "rival"); err != nil {
					t.Errorf("rival releasing slot: %v", err)
				}
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Error("rival never claimed the lapsed slot")
	}()

	var mutex sync.Mutex
	calls := 0
	train := func(ctx context.Context, cfg domain.Configuration) (float64, error) {
		mutex.Lock()
		calls++
		first := calls == 1
		mutex.Unlock()
		if first {
			close(started)
			// Outlive the slot TTL so the rival can claim the slot.
			time.Sleep(80 * time.Millisecond)
		}
		return 0.3, nil
	}

	c := NewCoordinator("worker-0", manager, poolGate, train, nil)
	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("worker died instead of rejoining the pool: %v", err)
	}
	<-rivalDone
	if summary.Executed != 2 {
		t.Fatalf("expected the worker to finish the sweep, executed=%d", summary.Executed)
	}
	counts, _ := trialStore.Counts(context.Background())
	if counts.Completed != 2 {
		t.Fatalf("expected 2 completed trials, got %+v", counts)
	}
}

func TestPerWorkerTrialCeiling(t *testing.T) {
	limits := domain.SweepLimits{
		MaxTrials:          10,
		MaxTrialsPerWorker: 2,
		MaxBroken:          3,
		NWorkers:           1,
		ReservationTimeout: time.Minute,
		MaxAttempts:        3,
	}
	trialStore, manager := makeFixture(t, limits, 9)

	train := func(ctx context.Context, cfg domain.Configuration) (float64, error) {
		return 0.1, nil
	}
	c := NewCoordinator("worker-0", manager, gate.NewLocalGate(1), train, nil)

	summary, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Executed != 2 {
		t.Fatalf("worker should stop at its per-worker ceiling, executed=%d", summary.Executed)
	}
	counts, _ := trialStore.Counts(context.Background())
	if counts.Completed != 2 {
		t.Fatalf("expected 2 completed trials, got %+v", counts)
	}
}
