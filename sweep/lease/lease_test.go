package lease

import (
	"context"
	"testing"
	"time"

	"github.com/hpsched/hpsched/common/stats"
	"github.com/hpsched/hpsched/sweep/domain"
	"github.com/hpsched/hpsched/sweep/sampler"
	"github.com/hpsched/hpsched/sweep/store"
)

func testSpace() domain.Space {
	return domain.Space{
		{Name: "lr", Kind: domain.Uniform, Low: 0, High: 1},
	}
}

func makeManager(t *testing.T, limits domain.SweepLimits) (*Manager, store.TrialStore) {
	t.Helper()
	trialStore, err := store.MakeInMemoryStore(limits)
	if err != nil {
		t.Fatalf("making store: %v", err)
	}
	strategy, err := sampler.New(sampler.Random, testSpace(), sampler.Options{Seed: 1})
	if err != nil {
		t.Fatalf("making sampler: %v", err)
	}
	manager, err := NewManager(trialStore, strategy, testSpace(), stats.NilStatsReceiver())
	if err != nil {
		t.Fatalf("making manager: %v", err)
	}
	return manager, trialStore
}

func limitsWith(mutate func(*domain.SweepLimits)) domain.SweepLimits {
	limits := domain.SweepLimits{
		MaxTrials:          5,
		MaxBroken:          2,
		NWorkers:           2,
		ReservationTimeout: time.Minute,
		MaxAttempts:        2,
	}
	if mutate != nil {
		mutate(&limits)
	}
	return limits
}

func TestAcquireSamplesNewTrial(t *testing.T) {
	manager, trialStore := makeManager(t, limitsWith(nil))
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "worker-0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Trial.Status != domain.Reserved || lease.Trial.Owner != "worker-0" {
		t.Fatalf("acquired trial not reserved for the caller: %+v", lease.Trial)
	}
	counts, _ := trialStore.Counts(ctx)
	if counts.Created != 1 || counts.Reserved != 1 {
		t.Fatalf("expected one reserved trial, got %+v", counts)
	}
}

func TestAcquirePrefersReclaimedTrial(t *testing.T) {
	manager, trialStore := makeManager(t, limitsWith(func(l *domain.SweepLimits) {
		l.ReservationTimeout = 20 * time.Millisecond
	}))
	ctx := context.Background()

	first, err := manager.Acquire(ctx, "worker-0")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	time.Sleep(40 * time.Millisecond) // lease lapses without a report

	second, err := manager.Acquire(ctx, "worker-1")
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if second.Trial.ID != first.Trial.ID {
		t.Fatalf("expected the expired trial to be reoffered, got %s vs %s", second.Trial.ID, first.Trial.ID)
	}
	if second.Trial.AttemptCount != 2 {
		t.Fatalf("expected attempt_count 2 on reclaim, got %d", second.Trial.AttemptCount)
	}
	counts, _ := trialStore.Counts(ctx)
	if counts.Created != 1 {
		t.Fatalf("no new trial should be sampled while one waits: %+v", counts)
	}
}

func TestThrashingTrialIsInterrupted(t *testing.T) {
	manager, trialStore := makeManager(t, limitsWith(func(l *domain.SweepLimits) {
		l.ReservationTimeout = 10 * time.Millisecond
		l.MaxAttempts = 2
	}))
	ctx := context.Background()

	var poisoned string
	// Burn through the attempt budget without ever reporting.
	for attempt := 0; attempt < 2; attempt++ {
		lease, err := manager.Acquire(ctx, "worker-0")
		if err != nil {
			t.Fatalf("acquire %d: %v", attempt, err)
		}
		if attempt == 0 {
			poisoned = lease.Trial.ID
		} else if lease.Trial.ID != poisoned {
			t.Fatalf("expected the same trial to be reoffered, got %s", lease.Trial.ID)
		}
		time.Sleep(25 * time.Millisecond)
	}

	// The next pass must retire the poisoned trial rather than reoffer it.
	lease, err := manager.Acquire(ctx, "worker-0")
	if err != nil {
		t.Fatalf("acquire after thrash: %v", err)
	}
	if lease.Trial.ID == poisoned {
		t.Fatal("trial past its attempt ceiling was reoffered")
	}
	interrupted, _ := trialStore.List(ctx, domain.Interrupted.Mask())
	if len(interrupted) != 1 || interrupted[0].ID != poisoned {
		t.Fatalf("expected %s interrupted, got %v", poisoned, interrupted)
	}
}

func TestAcquireCompletesOnMaxBroken(t *testing.T) {
	manager, trialStore := makeManager(t, limitsWith(func(l *domain.SweepLimits) {
		l.MaxBroken = 1
	}))
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "worker-0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := manager.Report(ctx, lease, domain.Outcome{Broken: true, Reason: "oom"}); err != nil {
		t.Fatalf("reporting broken: %v", err)
	}

	// Every worker sees the sweep as complete from now on.
	for _, worker := range []string{"worker-0", "worker-1"} {
		if _, err := manager.Acquire(ctx, worker); err != ErrSweepComplete {
			t.Fatalf("%s: expected ErrSweepComplete, got %v", worker, err)
		}
	}
	counts, _ := trialStore.Counts(ctx)
	if counts.Broken != 1 {
		t.Fatalf("expected one broken trial, got %+v", counts)
	}
}

func TestAcquireCompletesWhenHalted(t *testing.T) {
	manager, trialStore := makeManager(t, limitsWith(nil))
	ctx := context.Background()

	if err := trialStore.Halt(ctx); err != nil {
		t.Fatalf("halting: %v", err)
	}
	if _, err := manager.Acquire(ctx, "worker-0"); err != ErrSweepComplete {
		t.Fatalf("expected ErrSweepComplete after halt, got %v", err)
	}
}

func TestDrainedSweepDistinguishesInFlightWork(t *testing.T) {
	manager, _ := makeManager(t, limitsWith(func(l *domain.SweepLimits) {
		l.MaxTrials = 1
	}))
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "worker-0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Capacity is spent but worker-0 still holds a live lease: transient.
	if _, err := manager.TryAcquire(ctx, "worker-1"); err != ErrNoWorkAvailable {
		t.Fatalf("expected ErrNoWorkAvailable while a lease is live, got %v", err)
	}

	if err := manager.Report(ctx, lease, domain.Outcome{Objective: 0.3}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := manager.TryAcquire(ctx, "worker-1"); err != ErrSweepComplete {
		t.Fatalf("expected ErrSweepComplete once all trials are terminal, got %v", err)
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	manager, _ := makeManager(t, limitsWith(func(l *domain.SweepLimits) {
		l.MaxTrials = 1
	}))
	ctx := context.Background()

	if _, err := manager.Acquire(ctx, "worker-0"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Only transient no-work remains; a bounded context must end the wait.
	bounded, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err := manager.Acquire(bounded, "worker-1")
	if err == nil || err == ErrSweepComplete {
		t.Fatalf("expected a context-bounded failure, got %v", err)
	}
}

func TestExhaustedExternalSamplerCompletesSweep(t *testing.T) {
	limits := limitsWith(nil)
	trialStore, err := store.MakeInMemoryStore(limits)
	if err != nil {
		t.Fatalf("making store: %v", err)
	}
	points := []domain.Configuration{{"lr": 0.5}}
	strategy, err := sampler.New(sampler.External, testSpace(), sampler.Options{Points: points})
	if err != nil {
		t.Fatalf("making sampler: %v", err)
	}
	manager, err := NewManager(trialStore, strategy, testSpace(), nil)
	if err != nil {
		t.Fatalf("making manager: %v", err)
	}
	ctx := context.Background()

	lease, err := manager.Acquire(ctx, "worker-0")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := manager.Report(ctx, lease, domain.Outcome{Objective: 0.9}); err != nil {
		t.Fatalf("report: %v", err)
	}

	if _, err := manager.TryAcquire(ctx, "worker-0"); err != ErrSweepComplete {
		t.Fatalf("expected ErrSweepComplete on exhausted space, got %v", err)
	}
}
