// Package lease grants workers exclusive, time-bounded claims on trials.
// It wraps the store's compare-and-set reservation with retry-and-jitter
// on contention, reclaims expired leases, retires trials that keep
// thrashing, and decides when the sweep is over.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/hpsched/hpsched/common/stats"
	"github.com/hpsched/hpsched/sweep/domain"
	"github.com/hpsched/hpsched/sweep/sampler"
	"github.com/hpsched/hpsched/sweep/store"
)

// ErrSweepComplete means no work will ever become available again:
// budgets are spent, the space is exhausted, or an operator halted the
// sweep. Terminal, not a failure.
var ErrSweepComplete = errors.New("sweep complete")

// ErrNoWorkAvailable means nothing was reservable right now but
// in-flight trials may still come back. Transient; poll again.
var ErrNoWorkAvailable = errors.New("no work available")

// Lease is a live claim on one trial.
type Lease struct {
	Trial domain.Trial
}

type Manager struct {
	trialStore store.TrialStore
	strategy   sampler.Strategy
	space      domain.Space
	limits     domain.SweepLimits
	stat       stats.StatsReceiver
}

func NewManager(trialStore store.TrialStore, strategy sampler.Strategy, space domain.Space, stat stats.StatsReceiver) (*Manager, error) {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	limits, err := trialStore.Limits(context.Background())
	if err != nil {
		return nil, err
	}
	return &Manager{
		trialStore: trialStore,
		strategy:   strategy,
		space:      space,
		limits:     limits,
		stat:       stat.Scope("lease"),
	}, nil
}

// Acquire blocks until a lease is granted, the sweep completes, or ctx
// ends. Contention and empty polls back off exponentially with jitter so
// a large array job doesn't hammer the store in lockstep.
func (m *Manager) Acquire(ctx context.Context, workerID string) (*Lease, error) {
	defer m.stat.Latency("acquireLatency_ms").Time().Stop()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 15 * time.Second
	policy.MaxElapsedTime = 0 // poll until the sweep resolves

	var lease *Lease
	operation := func() error {
		acquired, err := m.TryAcquire(ctx, workerID)
		if err == ErrNoWorkAvailable {
			return err
		}
		if err != nil {
			// SweepComplete, storage faults: no point retrying here.
			return backoff.Permanent(err)
		}
		lease = acquired
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		if permanent, ok := err.(*backoff.PermanentError); ok {
			return nil, permanent.Err
		}
		return nil, err
	}
	return lease, nil
}

// TryAcquire makes a single pass: reuse an eligible existing trial, else
// sample and create a new one. Returns ErrNoWorkAvailable when the pass
// found nothing but reserved trials may still expire, ErrSweepComplete
// when nothing ever will.
func (m *Manager) TryAcquire(ctx context.Context, workerID string) (*Lease, error) {
	halted, err := m.trialStore.Halted(ctx)
	if err != nil {
		return nil, err
	}
	if halted {
		return nil, ErrSweepComplete
	}

	counts, err := m.trialStore.Counts(ctx)
	if err != nil {
		return nil, err
	}
	if counts.Broken >= m.limits.MaxBroken {
		log.Warnf("Sweep hit its broken-trial ceiling (%d)", m.limits.MaxBroken)
		return nil, ErrSweepComplete
	}

	// Reclaimed and never-started trials come first; new configurations
	// are only sampled when nothing is waiting.
	candidates, err := m.trialStore.List(ctx, domain.New.Mask())
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidate := &candidates[i]
		if candidate.AttemptCount >= m.limits.MaxAttempts {
			log.Warnf("Retiring %s after %d reservation attempts", candidate.ID, candidate.AttemptCount)
			if err := m.trialStore.MarkInterrupted(ctx, candidate.ID); err != nil && !store.IsNotFound(err) {
				return nil, err
			}
			m.stat.Counter("trialsInterrupted").Inc(1)
			continue
		}
		trial, reserved, err := m.trialStore.TryReserve(ctx, candidate.ID, workerID, m.limits.ReservationTimeout)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !reserved {
			// Someone else won the race; move on.
			m.stat.Counter("reserveRaces").Inc(1)
			continue
		}
		m.stat.Counter("leasesAcquired").Inc(1)
		return &Lease{Trial: trial}, nil
	}

	return m.sampleAndReserve(ctx, workerID)
}

func (m *Manager) sampleAndReserve(ctx context.Context, workerID string) (*Lease, error) {
	history, err := m.trialStore.List(ctx, domain.MaskAll)
	if err != nil {
		return nil, err
	}
	cfg, err := m.strategy.Sample(m.space, history)
	if err != nil {
		if sampler.IsSearchSpaceExhausted(err) {
			return nil, m.drained(ctx)
		}
		return nil, err
	}

	trial, err := m.trialStore.Create(ctx, cfg)
	if err != nil {
		if store.IsCapacityExceeded(err) {
			return nil, m.drained(ctx)
		}
		return nil, err
	}
	m.stat.Counter("trialsCreated").Inc(1)

	reserved, ok, err := m.trialStore.TryReserve(ctx, trial.ID, workerID, m.limits.ReservationTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost our own trial to a racing worker; try again later.
		m.stat.Counter("reserveRaces").Inc(1)
		return nil, ErrNoWorkAvailable
	}
	m.stat.Counter("leasesAcquired").Inc(1)
	return &Lease{Trial: reserved}, nil
}

// drained decides between SweepComplete and NoWorkAvailable once no new
// trial can be created: reserved trials may still expire back into the
// pool, so the sweep is only complete when none remain.
func (m *Manager) drained(ctx context.Context) error {
	counts, err := m.trialStore.Counts(ctx)
	if err != nil {
		return err
	}
	remaining := counts.Created - counts.Terminal()
	if remaining == 0 {
		return ErrSweepComplete
	}
	return ErrNoWorkAvailable
}

// Release gives up a lease without an outcome. The lease simply lapses
// and the store reclaims the trial at expiry, same as a worker crash.
func (m *Manager) Release(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}
	log.Infof("Released lease on %s; it becomes reclaimable at %v", lease.Trial.ID, lease.Trial.LeaseExpiry)
}

// Report records the trial's outcome through the lease.
func (m *Manager) Report(ctx context.Context, lease *Lease, outcome domain.Outcome) error {
	err := m.trialStore.Report(ctx, lease.Trial.ID, lease.Trial.Owner, outcome)
	if err == nil {
		if outcome.Broken {
			m.stat.Counter("trialsBroken").Inc(1)
		} else {
			m.stat.Counter("trialsCompleted").Inc(1)
		}
	}
	return err
}

// Limits exposes the sweep budgets the manager operates under.
func (m *Manager) Limits() domain.SweepLimits {
	return m.limits
}

// Store exposes the underlying trial store for read-only inspection.
func (m *Manager) Store() store.TrialStore {
	return m.trialStore
}
