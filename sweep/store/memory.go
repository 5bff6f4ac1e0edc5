package store

import (
	"context"
	"sync"
	"time"

	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"

	"github.com/hpsched/hpsched/sweep/domain"
)

// In-memory implementation of TrialStore. DOES NOT durably persist
// trials; intended for tests, single-process sweeps, and as the backing
// store of an arbiter that owns durability some other way.
type inMemoryStore struct {
	limits domain.SweepLimits
	trials map[string]*domain.Trial
	order  []string
	slots  map[string]time.Time
	halted bool
	mutex  sync.Mutex
}

// MakeInMemoryStore returns a TrialStore holding all state in process
// memory, created with the given sweep limits.
func MakeInMemoryStore(limits domain.SweepLimits) (TrialStore, error) {
	if err := limits.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid sweep limits")
	}
	return &inMemoryStore{
		limits: limits,
		trials: make(map[string]*domain.Trial),
		slots:  make(map[string]time.Time),
	}, nil
}

func (s *inMemoryStore) Create(ctx context.Context, cfg domain.Configuration) (domain.Trial, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.trials) >= s.limits.MaxTrials {
		return domain.Trial{}, NewCapacityExceededError(s.limits.MaxTrials)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return domain.Trial{}, errors.Wrap(err, "generating trial id")
	}
	trial := &domain.Trial{
		ID:            id.String(),
		Configuration: cfg,
		Status:        domain.New,
		CreatedAt:     time.Now(),
	}
	s.trials[trial.ID] = trial
	s.order = append(s.order, trial.ID)
	return *trial, nil
}

func (s *inMemoryStore) TryReserve(ctx context.Context, id, owner string, leaseDuration time.Duration) (domain.Trial, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	trial, ok := s.trials[id]
	if !ok {
		return domain.Trial{}, false, NewNotFoundError(id)
	}
	now := time.Now()
	if !trial.ReserveEligible(now) {
		return domain.Trial{}, false, nil
	}
	trial.Status = domain.Reserved
	trial.Owner = owner
	trial.LeaseExpiry = now.Add(leaseDuration)
	trial.AttemptCount++
	return *trial, true, nil
}

func (s *inMemoryStore) Report(ctx context.Context, id, owner string, outcome domain.Outcome) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	trial, ok := s.trials[id]
	if !ok {
		return NewNotFoundError(id)
	}
	if trial.Status.Terminal() && outcome.Equal(outcomeOf(trial)) {
		// Idempotent replay of an identical report.
		return nil
	}
	if !trial.LeaseHeldBy(owner, time.Now()) {
		return NewStaleLeaseError(id, owner)
	}
	applyOutcome(trial, outcome)
	return nil
}

func (s *inMemoryStore) MarkInterrupted(ctx context.Context, id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	trial, ok := s.trials[id]
	if !ok {
		return NewNotFoundError(id)
	}
	if !trial.ReserveEligible(time.Now()) {
		return nil
	}
	trial.Status = domain.Interrupted
	trial.Owner = ""
	trial.LeaseExpiry = time.Time{}
	trial.CompletedAt = time.Now()
	return nil
}

func (s *inMemoryStore) List(ctx context.Context, mask domain.StatusMask) ([]domain.Trial, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.reclaimExpired()
	var result []domain.Trial
	for _, id := range s.order {
		trial := s.trials[id]
		if mask.Matches(trial.Status) {
			result = append(result, *trial)
		}
	}
	return result, nil
}

func (s *inMemoryStore) Counts(ctx context.Context) (domain.Counts, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.reclaimExpired()
	counts := domain.Counts{Created: len(s.trials)}
	for _, trial := range s.trials {
		switch trial.Status {
		case domain.Reserved:
			counts.Reserved++
		case domain.Completed:
			counts.Completed++
		case domain.Broken:
			counts.Broken++
		case domain.Interrupted:
			counts.Interrupted++
		}
	}
	return counts, nil
}

func (s *inMemoryStore) Limits(ctx context.Context) (domain.SweepLimits, error) {
	return s.limits, nil
}

func (s *inMemoryStore) Halt(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.halted = true
	return nil
}

func (s *inMemoryStore) Halted(ctx context.Context) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.halted, nil
}

func (s *inMemoryStore) TryAcquireSlot(ctx context.Context, workerID string, ttl time.Duration) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	for id, expiry := range s.slots {
		if now.After(expiry) {
			delete(s.slots, id)
		}
	}
	if _, held := s.slots[workerID]; !held && len(s.slots) >= s.limits.NWorkers {
		return false, nil
	}
	s.slots[workerID] = now.Add(ttl)
	return true, nil
}

func (s *inMemoryStore) RefreshSlot(ctx context.Context, workerID string, ttl time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, held := s.slots[workerID]; !held {
		return errors.Errorf("worker %s does not hold a slot", workerID)
	}
	s.slots[workerID] = time.Now().Add(ttl)
	return nil
}

func (s *inMemoryStore) ReleaseSlot(ctx context.Context, workerID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.slots, workerID)
	return nil
}

func (s *inMemoryStore) Close() error {
	return nil
}

// Caller must hold the mutex. Transitions expired reservations back to
// new, preserving the attempt count.
func (s *inMemoryStore) reclaimExpired() {
	now := time.Now()
	for _, trial := range s.trials {
		if trial.LeaseExpired(now) {
			trial.Status = domain.New
			trial.Owner = ""
			trial.LeaseExpiry = time.Time{}
		}
	}
}

func applyOutcome(trial *domain.Trial, outcome domain.Outcome) {
	if outcome.Broken {
		trial.Status = domain.Broken
		trial.Reason = outcome.Reason
	} else {
		trial.Status = domain.Completed
		objective := outcome.Objective
		trial.Objective = &objective
	}
	trial.Owner = ""
	trial.LeaseExpiry = time.Time{}
	trial.CompletedAt = time.Now()
}

func outcomeOf(trial *domain.Trial) domain.Outcome {
	switch trial.Status {
	case domain.Completed:
		outcome := domain.Outcome{}
		if trial.Objective != nil {
			outcome.Objective = *trial.Objective
		}
		return outcome
	case domain.Broken:
		return domain.Outcome{Broken: true, Reason: trial.Reason}
	default:
		return domain.Outcome{Broken: true, Reason: "interrupted"}
	}
}
