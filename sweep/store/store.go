// Package store provides the TrialStore: the durable, shared record of
// every trial in a sweep, and the single point of serialization between
// worker processes. TryReserve is the only operation needing mutual
// exclusion and it is linearizable in every implementation: two
// concurrent reservations of the same trial never both succeed.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hpsched/hpsched/sweep/domain"
)

// TrialStore is the contract all backends implement. Every mutation is
// durably persisted before the call returns, so a crash immediately after
// a successful call never loses the transition (the in-memory backend is
// the documented exception, for tests and single-process runs).
type TrialStore interface {
	// Create adds a trial in status new. Fails with CapacityExceededError
	// once the sweep's MaxTrials have been created.
	Create(ctx context.Context, cfg domain.Configuration) (domain.Trial, error)

	// TryReserve atomically claims the trial for owner if it is new or
	// its lease has expired, setting the lease expiry to now+leaseDuration
	// and incrementing the attempt count. Returns the reserved trial and
	// true on success; an unreservable trial is (zero, false, nil).
	TryReserve(ctx context.Context, id, owner string, leaseDuration time.Duration) (domain.Trial, bool, error)

	// Report transitions the trial to completed or broken. The caller
	// must hold a live lease; otherwise StaleLeaseError and the store is
	// not mutated. Replaying an identical outcome against an already
	// terminal trial is a no-op success.
	Report(ctx context.Context, id, owner string, outcome domain.Outcome) error

	// MarkInterrupted retires a trial that has exhausted its reservation
	// attempts. Applies only to trials that are new or expired-reserved;
	// a live lease or terminal status leaves the store unchanged.
	MarkInterrupted(ctx context.Context, id string) error

	// List returns a read-only snapshot of trials matching the mask.
	// Expired leases are reclaimed (reserved -> new) before filtering.
	List(ctx context.Context, mask domain.StatusMask) ([]domain.Trial, error)

	// Counts recomputes the sweep counters from the trial records.
	Counts(ctx context.Context) (domain.Counts, error)

	// Limits returns the budgets the sweep was created with.
	Limits(ctx context.Context) (domain.SweepLimits, error)

	// Halt records an external cancellation signal; Halted reads it back.
	Halt(ctx context.Context) error
	Halted(ctx context.Context) (bool, error)

	// Worker pool gate slots. A slot is held under a TTL and must be
	// refreshed; expired slots are reclaimable so crashed workers don't
	// pin concurrency.
	TryAcquireSlot(ctx context.Context, workerID string, ttl time.Duration) (bool, error)
	RefreshSlot(ctx context.Context, workerID string, ttl time.Duration) error
	ReleaseSlot(ctx context.Context, workerID string) error

	Close() error
}

// CapacityExceededError means the sweep's MaxTrials ceiling was reached.
// Fatal at sweep start; expected when the sweep is winding down.
type CapacityExceededError struct {
	Max int
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("sweep capacity exceeded: %d trials already created", e.Max)
}

func NewCapacityExceededError(max int) error {
	return &CapacityExceededError{Max: max}
}

func IsCapacityExceeded(err error) bool {
	_, ok := err.(*CapacityExceededError)
	return ok
}

// StaleLeaseError means the caller's lease no longer matches the trial:
// the owner differs, the lease expired, or the trial moved on. The
// caller's work is discarded.
type StaleLeaseError struct {
	TrialID string
	Owner   string
}

func (e *StaleLeaseError) Error() string {
	return fmt.Sprintf("stale lease on trial %s for owner %s", e.TrialID, e.Owner)
}

func NewStaleLeaseError(trialID, owner string) error {
	return &StaleLeaseError{TrialID: trialID, Owner: owner}
}

func IsStaleLease(err error) bool {
	_, ok := err.(*StaleLeaseError)
	return ok
}

// NotFoundError means no trial exists under the given id.
type NotFoundError struct {
	TrialID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no trial with id %s", e.TrialID)
}

func NewNotFoundError(trialID string) error {
	return &NotFoundError{TrialID: trialID}
}

func IsNotFound(err error) bool {
	_, ok := err.(*NotFoundError)
	return ok
}

// StorageCorruptionError means the persisted state is unreadable or
// violates an invariant. Fatal for the affected worker; never repaired
// silently.
type StorageCorruptionError struct {
	Detail string
	Err    error
}

func (e *StorageCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage corruption: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("storage corruption: %s", e.Detail)
}

func (e *StorageCorruptionError) Unwrap() error {
	return e.Err
}

func NewStorageCorruptionError(detail string, err error) error {
	return &StorageCorruptionError{Detail: detail, Err: err}
}

func IsStorageCorruption(err error) bool {
	_, ok := err.(*StorageCorruptionError)
	return ok
}
