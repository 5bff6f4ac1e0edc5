package domain

import (
	"fmt"
	"time"
)

const (
	DefaultReservationTimeout = 5 * time.Minute
	DefaultMaxAttempts        = 3
)

// SweepLimits are the budgets a sweep is created with. They are written
// to the store at launch and never change for the run's duration.
type SweepLimits struct {
	// Hard ceiling on trials ever created.
	MaxTrials int

	// Ceiling on trials a single worker identity may execute.
	// Zero means unlimited.
	MaxTrialsPerWorker int

	// Ceiling on broken trials before the sweep halts with failure.
	MaxBroken int

	// Concurrency ceiling enforced by the worker pool gate.
	NWorkers int

	// Lease duration for reserved trials.
	ReservationTimeout time.Duration

	// Reservations of a single trial before it is interrupted.
	MaxAttempts int
}

func (l *SweepLimits) Validate() error {
	if l.MaxTrials <= 0 {
		return fmt.Errorf("max_trials must be positive, got %d", l.MaxTrials)
	}
	if l.MaxBroken <= 0 {
		return fmt.Errorf("max_broken must be positive, got %d", l.MaxBroken)
	}
	if l.NWorkers <= 0 {
		return fmt.Errorf("n_workers must be positive, got %d", l.NWorkers)
	}
	if l.MaxTrialsPerWorker < 0 {
		return fmt.Errorf("max_trials_per_worker cannot be negative, got %d", l.MaxTrialsPerWorker)
	}
	if l.ReservationTimeout <= 0 {
		return fmt.Errorf("reservation_timeout must be positive, got %v", l.ReservationTimeout)
	}
	if l.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive, got %d", l.MaxAttempts)
	}
	return nil
}

// Counts are derived from the trial records on every read, never cached.
type Counts struct {
	Created     int
	Reserved    int
	Completed   int
	Broken      int
	Interrupted int
}

// Terminal is the number of trials that can never run again.
func (c Counts) Terminal() int {
	return c.Completed + c.Broken + c.Interrupted
}

// BudgetSpent reports whether the sweep can never run another trial:
// every trial the budget allows already reached a terminal status.
// Launching a worker against such a sweep is an operator error.
func (c Counts) BudgetSpent(maxTrials int) bool {
	return c.Terminal() >= maxTrials
}

// WorkerIDFromTaskIndex derives the stable worker identity for an
// array-job task. Lease ownership is attributed to this id, so it must be
// a pure function of the index.
func WorkerIDFromTaskIndex(index int) string {
	return fmt.Sprintf("worker-%d", index)
}
