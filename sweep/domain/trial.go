// Package domain provides definitions for hpsched Trials and Sweeps.
package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Configuration maps hyperparameter names to sampled values. Immutable
// once a trial is created.
type Configuration map[string]interface{}

// Key returns a canonical serialization of the configuration, used to
// deduplicate grid points and to compare replayed outcomes. json.Marshal
// sorts map keys, so equal configurations always produce equal keys.
func (c Configuration) Key() string {
	bytes, err := json.Marshal(c)
	if err != nil {
		// Configurations only hold JSON-representable sampler output.
		panic(fmt.Sprintf("unmarshalable configuration: %v", err))
	}
	return string(bytes)
}

func (c Configuration) Equal(other Configuration) bool {
	return c.Key() == other.Key()
}

// Status of a Trial
type Status int

const (
	// Created, waiting to be reserved by a worker
	New Status = iota

	// Exclusively held by one worker under a live lease
	Reserved

	// Finished with a numeric objective
	Completed

	// Finished unsuccessfully; counts against the sweep's broken ceiling
	Broken

	// Abandoned after exhausting its reservation attempts
	Interrupted
)

func (s Status) String() string {
	asString := [5]string{"new", "reserved", "completed", "broken", "interrupted"}
	if s < New || s > Interrupted {
		return fmt.Sprintf("unknown(%d)", int(s))
	}
	return asString[s]
}

// ParseStatus maps the persisted string form back to a Status.
func ParseStatus(s string) (Status, error) {
	for st := New; st <= Interrupted; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown trial status %q", s)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == Completed || s == Broken || s == Interrupted
}

// StatusMask describes a set of Statuses as a bitmask for store queries.
type StatusMask uint64

const MaskAll StatusMask = ^StatusMask(0)

func (s Status) Mask() StatusMask {
	return StatusMask(1) << uint(s)
}

func (m StatusMask) Matches(s Status) bool {
	return m&s.Mask() != 0
}

// Trial is one hyperparameter configuration plus its execution outcome.
type Trial struct {
	ID            string
	Configuration Configuration
	Status        Status

	// Set only when Status is Completed.
	Objective *float64

	// Set only when Status is Broken.
	Reason string

	// Owner and LeaseExpiry are set only when Status is Reserved.
	Owner       string
	LeaseExpiry time.Time

	// Number of times this trial has been reserved.
	AttemptCount int

	CreatedAt   time.Time
	CompletedAt time.Time
}

func (t *Trial) String() string {
	return fmt.Sprintf("trial:%s status:%s attempts:%d cfg:%s",
		t.ID, t.Status, t.AttemptCount, t.Configuration.Key())
}

// LeaseExpired reports whether the trial is reserved under a lease whose
// expiry has passed.
func (t *Trial) LeaseExpired(now time.Time) bool {
	return t.Status == Reserved && now.After(t.LeaseExpiry)
}

// ReserveEligible reports whether TryReserve may succeed at the given
// time: the trial is new, or reserved under an expired lease.
func (t *Trial) ReserveEligible(now time.Time) bool {
	return t.Status == New || t.LeaseExpired(now)
}

// LeaseHeldBy reports whether owner holds a live lease on the trial.
func (t *Trial) LeaseHeldBy(owner string, now time.Time) bool {
	return t.Status == Reserved && t.Owner == owner && !now.After(t.LeaseExpiry)
}

// Outcome is a worker's completion report for one trial.
type Outcome struct {
	// Broken marks a failed execution; Reason says why.
	Broken bool
	Reason string

	// Objective is the training result, meaningful only when !Broken.
	Objective float64
}

func (o Outcome) String() string {
	if o.Broken {
		return fmt.Sprintf("broken: %s", o.Reason)
	}
	return fmt.Sprintf("objective: %v", o.Objective)
}

func (o Outcome) Equal(other Outcome) bool {
	return o.Broken == other.Broken && o.Reason == other.Reason && o.Objective == other.Objective
}
