package store

import (
	"encoding/json"
	"time"

	"github.com/hpsched/hpsched/sweep/domain"
)

// Wire forms shared by the arbiter server and the http client. Time is
// carried as epoch milliseconds to match the sqlite layout.

type trialJSON struct {
	ID            string               `json:"id"`
	Config        domain.Configuration `json:"config"`
	Status        string               `json:"status"`
	Objective     *float64             `json:"objective,omitempty"`
	Reason        string               `json:"reason,omitempty"`
	Owner         string               `json:"owner,omitempty"`
	LeaseExpiryMs int64                `json:"lease_expiry_ms,omitempty"`
	AttemptCount  int                  `json:"attempt_count"`
	CreatedAtMs   int64                `json:"created_at_ms"`
	CompletedAtMs int64                `json:"completed_at_ms,omitempty"`
}

func toTrialJSON(trial *domain.Trial) trialJSON {
	wire := trialJSON{
		ID:           trial.ID,
		Config:       trial.Configuration,
		Status:       trial.Status.String(),
		Objective:    trial.Objective,
		Reason:       trial.Reason,
		Owner:        trial.Owner,
		AttemptCount: trial.AttemptCount,
		CreatedAtMs:  trial.CreatedAt.UnixMilli(),
	}
	if !trial.LeaseExpiry.IsZero() {
		wire.LeaseExpiryMs = trial.LeaseExpiry.UnixMilli()
	}
	if !trial.CompletedAt.IsZero() {
		wire.CompletedAtMs = trial.CompletedAt.UnixMilli()
	}
	return wire
}

func fromTrialJSON(wire *trialJSON) (domain.Trial, error) {
	status, err := domain.ParseStatus(wire.Status)
	if err != nil {
		return domain.Trial{}, err
	}
	trial := domain.Trial{
		ID:            wire.ID,
		Configuration: wire.Config,
		Status:        status,
		Objective:     wire.Objective,
		Reason:        wire.Reason,
		Owner:         wire.Owner,
		AttemptCount:  wire.AttemptCount,
		CreatedAt:     time.UnixMilli(wire.CreatedAtMs),
	}
	if wire.LeaseExpiryMs != 0 {
		trial.LeaseExpiry = time.UnixMilli(wire.LeaseExpiryMs)
	}
	if wire.CompletedAtMs != 0 {
		trial.CompletedAt = time.UnixMilli(wire.CompletedAtMs)
	}
	return trial, nil
}

type outcomeJSON struct {
	Broken    bool    `json:"broken"`
	Reason    string  `json:"reason,omitempty"`
	Objective float64 `json:"objective"`
}

type limitsJSON struct {
	MaxTrials            int   `json:"max_trials"`
	MaxTrialsPerWorker   int   `json:"max_trials_per_worker"`
	MaxBroken            int   `json:"max_broken"`
	NWorkers             int   `json:"n_workers"`
	ReservationTimeoutMs int64 `json:"reservation_timeout_ms"`
	MaxAttempts          int   `json:"max_attempts"`
}

func toLimitsJSON(limits domain.SweepLimits) limitsJSON {
	return limitsJSON{
		MaxTrials:            limits.MaxTrials,
		MaxTrialsPerWorker:   limits.MaxTrialsPerWorker,
		MaxBroken:            limits.MaxBroken,
		NWorkers:             limits.NWorkers,
		ReservationTimeoutMs: limits.ReservationTimeout.Milliseconds(),
		MaxAttempts:          limits.MaxAttempts,
	}
}

func fromLimitsJSON(wire limitsJSON) domain.SweepLimits {
	return domain.SweepLimits{
		MaxTrials:          wire.MaxTrials,
		MaxTrialsPerWorker: wire.MaxTrialsPerWorker,
		MaxBroken:          wire.MaxBroken,
		NWorkers:           wire.NWorkers,
		ReservationTimeout: time.Duration(wire.ReservationTimeoutMs) * time.Millisecond,
		MaxAttempts:        wire.MaxAttempts,
	}
}

type countsJSON struct {
	Created     int `json:"created"`
	Reserved    int `json:"reserved"`
	Completed   int `json:"completed"`
	Broken      int `json:"broken"`
	Interrupted int `json:"interrupted"`
}

func toCountsJSON(counts domain.Counts) countsJSON {
	return countsJSON(counts)
}

func fromCountsJSON(wire countsJSON) domain.Counts {
	return domain.Counts(wire)
}

// errorJSON carries the error taxonomy across the wire.
type errorJSON struct {
	Kind    string `json:"kind"`
	TrialID string `json:"trial_id,omitempty"`
	Owner   string `json:"owner,omitempty"`
	Max     int    `json:"max,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

const (
	errKindCapacityExceeded  = "capacity_exceeded"
	errKindStaleLease        = "stale_lease"
	errKindNotFound          = "not_found"
	errKindStorageCorruption = "storage_corruption"
	errKindInternal          = "internal"
)

func toErrorJSON(err error) errorJSON {
	switch e := err.(type) {
	case *CapacityExceededError:
		return errorJSON{Kind: errKindCapacityExceeded, Max: e.Max}
	case *StaleLeaseError:
		return errorJSON{Kind: errKindStaleLease, TrialID: e.TrialID, Owner: e.Owner}
	case *NotFoundError:
		return errorJSON{Kind: errKindNotFound, TrialID: e.TrialID}
	case *StorageCorruptionError:
		return errorJSON{Kind: errKindStorageCorruption, Detail: e.Error()}
	default:
		return errorJSON{Kind: errKindInternal, Detail: err.Error()}
	}
}

func (e *errorJSON) toError() error {
	switch e.Kind {
	case errKindCapacityExceeded:
		return NewCapacityExceededError(e.Max)
	case errKindStaleLease:
		return NewStaleLeaseError(e.TrialID, e.Owner)
	case errKindNotFound:
		return NewNotFoundError(e.TrialID)
	case errKindStorageCorruption:
		return NewStorageCorruptionError(e.Detail, nil)
	default:
		return &arbiterError{detail: e.Detail}
	}
}

type arbiterError struct {
	detail string
}

func (e *arbiterError) Error() string {
	return "arbiter error: " + e.detail
}

func unmarshalConfiguration(raw string, cfg *domain.Configuration) error {
	return json.Unmarshal([]byte(raw), cfg)
}
