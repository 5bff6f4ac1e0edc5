// Package gate bounds the number of concurrently active workers to the
// sweep's n_workers, independent of how many array-job tasks the cluster
// actually launched. Excess processes block in Enter until a slot frees
// up or its holder crashes and the slot's TTL lapses.
package gate

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/hpsched/hpsched/sweep/store"
)

type Gate interface {
	// Enter blocks until the worker holds a pool slot or ctx ends.
	Enter(ctx context.Context, workerID string) error

	// Refresh renews the slot's TTL; call it at least once per loop
	// iteration so a live worker is never mistaken for a crashed one.
	Refresh(ctx context.Context, workerID string) error

	// Leave releases the slot for the next waiting process.
	Leave(ctx context.Context, workerID string) error
}

// storeGate coordinates slots through the trial store, the sweep's only
// shared resource, so the bound holds across machines.
type storeGate struct {
	trialStore store.TrialStore
	slotTTL    time.Duration
}

// NewStoreGate makes a Gate over the given store. slotTTL should
// comfortably exceed the longest gap between Refresh calls; the
// reservation timeout is a reasonable choice since workers refresh at
// least once per trial acquisition.
func NewStoreGate(trialStore store.TrialStore, slotTTL time.Duration) Gate {
	return &storeGate{trialStore: trialStore, slotTTL: slotTTL}
}

func (g *storeGate) Enter(ctx context.Context, workerID string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	operation := func() error {
		acquired, err := g.trialStore.TryAcquireSlot(ctx, workerID, g.slotTTL)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !acquired {
			return errPoolFull
		}
		return nil
	}
	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err == nil {
		log.Infof("Worker %s entered the pool", workerID)
		return nil
	}
	if permanent, ok := err.(*backoff.PermanentError); ok {
		return permanent.Err
	}
	return err
}

func (g *storeGate) Refresh(ctx context.Context, workerID string) error {
	return g.trialStore.RefreshSlot(ctx, workerID, g.slotTTL)
}

func (g *storeGate) Leave(ctx context.Context, workerID string) error {
	log.Infof("Worker %s left the pool", workerID)
	return g.trialStore.ReleaseSlot(ctx, workerID)
}

type poolFullError struct{}

func (poolFullError) Error() string { return "worker pool is full" }

var errPoolFull = poolFullError{}

// localGate is a channel semaphore for single-process sweeps and tests;
// it ignores worker identity.
type localGate struct {
	slots chan struct{}
}

func NewLocalGate(nWorkers int) Gate {
	return &localGate{slots: make(chan struct{}, nWorkers)}
}

func (g *localGate) Enter(ctx context.Context, workerID string) error {
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *localGate) Refresh(ctx context.Context, workerID string) error {
	return nil
}

func (g *localGate) Leave(ctx context.Context, workerID string) error {
	select {
	case <-g.slots:
		return nil
	default:
		return nil
	}
}
