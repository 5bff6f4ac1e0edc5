// Package sampler provides the strategies that produce new candidate
// configurations for a sweep. The set of strategies is closed and
// resolved once at startup; there is no runtime plugin lookup.
package sampler

import (
	"fmt"

	"github.com/hpsched/hpsched/sweep/domain"
)

// Strategy produces one new configuration per call. Implementations are
// stateless per call apart from their randomness stream: everything they
// need to avoid repeating work arrives in the trial history.
type Strategy interface {
	// Sample returns a new candidate configuration given the declared
	// space and the full trial history. Finite strategies fail with
	// SearchSpaceExhaustedError once every point is claimed.
	Sample(space domain.Space, history []domain.Trial) (domain.Configuration, error)
}

// Kind is the closed set of strategy variants.
type Kind string

const (
	Random   Kind = "random"
	Grid     Kind = "grid"
	External Kind = "external"
)

// Options carry the per-variant knobs from the algorithm config section.
type Options struct {
	// Seed for the random strategy's stream; reproducible sweeps pass a
	// fixed value. Zero seeds from the clock.
	Seed int64

	// Points for the external strategy.
	Points []domain.Configuration
}

// strategy constructors, one per Kind.
var makers = map[Kind]func(space domain.Space, opts Options) (Strategy, error){
	Random:   makeRandomStrategy,
	Grid:     makeGridStrategy,
	External: makeExternalStrategy,
}

// New resolves a strategy variant at startup. Unknown kinds are
// configuration errors.
func New(kind Kind, space domain.Space, opts Options) (Strategy, error) {
	if err := space.Validate(); err != nil {
		return nil, err
	}
	maker, ok := makers[kind]
	if !ok {
		return nil, fmt.Errorf("unknown sampler strategy %q", kind)
	}
	return maker(space, opts)
}

// SearchSpaceExhaustedError means a finite strategy has no unclaimed
// points left. Fatal for the sampling path; the sweep can still finish
// its in-flight trials.
type SearchSpaceExhaustedError struct {
	Size int
}

func (e *SearchSpaceExhaustedError) Error() string {
	return fmt.Sprintf("search space exhausted: all %d points claimed", e.Size)
}

func NewSearchSpaceExhaustedError(size int) error {
	return &SearchSpaceExhaustedError{Size: size}
}

func IsSearchSpaceExhausted(err error) bool {
	_, ok := err.(*SearchSpaceExhaustedError)
	return ok
}

// claimedKeys is the set of configuration keys already tried, for
// strategies that must not repeat points.
func claimedKeys(history []domain.Trial) map[string]bool {
	claimed := make(map[string]bool, len(history))
	for i := range history {
		claimed[history[i].Configuration.Key()] = true
	}
	return claimed
}
