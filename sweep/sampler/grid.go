package sampler

import (
	"fmt"

	"github.com/hpsched/hpsched/sweep/domain"
)

// gridStrategy walks the cartesian product of the declared dimensions in
// a fixed order and returns the first point not present in the history.
// Continuous dimensions must declare a resolution to be enumerable.
type gridStrategy struct {
	size int
}

func makeGridStrategy(space domain.Space, opts Options) (Strategy, error) {
	size := space.GridSize()
	if size == 0 {
		return nil, fmt.Errorf("grid strategy needs a finite space; give continuous dimensions a resolution")
	}
	return &gridStrategy{size: size}, nil
}

func (s *gridStrategy) Sample(space domain.Space, history []domain.Trial) (domain.Configuration, error) {
	claimed := claimedKeys(history)
	for point := 0; point < s.size; point++ {
		cfg := pointConfiguration(space, point)
		if !claimed[cfg.Key()] {
			return cfg, nil
		}
	}
	return nil, NewSearchSpaceExhaustedError(s.size)
}

// pointConfiguration decodes a flat point index into one value per
// dimension, earliest dimension varying fastest.
func pointConfiguration(space domain.Space, point int) domain.Configuration {
	cfg := domain.Configuration{}
	for i := range space {
		dim := &space[i]
		size := dim.GridSize()
		cfg[dim.Name] = dim.GridValue(point % size)
		point /= size
	}
	return cfg
}
