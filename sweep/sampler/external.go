package sampler

import (
	"fmt"

	"github.com/hpsched/hpsched/sweep/domain"
)

// externalStrategy replays an explicit list of configurations, for
// sweeps whose candidates were produced outside the scheduler. Points
// are handed out in order, skipping any the history already claims.
type externalStrategy struct {
	points []domain.Configuration
}

func makeExternalStrategy(space domain.Space, opts Options) (Strategy, error) {
	if len(opts.Points) == 0 {
		return nil, fmt.Errorf("external strategy needs at least one point")
	}
	for _, point := range opts.Points {
		for name := range point {
			found := false
			for i := range space {
				if space[i].Name == name {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("external point sets %q, which the space does not declare", name)
			}
		}
	}
	return &externalStrategy{points: opts.Points}, nil
}

func (s *externalStrategy) Sample(space domain.Space, history []domain.Trial) (domain.Configuration, error) {
	claimed := claimedKeys(history)
	for _, point := range s.points {
		if !claimed[point.Key()] {
			return point, nil
		}
	}
	return nil, NewSearchSpaceExhaustedError(len(s.points))
}
