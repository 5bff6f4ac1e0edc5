package sampler

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/hpsched/hpsched/sweep/domain"
)

// randomStrategy draws each dimension independently and uniformly. The
// randomness stream is process-local and seedable for reproducibility;
// it is the only state the strategy keeps.
type randomStrategy struct {
	rng   *rand.Rand
	mutex sync.Mutex
}

func makeRandomStrategy(space domain.Space, opts Options) (Strategy, error) {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &randomStrategy{rng: rand.New(rand.NewSource(seed))}, nil
}

func (s *randomStrategy) Sample(space domain.Space, history []domain.Trial) (domain.Configuration, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cfg := domain.Configuration{}
	for i := range space {
		dim := &space[i]
		switch dim.Kind {
		case domain.Uniform:
			cfg[dim.Name] = dim.Low + s.rng.Float64()*(dim.High-dim.Low)
		case domain.LogUniform:
			logLow, logHigh := math.Log(dim.Low), math.Log(dim.High)
			cfg[dim.Name] = math.Exp(logLow + s.rng.Float64()*(logHigh-logLow))
		case domain.UniformInt:
			span := int(dim.High-dim.Low) + 1
			cfg[dim.Name] = int(dim.Low) + s.rng.Intn(span)
		case domain.Choice:
			cfg[dim.Name] = dim.Choices[s.rng.Intn(len(dim.Choices))]
		}
	}
	return cfg, nil
}
