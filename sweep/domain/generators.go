package domain

import (
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
)

//
// Generator methods useful for property based testing.
//

// Randomly generates an id valid for use as a trial id or worker id.
func genId(genParams *gopter.GenParameters) string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	length := int(genParams.NextUint64()%20) + 1
	result := make([]byte, length)
	for i := 0; i < length; i++ {
		result[i] = chars[genParams.Rng.Intn(len(chars))]
	}
	return string(result)
}

// Randomly generates a configuration over a small fixed shape.
func genConfiguration(genParams *gopter.GenParameters) Configuration {
	return Configuration{
		"lr":         genParams.Rng.Float64(),
		"batch_size": int(genParams.NextUint64()%512) + 1,
		"optimizer":  []string{"sgd", "adam", "rmsprop"}[genParams.Rng.Intn(3)],
	}
}

// GenTrial generates a trial in a random but internally consistent state:
// field presence always agrees with status.
func GenTrial() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		now := time.Now()
		trial := Trial{
			ID:            genId(genParams),
			Configuration: genConfiguration(genParams),
			Status:        Status(genParams.NextUint64() % 5),
			CreatedAt:     now.Add(-time.Duration(genParams.NextUint64()%3600) * time.Second),
		}
		switch trial.Status {
		case New:
			trial.AttemptCount = int(genParams.NextUint64() % 3)
		case Reserved:
			trial.AttemptCount = int(genParams.NextUint64()%3) + 1
			trial.Owner = genId(genParams)
			// coin flip between live and expired leases
			if genParams.NextBool() {
				trial.LeaseExpiry = now.Add(time.Minute)
			} else {
				trial.LeaseExpiry = now.Add(-time.Minute)
			}
		case Completed:
			trial.AttemptCount = int(genParams.NextUint64()%3) + 1
			objective := genParams.Rng.Float64()
			trial.Objective = &objective
			trial.CompletedAt = now
		case Broken:
			trial.AttemptCount = int(genParams.NextUint64()%3) + 1
			trial.Reason = "exit status 1"
			trial.CompletedAt = now
		case Interrupted:
			trial.AttemptCount = int(genParams.NextUint64()%3) + 3
			trial.CompletedAt = now
		}
		return gopter.NewGenResult(&trial, gopter.NoShrinker)
	}
}

// GenStatus generates one of the five trial statuses.
func GenStatus() gopter.Gen {
	return gen.IntRange(int(New), int(Interrupted)).Map(func(i int) Status { return Status(i) })
}

// GenConfiguration generates a random configuration.
func GenConfiguration() gopter.Gen {
	return func(genParams *gopter.GenParameters) *gopter.GenResult {
		return gopter.NewGenResult(genConfiguration(genParams), gopter.NoShrinker)
	}
}
