package worker

import (
	"math/rand"
	"time"

	"github.com/ordinaut/ordinaut/internal/store"
)

const (
	backoffBase = 1 * time.Second
	backoffCap  = 5 * time.Minute
)

// ComputeBackoff returns the retry delay before the given attempt is
// tried again, according to the task's backoff strategy.
func ComputeBackoff(strategy string, attempt int) time.Duration {
	return ComputeBackoffWithRand(strategy, attempt, rand.Float64)
}

// ComputeBackoffWithRand computes the retry delay using the provided
// uniform [0,1) source for deterministic tests.
//
//	fixed:              base
//	linear:             base * attempt
//	exponential_jitter: base * 2^(attempt-1) * uniform(0.5, 1.5), capped
func ComputeBackoffWithRand(strategy string, attempt int, randFloat func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	switch strategy {
	case store.BackoffFixed:
		return backoffBase
	case store.BackoffLinear:
		delay := time.Duration(attempt) * backoffBase
		if delay > backoffCap {
			return backoffCap
		}
		return delay
	}

	// exponential_jitter is the default for unknown strategies too; the
	// schema constraint keeps unknowns out of the database.
	delay := backoffBase
	for i := 1; i < attempt && delay < backoffCap; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	factor := 1.0
	if randFloat != nil {
		factor = 0.5 + randFloat()
	}
	delay = time.Duration(float64(delay) * factor)
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}
