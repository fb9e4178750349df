package engine

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy decides how long to wait before the next re-check of a
// task. It sees the task after its poll and attempt counters were updated.
type BackoffPolicy interface {
	Delay(task *Task) time.Duration
}

// FixedBackoff waits the same interval before every re-check.
type FixedBackoff struct {
	Interval time.Duration
}

// Delay implements BackoffPolicy.
func (b FixedBackoff) Delay(*Task) time.Duration {
	return b.Interval
}

// ExponentialBackoff grows the delay with every poll and transport failure:
// Base * Multiplier^n, capped at Max, plus up to Jitter of random spread.
type ExponentialBackoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	// Jitter is the fraction of the delay added at random, 0 to disable.
	Jitter float64
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() ExponentialBackoff {
	return ExponentialBackoff{
		Base:       time.Second,
		Max:        time.Minute,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// Delay implements BackoffPolicy.
func (b ExponentialBackoff) Delay(task *Task) time.Duration {
	n := 0
	if task != nil {
		n = task.Polls + task.Attempts
		if n > 0 {
			n--
		}
	}

	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	delay := time.Duration(float64(b.Base) * math.Pow(mult, float64(n)))
	if b.Max > 0 && (delay > b.Max || delay <= 0) {
		delay = b.Max
	}

	if b.Jitter > 0 {
		delay += time.Duration(rand.Float64() * b.Jitter * float64(delay))
	}
	return delay
}

// BackoffSet routes delays by resource type, falling back to Default.
type BackoffSet struct {
	Default        BackoffPolicy
	ByResourceType map[string]BackoffPolicy
}

// Delay implements BackoffPolicy.
func (s BackoffSet) Delay(task *Task) time.Duration {
	if task != nil {
		if p, ok := s.ByResourceType[task.ResourceType]; ok {
			return p.Delay(task)
		}
	}
	if s.Default == nil {
		return DefaultBackoff().Delay(task)
	}
	return s.Default.Delay(task)
}
