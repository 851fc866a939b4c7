package sync

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy controls rescheduling of retryable failures.
type RetryPolicy struct {
	Base        time.Duration // delay after the first failed attempt
	Cap         time.Duration // upper bound on the exponential delay
	MaxAttempts int           // attempts at which a record becomes failed
	Jitter      float64       // fraction of the delay added at random, 0..1
}

// DefaultRetryPolicy returns base 60s, cap 1h, 5 attempts, 10% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Minute,
		Cap:         time.Hour,
		MaxAttempts: 5,
		Jitter:      0.1,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Cap <= 0 {
		p.Cap = d.Cap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Delay returns min(Cap, Base*2^(attempts-1)) for attempts >= 1, without jitter.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.Cap || delay <= 0 {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// Backoff returns Delay(attempts) plus up to Jitter of it at random.
// rnd returns a value in [0, 1); nil uses math/rand.
func (p RetryPolicy) Backoff(attempts int, rnd func() float64) time.Duration {
	delay := p.Delay(attempts)
	if p.Jitter == 0 {
		return delay
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return delay + time.Duration(float64(delay)*p.Jitter*rnd())
}

// Exhausted reports whether a record with this many attempts is done retrying.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}
