// Package backoff computes retry delays for the ops queue and for polling
// asynchronous remote operations. It has no I/O and no package state.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultBase is the delay before the jitter window on the first retry.
	DefaultBase = time.Second
	// DefaultCap bounds the delay regardless of attempt count.
	DefaultCap = 300 * time.Second
	// DefaultJitterFrac is the fraction of the computed delay that is randomized.
	DefaultJitterFrac = 0.2
)

// Policy computes retry delays: exponential with a cap and proportional jitter.
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	JitterFrac float64 // in [0,1]; 0 disables jitter, 1 allows [0, 2d)
}

// Default returns the policy used unless a config overrides it.
func Default() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, JitterFrac: DefaultJitterFrac}
}

// Delay returns the delay for the given 0-based attempt number. attempt=0 is
// the delay before the first retry after an initial failure.
//
// delay(0) >= base (in expectation), delay(n) <= cap for all n, and
// delay(n+1) >= delay(n) in expectation since the un-jittered midpoint
// doubles each attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift so this never overflows for pathologically large attempt counts.
	shift := attempt
	if shift > 16 {
		shift = 16
	}
	d := p.Base * time.Duration(uint64(1)<<uint(shift))
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}

	jitter := p.JitterFrac
	if jitter <= 0 {
		return d
	}
	if jitter > 1 {
		jitter = 1
	}

	lo := float64(d) * (1 - jitter)
	hi := float64(d) * (1 + jitter)
	sampled := lo + rand.Float64()*(hi-lo)
	if sampled < 0 {
		sampled = 0
	}
	if time.Duration(sampled) > p.Cap {
		return p.Cap
	}
	return time.Duration(sampled)
}

// Delay computes a delay using the package default policy.
func Delay(attempt int) time.Duration {
	return Default().Delay(attempt)
}
