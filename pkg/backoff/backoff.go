// Package backoff computes exponential, capped, jittered retry delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff curve.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// NewPolicy normalizes initial and max so that 0 < initial <= max.
func NewPolicy(initial, max time.Duration) Policy {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	return Policy{Initial: initial, Max: max}
}

// Ceiling returns the un-jittered delay for attempt (0-based).
func (p Policy) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := float64(p.Initial) * math.Pow(2, float64(attempt))
	if b > float64(p.Max) || math.IsInf(b, 1) {
		b = float64(p.Max)
	}
	return time.Duration(b)
}

// Delay returns a jittered delay in [ceiling/2, ceiling].
func (p Policy) Delay(attempt int) time.Duration {
	b := float64(p.Ceiling(attempt))
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

// Backoff tracks consecutive failures against a Policy. Not safe for
// concurrent use.
type Backoff struct {
	policy  Policy
	attempt int
}

func New(initial, max time.Duration) *Backoff {
	return &Backoff{policy: NewPolicy(initial, max)}
}

// Next returns the delay for the current failure and advances the attempt.
func (b *Backoff) Next() time.Duration {
	d := b.policy.Delay(b.attempt)
	if b.policy.Ceiling(b.attempt) < b.policy.Max {
		b.attempt++
	}
	return d
}

// Attempt returns the number of failures recorded since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset returns the backoff to its initial delay after a success.
func (b *Backoff) Reset() { b.attempt = 0 }
