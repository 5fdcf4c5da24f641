// Package backoff implements the capped multiplicative delay used between
// idle polls and failed registrations.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultMultiplier = 1.5
	DefaultJitter     = 0.2
)

type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64 // <= 1 means DefaultMultiplier
	Jitter     float64 // fraction of the delay, 0 disables jitter
}

// Backoff is owned by a single goroutine and is not safe for concurrent use.
type Backoff struct {
	policy  Policy
	current time.Duration
	rand    func() float64
}

func New(p Policy) *Backoff {
	if p.Multiplier <= 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	return &Backoff{policy: p, current: p.Base, rand: rand.Float64}
}

// WithRand replaces the jitter source, which must return values in [0, 1).
func (b *Backoff) WithRand(fn func() float64) *Backoff {
	b.rand = fn
	return b
}

func (b *Backoff) Current() time.Duration {
	return b.current
}

// Grow multiplies the delay, capped at the policy maximum.
func (b *Backoff) Grow() time.Duration {
	next := time.Duration(float64(b.current) * b.policy.Multiplier)
	if next > b.policy.Max || next < b.current {
		next = b.policy.Max
	}
	b.current = next
	return b.current
}

func (b *Backoff) Reset() {
	b.current = b.policy.Base
}

// Jittered returns the current delay scaled by a uniform factor in
// [1-jitter, 1+jitter].
func (b *Backoff) Jittered() time.Duration {
	if b.policy.Jitter == 0 {
		return b.current
	}
	factor := 1 + (b.rand()*2-1)*b.policy.Jitter
	return time.Duration(float64(b.current) * factor)
}
