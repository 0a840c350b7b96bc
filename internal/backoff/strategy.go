// Package backoff computes retry delays.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Params describes one delay computation. Jitter is the fraction of the
// computed delay added as random spread, clamped to [0, 1].
type Params struct {
	Attempt    int
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Strategy computes the delay before the retry following Params.Attempt.
type Strategy interface {
	Delay(p Params) time.Duration
}

// Exponential implements min(base * multiplier^attempt + jitter, max), with
// jitter drawn uniformly from [0, Jitter * delay).
type Exponential struct {
	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Delay implements Strategy.
func (s Exponential) Delay(p Params) time.Duration {
	attempt := p.Attempt
	if attempt < 0 {
		attempt = 0
	}
	// Prevent overflow by limiting attempt
	if attempt > 30 {
		attempt = 30
	}

	delay := float64(p.Base) * Pow(p.Multiplier, attempt)
	if jitter := clampJitter(p.Jitter); jitter > 0 {
		delay += s.random() * jitter * delay
	}

	if p.Max > 0 && (delay > float64(p.Max) || delay < 0) {
		return p.Max
	}
	return time.Duration(delay)
}

func (s Exponential) random() float64 {
	if s.Rand != nil {
		return s.Rand()
	}
	return rand.Float64()
}

// Decorrelated implements AWS style decorrelated jitter:
// random_between(base, min(max, base * 3^attempt)).
type Decorrelated struct {
	Rand func() float64
}

// Delay implements Strategy.
func (s Decorrelated) Delay(p Params) time.Duration {
	if p.Attempt <= 0 {
		return p.Base
	}
	attempt := p.Attempt
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Base)
	upper := base * Pow(3.0, attempt)
	if p.Max > 0 && (upper > float64(p.Max) || upper < 0) {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	r := rand.Float64
	if s.Rand != nil {
		r = s.Rand
	}
	return time.Duration(base + r()*(upper-base))
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow calculates base^exponent using integer exponentiation.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
