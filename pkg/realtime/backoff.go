package realtime

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff yields reconnect delays min(base·2^(n-1), ceiling) for the n-th
// attempt, plus up to jitter of uniform random delay.
type Backoff struct {
	exp    *backoff.ExponentialBackOff
	jitter time.Duration
}

func NewBackoff(base, ceiling, jitter time.Duration) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.MaxInterval = ceiling
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.Reset()

	return &Backoff{exp: exp, jitter: jitter}
}

// Next returns the delay for the next attempt.
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if b.jitter > 0 {
		d += rand.N(b.jitter)
	}
	return d
}

// Reset starts the sequence over at base.
func (b *Backoff) Reset() { b.exp.Reset() }
