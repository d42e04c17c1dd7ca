// Package backoff computes jittered exponential reconnect delays.
package backoff

import (
	"math/rand"
	"time"
)

const DefaultJitterPct = 25

// Policy doubles Base per attempt up to Cap and spreads each delay by
// +/- JitterPct percent.
type Policy struct {
	Base      time.Duration
	Cap       time.Duration
	JitterPct int
}

// Delay returns the wait before retry number attempt, counting from 0
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt && d < p.Cap; i++ {
		d *= 2
	}
	return Jittered(d, p.Cap, p.JitterPct)
}

// Jittered spreads base by +/- jitterPct percent, capped at cap
func Jittered(base, cap time.Duration, jitterPct int) time.Duration {
	if jitterPct <= 0 {
		jitterPct = DefaultJitterPct
	}
	delta := (rand.Float64()*2 - 1) * float64(jitterPct) / 100.0
	wait := time.Duration(float64(base) * (1 + delta))
	if wait < 0 {
		wait = base
	}
	if wait > cap {
		wait = cap
	}
	return wait
}
