package syncqueue

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff decides how long a failed item waits before its next attempt
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter is the randomization factor applied to each delay (0 = exact)
	Jitter float64
}

// Enabled reports whether failed items are delayed at all
func (b Backoff) Enabled() bool {
	return b.Initial > 0
}

// Delay returns the wait after the given number of failures (1 = first failure)
func (b Backoff) Delay(failures int) time.Duration {
	if !b.Enabled() || failures <= 0 {
		return 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.Initial
	exp.RandomizationFactor = b.Jitter
	exp.Multiplier = 2
	exp.MaxInterval = b.Max
	if exp.MaxInterval <= 0 {
		exp.MaxInterval = b.Initial
	}
	exp.Reset()

	var d time.Duration
	for i := 0; i < failures; i++ {
		d = exp.NextBackOff()
	}
	return d
}

// NextAttempt is the earliest time an item that has failed `failures` times may run again
func (b Backoff) NextAttempt(now time.Time, failures int) time.Time {
	d := b.Delay(failures)
	if d <= 0 {
		return time.Time{}
	}
	return now.Add(d).UTC()
}
