package resilience

import "time"

// Backoff is a deterministic exponential schedule: Base * 2^attempt, capped at
// Max. Unlike RetryConfig it has no jitter, so persisted retry times are
// reproducible.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next attempt after attempt failures.
// attempt 0 yields Base.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Next returns the absolute time of the next attempt.
func (b Backoff) Next(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}
