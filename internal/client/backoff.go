package client

import "time"

// Backoff yields exponential reconnect delays: base, 2×base, 4×base, …
// capped at Max. Delays never decrease between consecutive attempts.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay before the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 { // <= 0 guards shift overflow
		d = b.Max
	}
	b.attempt++
	return d
}

// Attempt returns how many delays have been handed out since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
