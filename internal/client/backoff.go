package client

import "time"

// Backoff doubles a delay from Min up to Max.
type Backoff struct {
	min, max time.Duration
	next     time.Duration
}

func NewBackoff(lo, hi time.Duration) *Backoff {
	return &Backoff{min: lo, max: hi, next: lo}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = min(b.next*2, b.max)
	return d
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() {
	b.next = b.min
}
