// Package backoff computes poll delays for asynchronous search jobs.
//
// The policy doubles the wait after every unsuccessful poll, starting from
// Initial and never exceeding Max. It performs no I/O and holds no state.
package backoff

import "time"

// Default values used when a Policy field is zero.
const (
	DefaultInitial = 5 * time.Second
	DefaultMax     = 300 * time.Second
)

// Policy configures the delay growth between status polls.
type Policy struct {
	// Initial is the delay before the first poll.
	Initial time.Duration

	// Max caps every computed delay.
	Max time.Duration
}

// normalized fills zero fields with defaults and keeps Initial <= Max.
func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Next returns the delay that follows current: min(2*current, Max).
// A non-positive current restarts the sequence at Initial.
func (p Policy) Next(current time.Duration) time.Duration {
	p = p.normalized()
	if current <= 0 {
		return p.Initial
	}
	if current >= p.Max/2 {
		return p.Max
	}
	return current * 2
}

// Delay returns the wait before poll number attempt (zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := p.Initial
	for i := 0; i < attempt && d < p.Max; i++ {
		d = p.Next(d)
	}
	return d
}

// Sequence returns the first n delays.
func (p Policy) Sequence(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, 0, n)
	d := p.normalized().Initial
	for i := 0; i < n; i++ {
		out = append(out, d)
		d = p.Next(d)
	}
	return out
}

// NextSeconds is Next expressed in whole seconds, the unit hosts persist.
func (p Policy) NextSeconds(current int) int {
	return int(p.Next(time.Duration(current)*time.Second) / time.Second)
}
