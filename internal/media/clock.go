package media

import "time"

// Clock returns the current time on the session timeline.
type Clock func() Time

// NewSessionClock returns a monotonic clock that reads zero at the moment it is created.
func NewSessionClock() Clock {
	epoch := time.Now()
	return func() Time {
		return FromDuration(time.Since(epoch))
	}
}

// DefaultMaxDrift is how far a counted timeline may wander from the clock before it is re-anchored.
const DefaultMaxDrift = 200 * time.Millisecond

// SampleClock stamps consecutive chunks of a continuous stream. The first
// chunk is placed on the clock; later chunks follow by counting units at
// rate, which keeps the timeline free of read jitter. The count is
// re-anchored when it drifts from the clock by more than MaxDrift, as
// happens after the producer stalled.
type SampleClock struct {
	MaxDrift time.Duration

	clock   Clock
	rate    int64
	base    Time
	units   int64
	started bool
}

// NewSampleClock counts units per second of rate (audio frames, video frames) against clock.
func NewSampleClock(clock Clock, rate int) *SampleClock {
	return &SampleClock{MaxDrift: DefaultMaxDrift, clock: clock, rate: int64(rate)}
}

// Stamp returns the start timestamp of a chunk of n units that has just been read.
func (c *SampleClock) Stamp(n int) Time {
	// the chunk ends now, so it started n units ago
	observed := c.clock().Sub(NewTime(int64(n), c.rate))

	if c.started {
		counted := c.base.Add(NewTime(c.units, c.rate))
		drift := observed.Sub(counted).Duration()
		if drift < 0 {
			drift = -drift
		}
		if drift <= c.MaxDrift {
			c.units += int64(n)
			return counted
		}
	}

	c.started = true
	c.base = observed
	c.units = int64(n)
	return observed
}

// Reset forgets the anchor; the next chunk is placed on the clock again.
func (c *SampleClock) Reset() {
	c.started = false
	c.units = 0
}
