package pipeline

import (
	"time"

	"github.com/smazurov/castnode/internal/media"
)

// PresenterSettleDelay is how long the recorded video is held back after the
// presenter overlay changes layout.
const PresenterSettleDelay = 1500 * time.Millisecond

// overlayGate withholds frames from the recording while a presenter overlay
// transition is in flight.
type overlayGate struct {
	state    media.OverlayState
	settled  bool
	settleAt time.Time
	delay    time.Duration
	now      func() time.Time
}

func newOverlayGate(delay time.Duration, now func() time.Time) *overlayGate {
	return &overlayGate{settled: true, delay: delay, now: now}
}

// observe records the overlay state of a frame and reports whether the frame
// must be kept out of the recording.
func (g *overlayGate) observe(state media.OverlayState) bool {
	if state != g.state {
		g.state = state
		g.settled = false
		g.settleAt = g.now().Add(g.delay)
	}
	if g.state == media.OverlayOff {
		return false
	}
	if !g.settled && !g.now().Before(g.settleAt) {
		g.settled = true
	}
	return !g.settled
}
