package pipeline

import (
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
)

// Synchronizer keeps the output timeline contiguous across pause/resume
// cycles and suppresses duplicate or out-of-order samples.
//
// Synchronizer is not safe for concurrent use; the Router serializes all calls.
type Synchronizer struct {
	st       *State
	timeline media.Kind
	logger   logging.Logger
}

// NewSynchronizer creates a synchronizer over st. The timeline kind is the
// sample kind whose arrival after a resume recomputes the offset: video
// normally, system audio for audio-only sessions.
func NewSynchronizer(st *State, timeline media.Kind, logger logging.Logger) *Synchronizer {
	return &Synchronizer{st: st, timeline: timeline, logger: logger}
}

// Pause starts dropping every incoming sample.
func (s *Synchronizer) Pause() {
	s.st.paused = true
}

// Resume stops dropping and arms offset recomputation for the next timeline sample.
func (s *Synchronizer) Resume() {
	if !s.st.paused {
		return
	}
	s.st.paused = false
	s.st.resuming = true
}

// Paused reports whether samples are currently dropped.
func (s *Synchronizer) Paused() bool {
	return s.st.paused
}

// Resuming reports whether the offset is waiting for the next timeline sample.
func (s *Synchronizer) Resuming() bool {
	return s.st.resuming
}

// Adjust returns sample rebased onto the output timeline. When the sample
// closes a pause but no reference timestamp exists, the sample passes through
// and ErrTimingAdjustmentSkipped is returned alongside it.
func (s *Synchronizer) Adjust(sample *media.Sample) (*media.Sample, error) {
	var skipped error
	if s.st.resuming && sample.Kind == s.timeline {
		s.st.resuming = false
		skipped = s.recomputeOffset(sample.PTS)
	}

	if !s.st.offsetSet {
		return sample, skipped
	}
	return sample.WithPTS(sample.PTS.Sub(s.st.timeOffset)), skipped
}

func (s *Synchronizer) recomputeOffset(pts media.Time) error {
	if !s.st.haveLastPTS {
		s.logger.Debug("Resume without reference timestamp, offset unchanged")
		return ErrTimingAdjustmentSkipped
	}

	if s.st.offsetSet {
		pts = pts.Sub(s.st.timeOffset)
	}
	gap := pts.Sub(s.st.lastPTS)
	s.st.haveLastPTS = false

	// a source that did not actually jump produces no gap
	if !gap.Positive() {
		return nil
	}

	if s.st.offsetSet {
		s.st.timeOffset = s.st.timeOffset.Add(gap)
	} else {
		s.st.timeOffset = gap
		s.st.offsetSet = true
	}
	s.logger.Info("Timeline offset updated", "gap", gap.String(), "offset", s.st.timeOffset.String())
	return nil
}

// Accept runs duplicate suppression on an adjusted sample. It returns false
// when a previously accepted sample of the same kind ends at or after this one.
func (s *Synchronizer) Accept(sample *media.Sample) bool {
	end := sample.End()
	w := s.st.windowFor(sample.Kind)
	if w.covers(end) {
		return false
	}
	w.push(end)

	if sample.Kind == s.timeline {
		s.st.lastPTS = end
		s.st.haveLastPTS = true
	}
	return true
}
