package pipeline

import (
	"time"

	"github.com/smazurov/castnode/internal/media"
)

// DedupWindow is the number of recent end timestamps kept per sample kind.
const DedupWindow = 32

// State is the mutable state of one capture attempt. A fresh State is
// created for every attempt and is guarded by the owning Router's mutex.
type State struct {
	paused   bool
	resuming bool

	timeOffset  media.Time
	offsetSet   bool
	lastPTS     media.Time
	haveLastPTS bool

	startTime      time.Time
	firstFrame     *media.Sample
	latestFrame    *media.Sample
	latestKeyframe *media.Sample

	recent map[media.Kind]*window
}

// NewState returns an empty session state.
func NewState() *State {
	return &State{recent: make(map[media.Kind]*window)}
}

// TimeOffset returns the accumulated pause offset and whether one was established.
func (s *State) TimeOffset() (media.Time, bool) {
	return s.timeOffset, s.offsetSet
}

// LastPTS returns the end timestamp of the last accepted timeline sample.
func (s *State) LastPTS() (media.Time, bool) {
	return s.lastPTS, s.haveLastPTS
}

// StartTime returns the wall-clock instant of the first accepted sample.
func (s *State) StartTime() (time.Time, bool) {
	return s.startTime, !s.startTime.IsZero()
}

// window is a fixed-size ring of end timestamps.
type window struct {
	items [DedupWindow]media.Time
	next  int
	count int
}

// covers reports whether any stored timestamp is >= t.
func (w *window) covers(t media.Time) bool {
	for i := 0; i < w.count; i++ {
		if !w.items[i].Before(t) {
			return true
		}
	}
	return false
}

func (w *window) push(t media.Time) {
	w.items[w.next] = t
	w.next = (w.next + 1) % DedupWindow
	if w.count < DedupWindow {
		w.count++
	}
}

func (s *State) windowFor(kind media.Kind) *window {
	w, ok := s.recent[kind]
	if !ok {
		w = &window{}
		s.recent[kind] = w
	}
	return w
}
