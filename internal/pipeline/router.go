package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/metrics"
)

// Mixer tracks.
const (
	TrackPrimary     = 0
	TrackSystemAudio = 1
)

// Drop reasons reported to metrics.
const (
	dropPaused     = "paused"
	dropIncomplete = "incomplete"
	dropNotStarted = "not_started"
	dropResuming   = "resuming"
	dropDuplicate  = "duplicate"
	dropOverlay    = "overlay"
	dropNotReady   = "sink_not_ready"
	dropClosed     = "closed"
	dropAwaitKey   = "awaiting_keyframe"
)

// keyGate withholds video from one sink after a gap until the next keyframe.
// A sink that has never been fed waits for its first keyframe on its own.
type keyGate struct {
	fed  bool
	wait bool
}

func (g *keyGate) miss() { g.wait = g.fed }

func (g *keyGate) admit(s *media.Sample) bool {
	return !g.wait || s.Keyframe
}

func (g *keyGate) delivered(s *media.Sample) {
	g.fed = true
	if s.Keyframe {
		g.wait = false
	}
}

func (g *keyGate) reset() { *g = keyGate{} }

// WriterSink is the local recording as seen by the router.
type WriterSink interface {
	Anchor(pts media.Time) bool
	Ready(kind media.Kind) bool
	Append(s *media.Sample) bool
}

// MixerSink is the streaming mixer as seen by the router. Append must not block.
type MixerSink interface {
	Append(s *media.Sample, track int) bool
}

// TrackFor returns the mixer track a sample kind is routed to.
func TrackFor(kind media.Kind) int {
	if kind == media.KindSystemAudio {
		return TrackSystemAudio
	}
	return TrackPrimary
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Timeline is the kind that anchors the session and closes pauses.
	Timeline media.Kind
	Flags    *Flags
	Writer   WriterSink
	Mixer    MixerSink

	QueueSize   int
	SettleDelay time.Duration

	// OnAnchor runs once, outside the router lock, when the first timeline sample is accepted.
	OnAnchor func(start time.Time, pts media.Time)

	Now    func() time.Time
	Logger logging.Logger
}

// Router fans synchronized samples out to the writer and the mixer.
// Submit is safe for concurrent use and never waits on a sink.
type Router struct {
	mu       sync.Mutex
	st       *State
	sync     *Synchronizer
	timeline media.Kind
	flags    *Flags
	gate     *overlayGate
	closed   bool

	writer         WriterSink
	writerAnchored bool
	writerQ        *Dispatcher
	writerKey      keyGate
	notReady       uint64

	mixer    MixerSink
	mixerQ   *Dispatcher
	mixerKey keyGate

	onAnchor func(time.Time, media.Time)
	now      func() time.Time
	logger   logging.Logger
}

// NewRouter creates a router over a fresh session state.
func NewRouter(opts RouterOptions) *Router {
	if opts.Timeline == media.KindUnknown {
		opts.Timeline = media.KindVideo
	}
	if opts.Flags == nil {
		opts.Flags = NewFlags(true, true)
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = PresenterSettleDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("pipeline")
	}

	st := NewState()
	return &Router{
		st:       st,
		sync:     NewSynchronizer(st, opts.Timeline, opts.Logger),
		timeline: opts.Timeline,
		flags:    opts.Flags,
		gate:     newOverlayGate(opts.SettleDelay, opts.Now),
		writer:   opts.Writer,
		writerQ:  NewDispatcher("writer", opts.QueueSize, opts.Logger),
		mixer:    opts.Mixer,
		mixerQ:   NewDispatcher("mixer", opts.QueueSize, opts.Logger),
		onAnchor: opts.OnAnchor,
		now:      opts.Now,
		logger:   opts.Logger,
	}
}

// Submit routes one sample. Unknown kinds panic.
func (r *Router) Submit(s *media.Sample) {
	switch s.Kind {
	case media.KindVideo, media.KindSystemAudio, media.KindMicrophone:
	default:
		panic(fmt.Sprintf("pipeline: unknown sample kind %v", s.Kind))
	}

	r.mu.Lock()
	anchored, pts, reason := r.route(s)
	r.mu.Unlock()

	if reason != "" {
		metrics.IncrementSamplesDropped(s.Kind.String(), reason)
		return
	}
	metrics.IncrementSamplesAccepted(s.Kind.String())

	if !anchored.IsZero() && r.onAnchor != nil {
		r.onAnchor(anchored, pts)
	}
}

// route must be called with r.mu held. It returns the anchor instant when
// this sample started the session, or the reason it was dropped.
func (r *Router) route(s *media.Sample) (time.Time, media.Time, string) {
	var anchored time.Time

	if r.closed {
		return anchored, media.Zero, dropClosed
	}
	if r.sync.Paused() {
		r.missVideo(s)
		return anchored, media.Zero, dropPaused
	}
	if s.Kind == media.KindVideo && s.Attachments.Incomplete {
		r.missVideo(s)
		return anchored, media.Zero, dropIncomplete
	}

	isTimeline := s.Kind == r.timeline
	if !isTimeline {
		if r.st.startTime.IsZero() {
			return anchored, media.Zero, dropNotStarted
		}
		if r.sync.Resuming() {
			return anchored, media.Zero, dropResuming
		}
	}

	adjusted, err := r.sync.Adjust(s)
	if errors.Is(err, ErrTimingAdjustmentSkipped) {
		r.logger.Debug("Timing adjustment skipped", "kind", s.Kind.String(), "pts", s.PTS.String())
	}
	if !r.sync.Accept(adjusted) {
		r.missVideo(s)
		return anchored, media.Zero, dropDuplicate
	}

	if isTimeline && r.st.startTime.IsZero() {
		r.st.startTime = r.now()
		anchored = r.st.startTime
	}
	if s.Kind == media.KindVideo {
		if r.st.firstFrame == nil {
			r.st.firstFrame = adjusted
		}
		r.st.latestFrame = adjusted
		if adjusted.Keyframe {
			r.st.latestKeyframe = adjusted
		}
	}

	r.toMixer(adjusted)
	r.toWriter(adjusted)
	return anchored, adjusted.PTS, ""
}

// missVideo marks a video sample both sinks will never see.
func (r *Router) missVideo(s *media.Sample) {
	if s.Kind == media.KindVideo {
		r.writerKey.miss()
		r.mixerKey.miss()
	}
}

func (r *Router) toMixer(s *media.Sample) {
	video := s.Kind == media.KindVideo
	if r.mixer == nil || !r.flags.Streaming() {
		if video {
			r.mixerKey.miss()
		}
		return
	}
	if video && !r.mixerKey.admit(s) {
		metrics.IncrementSamplesDropped(s.Kind.String(), dropAwaitKey)
		return
	}
	m, track := r.mixer, TrackFor(s.Kind)
	if !r.mixerQ.Submit(func() { m.Append(s, track) }) {
		if video {
			r.mixerKey.miss()
		}
		return
	}
	if video {
		r.mixerKey.delivered(s)
	}
}

func (r *Router) toWriter(s *media.Sample) {
	video := s.Kind == media.KindVideo
	// overlay transitions are tracked even while recording is off
	withhold := video && r.gate.observe(s.Attachments.Overlay)

	if r.writer == nil || !r.flags.Recording() {
		if video {
			r.writerKey.miss()
		}
		return
	}
	if withhold {
		r.writerKey.miss()
		metrics.IncrementSamplesDropped(s.Kind.String(), dropOverlay)
		return
	}

	if !r.writerAnchored {
		if s.Kind != r.timeline {
			return
		}
		r.writer.Anchor(s.PTS)
		r.writerAnchored = true
	}

	if !r.writer.Ready(s.Kind) {
		if video {
			r.writerKey.miss()
		}
		r.notReady++
		metrics.IncrementSamplesDropped(s.Kind.String(), dropNotReady)
		if r.notReady == 1 || r.notReady%100 == 0 {
			r.logger.Debug("Writer input not ready, dropping", "kind", s.Kind.String(), "total", r.notReady)
		}
		return
	}
	if video && !r.writerKey.admit(s) {
		metrics.IncrementSamplesDropped(s.Kind.String(), dropAwaitKey)
		return
	}
	w := r.writer
	if !r.writerQ.Submit(func() { w.Append(s) }) {
		if video {
			r.writerKey.miss()
		}
		return
	}
	if video {
		r.writerKey.delivered(s)
	}
}

// Pause drops every sample until Resume. Video resumes at the next keyframe.
func (r *Router) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sync.Pause()
	r.writerKey.miss()
	r.mixerKey.miss()
}

// Resume continues routing; the next timeline sample closes the gap.
func (r *Router) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sync.Resume()
}

// Paused reports whether samples are currently dropped.
func (r *Router) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sync.Paused()
}

// Accepting reports whether a non-timeline sample submitted now could be routed.
func (r *Router) Accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && !r.sync.Paused() && !r.st.startTime.IsZero()
}

// SetWriter attaches or, with nil, detaches the local writer.
func (r *Router) SetWriter(w WriterSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writer = w
	r.writerAnchored = false
	r.writerKey.reset()
}

// SetMixer attaches or, with nil, detaches the streaming mixer.
func (r *Router) SetMixer(m MixerSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mixer = m
	r.mixerKey.reset()
}

// StartTime returns the session start instant once anchored.
func (r *Router) StartTime() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.StartTime()
}

// TimeOffset returns the accumulated pause offset.
func (r *Router) TimeOffset() (media.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.TimeOffset()
}

// Frames returns the first and the most recent accepted video samples.
func (r *Router) Frames() (first, latest *media.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.firstFrame, r.st.latestFrame
}

// Keyframe returns the most recent accepted video sample that decodes on its own.
func (r *Router) Keyframe() *media.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.latestKeyframe
}

// Close stops routing and waits for queued sink work, bounded by ctx.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	return errors.Join(r.writerQ.Close(ctx), r.mixerQ.Close(ctx))
}
