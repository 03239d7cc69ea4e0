package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smazurov/castnode/internal/capture"
	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/metrics"
	"github.com/smazurov/castnode/internal/mic"
	"github.com/smazurov/castnode/internal/streaming"
	"github.com/smazurov/castnode/internal/writer"
)

// Stop reasons.
const (
	ReasonUser           = "user"
	ReasonCaptureFailure = "capture_failure"
	ReasonShutdown       = "shutdown"
)

// DefaultFinalizeTimeout bounds the drain and finalization on stop.
const DefaultFinalizeTimeout = 10 * time.Second

// Phase is the lifecycle position of a Session.
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseConfigured Phase = "configured"
	PhaseRunning    Phase = "running"
	PhaseStopping   Phase = "stopping"
	PhaseStopped    Phase = "stopped"
)

// Recorder is the local file writer of a session.
type Recorder interface {
	WriterSink
	Path() string
	Finalize(ctx context.Context) error
}

// Streamer is the streaming mixer of a session.
type Streamer interface {
	MixerSink
	Connect(ctx context.Context, ep streaming.Endpoint) <-chan error
	Disconnect() error
	Connected() bool
	SetTrackMix(track int, mix streaming.TrackMix) error
	TrackMixes() map[int]streaming.TrackMix
	// SetDucking attenuates a track independently of its mix.
	SetDucking(track int, gain float64) error
}

// Components build the collaborators of one session. Nil builders disable
// the matching part.
type Components struct {
	// Source returns the capture sources, stamping samples with clock.
	Source func(clock media.Clock) (capture.Source, error)
	// Recorder opens the local file at path.
	Recorder func(path string) (Recorder, error)
	// Streamer returns a configured mixer.
	Streamer func() (Streamer, error)
	// Mic returns the microphone strategy. It is started when the session anchors.
	Mic func(gate mic.Gate, clock media.Clock) (mic.Strategy, error)
}

// Settings are the per-session values read from the configuration snapshot.
type Settings struct {
	ID              string
	Timeline        media.Kind
	VideoCodec      media.VideoCodec
	Recording       bool
	Streaming       bool
	RecordingPath   string
	Endpoint        streaming.Endpoint
	FinalizeTimeout time.Duration
	QueueSize       int
}

// Status is a point-in-time view of a session.
type Status struct {
	ID              string    `json:"id"`
	Phase           Phase     `json:"phase"`
	Paused          bool      `json:"paused"`
	Recording       bool      `json:"recording"`
	Streaming       bool      `json:"streaming"`
	StreamConnected bool      `json:"stream_connected"`
	StartTime       time.Time `json:"start_time,omitzero"`
	TimeOffset      string    `json:"time_offset,omitempty"`
	RecordingPath   string    `json:"recording_path,omitempty"`
	Microphone      string    `json:"microphone,omitempty"`
}

// Session owns one capture attempt: create, Configure, Run, Stop. A stopped
// session cannot be restarted; a new one starts from a fresh State.
type Session struct {
	settings Settings
	comps    Components
	bus      *events.Bus
	logger   logging.Logger
	flags    *Flags

	mu       sync.Mutex
	phase    Phase
	clock    media.Clock
	router   *Router
	source   capture.Source
	recorder Recorder
	streamer Streamer
	mic      mic.Strategy
	ctx      context.Context
	cancel   context.CancelFunc

	stopped chan struct{}
	stopErr error
}

// NewSession creates a session. A nil bus disables notifications.
func NewSession(settings Settings, comps Components, bus *events.Bus, logger logging.Logger) *Session {
	if settings.Timeline == media.KindUnknown {
		settings.Timeline = media.KindVideo
	}
	if settings.FinalizeTimeout <= 0 {
		settings.FinalizeTimeout = DefaultFinalizeTimeout
	}
	if logger == nil {
		logger = logging.GetLogger("pipeline")
	}
	return &Session{
		settings: settings,
		comps:    comps,
		bus:      bus,
		logger:   logger,
		flags:    NewFlags(settings.Recording, settings.Streaming),
		phase:    PhaseCreated,
		stopped:  make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.settings.ID
}

// Phase returns the lifecycle position.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Done is closed once the session stopped and released its resources.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// Err returns the failure that stopped the session, if any.
func (s *Session) Err() error {
	select {
	case <-s.stopped:
		return s.stopErr
	default:
		return nil
	}
}

// Configure opens the sinks and builds the capture sources. Any failure
// releases what was opened and leaves the session unusable.
func (s *Session) Configure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseCreated {
		return NewError(ErrCodeInvalidState, fmt.Sprintf("configure in phase %s", s.phase), nil)
	}

	s.clock = media.NewSessionClock()
	opts := RouterOptions{
		Timeline:  s.settings.Timeline,
		Flags:     s.flags,
		QueueSize: s.settings.QueueSize,
		OnAnchor:  s.anchored,
		Logger:    s.logger,
	}

	fail := func(err error) error {
		s.releaseLocked()
		return err
	}

	if s.settings.Recording {
		rec, err := s.openRecorder()
		if err != nil {
			return fail(err)
		}
		s.recorder = rec
		opts.Writer = rec
	}

	if s.comps.Streamer != nil {
		st, err := s.comps.Streamer()
		if err != nil {
			return fail(setupError(err))
		}
		s.streamer = st
		opts.Mixer = st
	} else if s.settings.Streaming {
		return fail(NewError(ErrCodeUnsupportedConfiguration, "streaming enabled without a mixer", nil))
	}

	if s.comps.Source == nil {
		return fail(NewError(ErrCodeUnsupportedConfiguration, "no capture source", nil))
	}
	src, err := s.comps.Source(s.clock)
	if err != nil {
		return fail(setupError(err))
	}
	s.source = src

	s.router = NewRouter(opts)
	s.phase = PhaseConfigured
	s.logger.Info("Session configured", "session", s.settings.ID,
		"recording", s.settings.Recording, "streaming", s.settings.Streaming, "timeline", s.settings.Timeline.String())
	return nil
}

func (s *Session) openRecorder() (Recorder, error) {
	if s.comps.Recorder == nil {
		return nil, NewError(ErrCodeUnsupportedConfiguration, "recording enabled without a writer", nil)
	}
	rec, err := s.comps.Recorder(s.settings.RecordingPath)
	if err != nil {
		return nil, setupError(err)
	}
	return rec, nil
}

func setupError(err error) error {
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, writer.ErrUnsupported) || errors.Is(err, streaming.ErrUnsupported) {
		return NewError(ErrCodeUnsupportedConfiguration, "sink rejected the configuration", err)
	}
	return NewError(ErrCodeUnsupportedConfiguration, "session setup failed", err)
}

// releaseLocked drops everything Configure opened. s.mu must be held.
func (s *Session) releaseLocked() {
	if s.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.settings.FinalizeTimeout)
		if err := s.recorder.Finalize(ctx); err != nil {
			s.logger.Warn("Failed to release writer", "error", err)
		}
		cancel()
		s.recorder = nil
	}
	s.streamer = nil
	s.source = nil
	s.phase = PhaseStopped
	close(s.stopped)
}

// Run starts the capture sources and, when enabled, the stream connect.
// The sources run until Stop; ctx only bounds their lifetime from outside.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.phase != PhaseConfigured {
		phase := s.phase
		s.mu.Unlock()
		return NewError(ErrCodeInvalidState, fmt.Sprintf("run in phase %s", phase), nil)
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.source.OnError(s.captureFailed)
	if err := s.source.Start(s.ctx, s.router.Submit); err != nil {
		s.cancel()
		s.releaseLocked()
		s.mu.Unlock()
		return NewError(ErrCodeCaptureSourceFailure, "capture source did not start", err)
	}
	s.phase = PhaseRunning
	streamer := s.streamer
	s.mu.Unlock()

	metrics.SetSessionActive(true)
	metrics.SetSessionPaused(false)
	if streamer != nil && s.flags.Streaming() {
		s.connect(streamer)
	}
	s.logger.Info("Session running", "session", s.settings.ID)
	return nil
}

// anchored runs once, on the first timeline sample.
func (s *Session) anchored(start time.Time, pts media.Time) {
	s.logger.Info("Session anchored", "session", s.settings.ID, "pts", pts.String())
	s.publish(events.SessionStartedEvent{
		SessionID: s.settings.ID,
		StartTime: start.UTC().Format(time.RFC3339Nano),
		Recording: s.flags.Recording(),
		Streaming: s.flags.Streaming(),
	})
	s.startMic()
}

func (s *Session) startMic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.comps.Mic == nil || s.mic != nil || s.phase != PhaseRunning {
		return
	}

	m, err := s.comps.Mic(s.router, s.clock)
	if err == nil {
		err = m.Start(s.ctx, s.router.Submit)
	}
	if err != nil {
		s.logger.Warn("Microphone not started", "error", err)
		return
	}
	s.mic = m
	s.logger.Info("Microphone started", "strategy", m.Name())

	d, ok := m.(mic.Ducker)
	if !ok || s.streamer == nil {
		return
	}
	if err := s.streamer.SetDucking(TrackSystemAudio, d.DuckingGain()); err != nil {
		s.logger.Warn("Failed to duck system audio", "error", err)
	}
}

// connect starts the stream connect and reports every result on the bus.
// Failures never touch the recording.
func (s *Session) connect(st Streamer) {
	results := st.Connect(s.ctx, s.settings.Endpoint)
	endpoint := s.settings.Endpoint.Redacted()
	go func() {
		for err := range results {
			if errors.Is(err, streaming.ErrAlreadyConnected) {
				continue
			}
			ev := events.StreamingConnectEvent{
				SessionID: s.settings.ID,
				Endpoint:  endpoint,
				Connected: err == nil,
			}
			if err != nil {
				err = NewError(ErrCodeStreamingConnectFailure, "streaming unavailable", err)
				ev.Error = err.Error()
				s.logger.Warn("Streaming failed, recording continues", "endpoint", endpoint, "error", err)
			}
			s.publish(ev)
		}
	}()
}

func (s *Session) captureFailed(err error) {
	s.logger.Error("Capture source failed", "session", s.settings.ID, "error", err)
	go func() {
		_ = s.Stop(ReasonCaptureFailure, NewError(ErrCodeCaptureSourceFailure, "capture source failed", err))
	}()
}

// Pause drops every sample until Resume.
func (s *Session) Pause() error {
	r, err := s.runningRouter()
	if err != nil {
		return err
	}
	r.Pause()
	metrics.SetSessionPaused(true)
	s.publish(events.SessionStateEvent{SessionID: s.settings.ID, State: "paused"})
	return nil
}

// Resume continues after Pause.
func (s *Session) Resume() error {
	r, err := s.runningRouter()
	if err != nil {
		return err
	}
	r.Resume()
	metrics.SetSessionPaused(false)
	s.publish(events.SessionStateEvent{SessionID: s.settings.ID, State: "resumed"})
	return nil
}

func (s *Session) runningRouter() (*Router, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != PhaseRunning {
		return nil, NewError(ErrCodeInvalidState, fmt.Sprintf("session is %s", s.phase), nil)
	}
	return s.router, nil
}

// SetRecording toggles the local recording. The writer is opened the first
// time recording is enabled and anchors on the next timeline sample.
func (s *Session) SetRecording(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on && s.recorder == nil && (s.phase == PhaseConfigured || s.phase == PhaseRunning) {
		rec, err := s.openRecorder()
		if err != nil {
			return err
		}
		s.recorder = rec
		s.router.SetWriter(rec)
	}
	s.flags.SetRecording(on)
	return nil
}

// SetStreaming toggles streaming, connecting or disconnecting the mixer.
func (s *Session) SetStreaming(on bool) error {
	s.mu.Lock()
	st, phase := s.streamer, s.phase
	s.mu.Unlock()

	if st == nil {
		if on {
			return NewError(ErrCodeInvalidState, "streaming is not configured", nil)
		}
		s.flags.SetStreaming(false)
		return nil
	}
	s.flags.SetStreaming(on)
	if phase != PhaseRunning {
		return nil
	}
	if on {
		s.connect(st)
		return nil
	}
	go func() {
		if err := st.Disconnect(); err != nil {
			s.logger.Warn("Stream disconnect failed", "error", err)
		}
	}()
	return nil
}

// Flags returns the current sink enablement.
func (s *Session) Flags() (recording, streaming bool) {
	return s.flags.Recording(), s.flags.Streaming()
}

// SetTrackMix changes the mix of a stream audio track.
func (s *Session) SetTrackMix(track int, mix streaming.TrackMix) error {
	s.mu.Lock()
	st := s.streamer
	s.mu.Unlock()
	if st == nil {
		return NewError(ErrCodeInvalidState, "streaming is not configured", nil)
	}
	return st.SetTrackMix(track, mix)
}

// TrackMixes returns the stream track mixes, nil without a mixer.
func (s *Session) TrackMixes() map[int]streaming.TrackMix {
	s.mu.Lock()
	st := s.streamer
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.TrackMixes()
}

// StillFrame returns the latest decodable video sample, falling back to
// the first accepted one. It is nil before any video was accepted.
func (s *Session) StillFrame() *media.Sample {
	s.mu.Lock()
	r := s.router
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	if key := r.Keyframe(); key != nil {
		return key
	}
	first, _ := r.Frames()
	return first
}

// VideoCodec is the codec of the captured video.
func (s *Session) VideoCodec() media.VideoCodec {
	return s.settings.VideoCodec
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		ID:        s.settings.ID,
		Phase:     s.phase,
		Recording: s.flags.Recording(),
		Streaming: s.flags.Streaming(),
	}
	r, rec, streamer, m := s.router, s.recorder, s.streamer, s.mic
	s.mu.Unlock()

	if r != nil {
		st.Paused = r.Paused()
		if start, ok := r.StartTime(); ok {
			st.StartTime = start
		}
		if off, ok := r.TimeOffset(); ok {
			st.TimeOffset = off.String()
		}
	}
	if rec != nil {
		st.RecordingPath = rec.Path()
	}
	if streamer != nil {
		st.StreamConnected = streamer.Connected()
	}
	if m != nil {
		st.Microphone = m.Name()
	}
	return st
}

// Stop ends the session: sources first, then the router queues, then the
// writer is finalized within the finalize timeout and the stream is
// disconnected in the background. cause is reported with the stop event.
// Stop returns the finalize failure, which does not prevent teardown.
func (s *Session) Stop(reason string, cause error) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseCreated:
		s.phase = PhaseStopped
		close(s.stopped)
		s.mu.Unlock()
		return nil
	case PhaseConfigured:
		s.releaseLocked()
		s.mu.Unlock()
		return nil
	case PhaseStopping, PhaseStopped:
		s.mu.Unlock()
		<-s.stopped
		return nil
	}
	s.phase = PhaseStopping
	source, m, r, rec, st := s.source, s.mic, s.router, s.recorder, s.streamer
	s.mu.Unlock()

	s.logger.Info("Stopping session", "session", s.settings.ID, "reason", reason)

	if err := source.Stop(); err != nil {
		s.logger.Warn("Capture source stop failed", "error", err)
	}
	if m != nil {
		if err := m.Stop(); err != nil {
			s.logger.Warn("Microphone stop failed", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.settings.FinalizeTimeout)
	defer cancel()
	if err := r.Close(ctx); err != nil {
		s.logger.Warn("Sink queues not drained", "error", err)
	}

	var finalizeErr error
	path := ""
	if rec != nil {
		path = rec.Path()
		if finalizeErr = rec.Finalize(ctx); finalizeErr != nil {
			s.logger.Warn("Recording finalize failed", "path", path, "error", finalizeErr)
			path = ""
		}
	}

	sessionCancel := s.cancel
	if st != nil {
		go func() {
			if err := st.Disconnect(); err != nil {
				s.logger.Warn("Stream disconnect failed", "error", err)
			}
			sessionCancel()
		}()
	} else {
		sessionCancel()
	}

	metrics.SetSessionActive(false)
	metrics.SetSessionPaused(false)

	ev := events.SessionStoppedEvent{SessionID: s.settings.ID, Reason: reason, RecordingPath: path}
	if cause != nil {
		ev.Error = cause.Error()
	}

	s.mu.Lock()
	s.stopErr = cause
	s.phase = PhaseStopped
	s.mu.Unlock()
	close(s.stopped)

	s.publish(ev)
	s.logger.Info("Session stopped", "session", s.settings.ID, "reason", reason)
	return finalizeErr
}

func (s *Session) publish(ev events.Event) {
	if s.bus == nil {
		return
	}
	ts := time.Now().UTC().Format(time.RFC3339)
	switch e := ev.(type) {
	case events.SessionStartedEvent:
		e.Timestamp = ts
		ev = e
	case events.SessionStoppedEvent:
		e.Timestamp = ts
		ev = e
	case events.SessionStateEvent:
		e.Timestamp = ts
		ev = e
	case events.StreamingConnectEvent:
		e.Timestamp = ts
		ev = e
	}
	s.bus.Publish(ev)
}
