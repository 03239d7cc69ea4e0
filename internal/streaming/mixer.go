// Package streaming mixes the capture into one outgoing stream and publishes
// it to a network endpoint.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/metrics"
)

// Defaults for Mixer.
const (
	MaxTracks             = 4
	DefaultTrackQueueSize = 64
	DefaultMixDelay       = 100 * time.Millisecond
	DefaultFlushTimeout   = 2 * time.Second
)

var (
	// ErrUnsupported is returned when a codec or size cannot be streamed.
	ErrUnsupported = errors.New("unsupported stream configuration")
	// ErrNotConfigured is returned by Connect before any track is configured.
	ErrNotConfigured = errors.New("mixer has no configured tracks")
	// ErrAlreadyConnected is returned by Connect while a connection exists.
	ErrAlreadyConnected = errors.New("mixer already connected")
	// ErrConnect wraps failures to establish the network session.
	ErrConnect = errors.New("stream connect failed")
	// ErrConnectionLost is reported when an established session drops.
	ErrConnectionLost = errors.New("stream connection lost")
	// ErrInvalidMix is returned for out of range mix settings.
	ErrInvalidMix = errors.New("invalid track mix")
)

// VideoConfig is the requested stream video. Zero values are derived from
// the capture through Heuristics.
type VideoConfig struct {
	Codec         media.VideoCodec
	CaptureWidth  int
	CaptureHeight int
	FPS           int
	Scaler        Scaler
	BitrateKbps   int // 0 derives the bitrate
	HiDPI         bool
	// HDR streams always use H.265.
	HDR     bool
	Encoder string
	// Passthrough forwards the capture encoding without transcoding.
	Passthrough bool
}

// VideoSettings are the resolved stream video parameters.
type VideoSettings struct {
	Codec            media.VideoCodec `json:"codec"`
	InputCodec       media.VideoCodec `json:"input_codec"`
	Resolution       Resolution       `json:"resolution"`
	FPS              int              `json:"fps"`
	BitrateKbps      int              `json:"bitrate_kbps"`
	KeyframeInterval time.Duration    `json:"keyframe_interval"`
	KeyframeFrames   int              `json:"keyframe_frames"`
	BFrames          int              `json:"b_frames"`
	Encoder          string           `json:"encoder,omitempty"`
	Passthrough      bool             `json:"passthrough"`
}

// AudioConfig is the requested stream audio.
type AudioConfig struct {
	Codec       media.AudioCodec
	Quality     AudioQuality
	BitrateKbps int // overrides Quality
	Format      media.PCMFormat
}

// AudioSettings are the resolved stream audio parameters.
type AudioSettings struct {
	Codec       media.AudioCodec `json:"codec"`
	BitrateKbps int              `json:"bitrate_kbps"`
	Format      media.PCMFormat  `json:"format"`
}

// Endpoint is the ingest address of the streaming service.
type Endpoint struct {
	URL       string
	StreamKey string
}

// FullURL joins the ingest URL and the stream key.
func (e Endpoint) FullURL() string {
	if e.StreamKey == "" {
		return e.URL
	}
	return strings.TrimRight(e.URL, "/") + "/" + e.StreamKey
}

// Redacted is FullURL with the stream key masked, for logs and events.
func (e Endpoint) Redacted() string {
	if e.StreamKey == "" {
		return e.URL
	}
	return strings.TrimRight(e.URL, "/") + "/****"
}

// PublishConfig is everything a Transport needs to publish the stream.
type PublishConfig struct {
	Endpoint   Endpoint
	Video      *VideoSettings
	Audio      *AudioSettings
	PreviewURL string
}

// Transport carries encoded video and mixed PCM to the endpoint.
type Transport interface {
	// Start launches the transport; writes are accepted afterwards.
	Start() error
	// WaitConnected blocks until the endpoint accepted the stream.
	WaitConnected(ctx context.Context) error
	WriteVideo(au []byte) error
	WriteAudio(pcm []byte) error
	// Done is closed when the transport stopped; Err reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer creates the transport for a connection.
type Dialer func(cfg PublishConfig) (Transport, error)

// Mixer combines one video track and several audio tracks into one stream.
type Mixer struct {
	Heuristics     Heuristics
	TrackQueueSize int
	MixDelay       time.Duration
	FlushTimeout   time.Duration
	PreviewURL     string
	Dial           Dialer

	logger logging.Logger

	mu         sync.Mutex
	video      *VideoSettings
	audio      *AudioSettings
	mixes      map[int]TrackMix
	ducking    map[int]float64
	mainTrack  int
	multiTrack bool
	conn       *connection
}

// NewMixer creates a mixer publishing through ffmpeg.
func NewMixer(logger logging.Logger) *Mixer {
	m := &Mixer{
		Heuristics:     DefaultHeuristics,
		TrackQueueSize: DefaultTrackQueueSize,
		MixDelay:       DefaultMixDelay,
		FlushTimeout:   DefaultFlushTimeout,
		logger:         logger,
		mixes:          make(map[int]TrackMix),
		ducking:        make(map[int]float64),
	}
	m.Dial = func(cfg PublishConfig) (Transport, error) {
		return NewPublisher(cfg, logger)
	}
	return m
}

// ConfigureVideo resolves and stores the stream video settings.
func (m *Mixer) ConfigureVideo(cfg VideoConfig) (VideoSettings, error) {
	codec := cfg.Codec
	if cfg.HDR {
		codec = media.VideoH265
	}
	if codec != media.VideoH264 && codec != media.VideoH265 {
		return VideoSettings{}, fmt.Errorf("%w: video codec %q", ErrUnsupported, cfg.Codec)
	}
	if cfg.CaptureWidth <= 0 || cfg.CaptureHeight <= 0 || cfg.FPS <= 0 {
		return VideoSettings{}, fmt.Errorf("%w: capture %dx%d@%d", ErrUnsupported, cfg.CaptureWidth, cfg.CaptureHeight, cfg.FPS)
	}

	h := m.Heuristics
	s := VideoSettings{
		Codec:            codec,
		InputCodec:       codec,
		FPS:              cfg.FPS,
		KeyframeInterval: h.KeyframeInterval,
		KeyframeFrames:   h.KeyframeFrames(cfg.FPS),
		Encoder:          cfg.Encoder,
		Passthrough:      cfg.Passthrough,
	}
	if cfg.Passthrough {
		s.Resolution = Resolution{Width: cfg.CaptureWidth, Height: cfg.CaptureHeight}
	} else {
		s.Resolution = h.Resolution(cfg.CaptureWidth, cfg.CaptureHeight, cfg.Scaler)
		s.BitrateKbps = cfg.BitrateKbps
		if s.BitrateKbps <= 0 {
			s.BitrateKbps = h.BitrateKbps(s.Resolution.Width, s.Resolution.Height, cfg.FPS, codec, cfg.HiDPI)
		}
	}

	m.mu.Lock()
	m.video = &s
	m.mu.Unlock()
	m.logger.Info("Stream video configured", "codec", s.Codec, "resolution", s.Resolution.String(),
		"bitrate_kbps", s.BitrateKbps, "passthrough", s.Passthrough)
	return s, nil
}

// Settings returns copies of the configured stream settings; nil when a
// side was not configured.
func (m *Mixer) Settings() (*VideoSettings, *AudioSettings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var v *VideoSettings
	var a *AudioSettings
	if m.video != nil {
		cp := *m.video
		v = &cp
	}
	if m.audio != nil {
		cp := *m.audio
		a = &cp
	}
	return v, a
}

// SetInputCodec records the codec the capture delivers when it differs from the stream codec.
func (m *Mixer) SetInputCodec(codec media.VideoCodec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.video != nil {
		m.video.InputCodec = codec
	}
}

// ConfigureAudio resolves and stores the stream audio settings.
func (m *Mixer) ConfigureAudio(cfg AudioConfig) (AudioSettings, error) {
	if cfg.Codec != media.AudioAAC && cfg.Codec != media.AudioOpus {
		return AudioSettings{}, fmt.Errorf("%w: audio codec %q", ErrUnsupported, cfg.Codec)
	}
	format := cfg.Format
	if format == (media.PCMFormat{}) {
		format = media.DefaultPCM
	}
	if !format.Valid() {
		return AudioSettings{}, fmt.Errorf("%w: audio format %+v", ErrUnsupported, format)
	}
	if cfg.Codec == media.AudioOpus && format.SampleRate != 48000 {
		return AudioSettings{}, fmt.Errorf("%w: opus requires 48 kHz", ErrUnsupported)
	}

	s := AudioSettings{Codec: cfg.Codec, BitrateKbps: cfg.BitrateKbps, Format: format}
	if s.BitrateKbps <= 0 {
		s.BitrateKbps = cfg.Quality.BitrateKbps()
	}

	m.mu.Lock()
	m.audio = &s
	m.mu.Unlock()
	m.logger.Info("Stream audio configured", "codec", s.Codec, "bitrate_kbps", s.BitrateKbps)
	return s, nil
}

// SetTrackMix sets the volume, mute and channel map of an audio track.
func (m *Mixer) SetTrackMix(track int, mix TrackMix) error {
	if track < 0 || track >= MaxTracks {
		return fmt.Errorf("%w: track %d", ErrInvalidMix, track)
	}
	if err := mix.validate(); err != nil {
		return err
	}
	mix.ChannelMap = append([]int(nil), mix.ChannelMap...)

	m.mu.Lock()
	m.mixes[track] = mix
	c := m.conn
	m.mu.Unlock()

	if c != nil && c.pcm != nil {
		c.mixMu.Lock()
		c.pcm.setMix(track, mix)
		c.mixMu.Unlock()
	}
	return nil
}

// TrackMixes returns the configured mixes.
func (m *Mixer) TrackMixes() map[int]TrackMix {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]TrackMix, len(m.mixes))
	for k, v := range m.mixes {
		out[k] = v
	}
	return out
}

// SetDucking attenuates a track by gain on top of its mix, e.g. while a
// microphone talks over it. A gain of 1 removes the ducking.
func (m *Mixer) SetDucking(track int, gain float64) error {
	if track < 0 || track >= MaxTracks {
		return fmt.Errorf("%w: track %d", ErrInvalidMix, track)
	}
	if gain < 0 || gain > 1 || math.IsNaN(gain) {
		return fmt.Errorf("%w: ducking gain %v", ErrInvalidMix, gain)
	}

	m.mu.Lock()
	m.ducking[track] = gain
	c := m.conn
	m.mu.Unlock()

	if c != nil && c.pcm != nil {
		c.mixMu.Lock()
		c.pcm.setGain(track, gain)
		c.mixMu.Unlock()
	}
	return nil
}

// Ducking returns the gain set by SetDucking, 1 when the track is not ducked.
func (m *Mixer) Ducking(track int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.ducking[track]; ok {
		return g
	}
	return 1
}

// SetMainTrack selects the audio track that drives the output clock.
func (m *Mixer) SetMainTrack(track int) error {
	if track < 0 || track >= MaxTracks {
		return fmt.Errorf("%w: track %d", ErrInvalidMix, track)
	}
	m.mu.Lock()
	m.mainTrack = track
	c := m.conn
	m.mu.Unlock()

	if c != nil && c.pcm != nil {
		c.mixMu.Lock()
		c.pcm.main = track
		c.mixMu.Unlock()
	}
	return nil
}

// SetMultiTrack enables summing every track. When off only the main track is streamed.
func (m *Mixer) SetMultiTrack(enabled bool) {
	m.mu.Lock()
	m.multiTrack = enabled
	c := m.conn
	m.mu.Unlock()

	if c != nil && c.pcm != nil {
		c.mixMu.Lock()
		c.pcm.multiTrack = enabled
		c.mixMu.Unlock()
	}
}

// Connected reports whether the endpoint accepted the stream.
func (m *Mixer) Connected() bool {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	return c != nil && c.connected.Load()
}

// Connect opens the network session in the background. The channel receives
// nil once connected or the connect error, then an error if the established
// session drops, and is closed when the connection ends.
func (m *Mixer) Connect(ctx context.Context, ep Endpoint) <-chan error {
	results := make(chan error, 2)

	m.mu.Lock()
	switch {
	case m.conn != nil:
		m.mu.Unlock()
		results <- ErrAlreadyConnected
		close(results)
		return results
	case m.video == nil && m.audio == nil:
		m.mu.Unlock()
		results <- ErrNotConfigured
		close(results)
		return results
	}

	cfg := PublishConfig{Endpoint: ep, PreviewURL: m.PreviewURL}
	if m.video != nil {
		v := *m.video
		cfg.Video = &v
	}
	if m.audio != nil {
		a := *m.audio
		cfg.Audio = &a
	}
	c := m.newConnection(ctx, cfg)
	m.conn = c
	m.mu.Unlock()

	go m.run(c, results)
	return results
}

func (m *Mixer) run(c *connection, results chan<- error) {
	defer close(results)
	defer m.release(c)

	ep := c.cfg.Endpoint.Redacted()
	m.logger.Info("Connecting stream", "endpoint", ep)

	t, err := m.Dial(c.cfg)
	if err == nil {
		err = t.Start()
	}
	if err != nil {
		results <- fmt.Errorf("%w: %w", ErrConnect, err)
		return
	}
	c.start(t)

	if err := t.WaitConnected(c.ctx); err != nil {
		c.shutdown(m.FlushTimeout)
		if c.closing.Load() {
			return
		}
		m.logger.Warn("Stream connect failed", "endpoint", ep, "error", err)
		results <- fmt.Errorf("%w: %w", ErrConnect, err)
		return
	}

	c.connected.Store(true)
	metrics.SetMixerConnected(true)
	m.logger.Info("Stream connected", "endpoint", ep)
	results <- nil

	select {
	case <-t.Done():
		c.connected.Store(false)
		metrics.SetMixerConnected(false)
		c.shutdown(m.FlushTimeout)
		if c.closing.Load() {
			return
		}
		m.logger.Warn("Stream connection lost", "endpoint", ep, "error", t.Err())
		results <- fmt.Errorf("%w: %w", ErrConnectionLost, t.Err())
	case <-c.ctx.Done():
		c.connected.Store(false)
		metrics.SetMixerConnected(false)
		c.shutdown(m.FlushTimeout)
	}
}

// release clears the connection once it is finished.
func (m *Mixer) release(c *connection) {
	m.mu.Lock()
	if m.conn == c {
		m.conn = nil
	}
	m.mu.Unlock()
	c.cancel()
	close(c.finished)
}

// Append queues a sample for a track without blocking. It returns false when
// no connection exists or the track queue is full.
func (m *Mixer) Append(s *media.Sample, track int) bool {
	if track < 0 || track >= MaxTracks {
		return false
	}
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil || !c.accepting.Load() {
		return false
	}

	ch, label := c.audio[track], strconv.Itoa(track)
	if s.Kind == media.KindVideo {
		ch, label = c.video, "video"
	}
	if ch == nil {
		return false
	}

	select {
	case ch <- s:
		return true
	default:
		if s.Kind == media.KindVideo {
			c.videoGap.Store(true)
		}
		metrics.IncrementMixerTrackDrops(label)
		return false
	}
}

// Disconnect flushes queued samples and closes the network session. It is
// safe to call repeatedly and without a connection.
func (m *Mixer) Disconnect() error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return nil
	}

	c.closing.Store(true)
	c.cancel()
	<-c.finished
	m.logger.Info("Stream disconnected", "endpoint", c.cfg.Endpoint.Redacted())
	return c.closeErr
}

// connection is one publish attempt and its feeding goroutines.
type connection struct {
	cfg    PublishConfig
	ctx    context.Context
	cancel context.CancelFunc
	logger logging.Logger

	transport Transport
	video     chan *media.Sample
	audio     [MaxTracks]chan *media.Sample
	pcmOut    chan []byte

	mixMu sync.Mutex
	pcm   *pcmMixer

	accepting atomic.Bool
	connected atomic.Bool
	closing   atomic.Bool
	// videoGap is set when a video sample is dropped; output restarts at a keyframe.
	videoGap atomic.Bool

	stop         chan struct{}
	wg           sync.WaitGroup
	audioWG      sync.WaitGroup
	shutdownOnce sync.Once
	closeErr     error
	finished     chan struct{}
}

func (m *Mixer) newConnection(ctx context.Context, cfg PublishConfig) *connection {
	ctx, cancel := context.WithCancel(ctx)
	c := &connection{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   m.logger,
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	size := max(1, m.TrackQueueSize)
	if cfg.Video != nil {
		c.video = make(chan *media.Sample, size)
	}
	if cfg.Audio != nil {
		for i := range c.audio {
			c.audio[i] = make(chan *media.Sample, size)
		}
		c.pcmOut = make(chan []byte, size)
		c.pcm = newPCMMixer(cfg.Audio.Format, m.MixDelay)
		c.pcm.main = m.mainTrack
		c.pcm.multiTrack = m.multiTrack
		for track, mix := range m.mixes {
			c.pcm.setMix(track, mix)
		}
		for track, gain := range m.ducking {
			c.pcm.setGain(track, gain)
		}
	}
	return c
}

// start launches the goroutines feeding t.
func (c *connection) start(t Transport) {
	c.transport = t
	if c.video != nil {
		c.wg.Add(1)
		go c.videoLoop()
	}
	if c.pcm != nil {
		for i := range c.audio {
			c.wg.Add(1)
			c.audioWG.Add(1)
			go c.audioLoop(i)
		}
		c.wg.Add(1)
		go c.pcmLoop()
	}
	c.accepting.Store(true)
}

// shutdown stops accepting samples, drains the queues for up to timeout and
// closes the transport.
func (c *connection) shutdown(timeout time.Duration) {
	c.shutdownOnce.Do(func() {
		c.accepting.Store(false)
		close(c.stop)

		drained := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(timeout):
			c.logger.Warn("Stream flush timed out")
		}

		if c.transport != nil {
			c.closeErr = c.transport.Close()
		}
		<-drained
	})
}

func (c *connection) videoLoop() {
	defer c.wg.Done()
	keyframe := false
	write := func(s *media.Sample) bool {
		if c.videoGap.Swap(false) {
			keyframe = false
		}
		if !keyframe {
			if !s.Keyframe {
				return true
			}
			keyframe = true
		}
		if err := c.transport.WriteVideo(s.Data); err != nil {
			c.logger.Debug("Video write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case s := <-c.video:
			if !write(s) {
				return
			}
		case <-c.stop:
			for {
				select {
				case s := <-c.video:
					if !write(s) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *connection) audioLoop(track int) {
	defer c.wg.Done()
	defer c.audioWG.Done()
	in := c.audio[track]
	for {
		select {
		case s := <-in:
			c.mix(track, s)
		case <-c.stop:
			for {
				select {
				case s := <-in:
					c.mix(track, s)
				default:
					return
				}
			}
		}
	}
}

func (c *connection) mix(track int, s *media.Sample) {
	c.mixMu.Lock()
	out := c.pcm.push(track, s.PTS, s.Data, s.Frames)
	c.mixMu.Unlock()
	if out == nil {
		return
	}
	select {
	case c.pcmOut <- out:
	default:
		metrics.IncrementMixerTrackDrops("mix")
	}
}

func (c *connection) pcmLoop() {
	defer c.wg.Done()
	write := func(pcm []byte) bool {
		if err := c.transport.WriteAudio(pcm); err != nil {
			c.logger.Debug("Audio write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case pcm := <-c.pcmOut:
			if !write(pcm) {
				return
			}
		case <-c.stop:
			c.audioWG.Wait()
			for {
				select {
				case pcm := <-c.pcmOut:
					if !write(pcm) {
						return
					}
				default:
					c.mixMu.Lock()
					rest := c.pcm.flush()
					c.mixMu.Unlock()
					if rest != nil {
						write(rest)
					}
					return
				}
			}
		}
	}
}
