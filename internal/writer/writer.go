// Package writer records samples into a local fragmented MP4 file.
package writer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/metrics"
)

// Defaults for Options.
const (
	DefaultQueueSize        = 120
	DefaultFragmentDuration = time.Second
	DefaultFinalizeTimeout  = 5 * time.Second
)

var (
	// ErrUnsupported is returned by Configure when the container or codecs are rejected.
	ErrUnsupported = errors.New("unsupported writer configuration")
	// ErrFinalized is returned when a handle is finalized twice.
	ErrFinalized = errors.New("writer already finalized")
)

// VideoParams describes the recorded video track.
type VideoParams struct {
	Codec  media.VideoCodec
	Width  int
	Height int
	FPS    int
}

// AudioParams describes the recorded audio inputs.
type AudioParams struct {
	Format      media.PCMFormat
	SystemAudio bool
	Microphone  bool
	// MicrophoneFormat overrides Format for the microphone input when set.
	MicrophoneFormat media.PCMFormat
}

func (a AudioParams) formatFor(kind media.Kind) media.PCMFormat {
	if kind == media.KindMicrophone && a.MicrophoneFormat != (media.PCMFormat{}) {
		return a.MicrophoneFormat
	}
	return a.Format
}

func (a AudioParams) kinds() []media.Kind {
	var kinds []media.Kind
	if a.SystemAudio {
		kinds = append(kinds, media.KindSystemAudio)
	}
	if a.Microphone {
		kinds = append(kinds, media.KindMicrophone)
	}
	return kinds
}

// Manager creates writer handles.
type Manager struct {
	QueueSize        int
	FragmentDuration time.Duration
	FinalizeTimeout  time.Duration
	logger           logging.Logger
}

// NewManager creates a manager with default limits.
func NewManager(logger logging.Logger) *Manager {
	return &Manager{
		QueueSize:        DefaultQueueSize,
		FragmentDuration: DefaultFragmentDuration,
		FinalizeTimeout:  DefaultFinalizeTimeout,
		logger:           logger,
	}
}

// Configure validates the parameters, creates the file at path and starts
// the writing goroutine. A nil video means an audio-only recording.
func (m *Manager) Configure(path string, video *VideoParams, audio AudioParams) (*Handle, error) {
	if err := validate(path, video, audio); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}

	frag := m.FragmentDuration
	mux := newFMP4Muxer(file, video, audio, func(timeScale uint32) uint64 {
		return uint64(frag.Seconds() * float64(timeScale))
	})

	h := &Handle{
		path:   path,
		file:   file,
		mux:    mux,
		inputs: make(map[media.Kind]*input),
		done:   make(chan error, 1),
		logger: m.logger,
	}
	if video != nil {
		h.inputs[media.KindVideo] = newInput(media.KindVideo, m.QueueSize)
		h.frameTicks = videoTimeScale / uint32(max(1, video.FPS))
	}
	for _, kind := range audio.kinds() {
		h.inputs[kind] = newInput(kind, m.QueueSize)
	}

	go h.run()
	m.logger.Info("Writer configured", "path", path, "inputs", len(h.inputs))
	return h, nil
}

func validate(path string, video *VideoParams, audio AudioParams) error {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp4", ".mov", ".m4v":
	case ".m4a":
		if video != nil {
			return fmt.Errorf("%w: %s container cannot hold video", ErrUnsupported, ext)
		}
	default:
		return fmt.Errorf("%w: container %q", ErrUnsupported, ext)
	}

	if video != nil {
		if video.Codec != media.VideoH264 && video.Codec != media.VideoH265 {
			return fmt.Errorf("%w: video codec %q", ErrUnsupported, video.Codec)
		}
		if video.Width <= 0 || video.Height <= 0 || video.Width%2 != 0 || video.Height%2 != 0 {
			return fmt.Errorf("%w: resolution %dx%d", ErrUnsupported, video.Width, video.Height)
		}
	}
	for _, kind := range audio.kinds() {
		if f := audio.formatFor(kind); !f.Valid() {
			return fmt.Errorf("%w: %s format %+v", ErrUnsupported, kind, f)
		}
	}
	if video == nil && len(audio.kinds()) == 0 {
		return fmt.Errorf("%w: no inputs", ErrUnsupported)
	}
	return nil
}

type entry struct {
	sample *media.Sample
	rel    media.Time
}

// input is one bounded queue feeding the muxer.
type input struct {
	kind  media.Kind
	queue chan entry
}

func newInput(kind media.Kind, size int) *input {
	return &input{kind: kind, queue: make(chan entry, size)}
}

func (in *input) ready() bool {
	return len(in.queue) < cap(in.queue)
}

// Handle is one open recording.
type Handle struct {
	path       string
	file       *os.File
	mux        *fmp4Muxer
	inputs     map[media.Kind]*input
	frameTicks uint32
	logger     logging.Logger

	mu        sync.RWMutex
	anchored  bool
	base      media.Time
	finished  bool
	done      chan error
	finalized bool
}

// Path returns the output file path.
func (h *Handle) Path() string {
	return h.path
}

// Anchor starts the output timeline at pts. Only the first call has effect.
func (h *Handle) Anchor(pts media.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.anchored || h.finished {
		return false
	}
	h.anchored = true
	h.base = pts
	h.logger.Debug("Writer anchored", "pts", pts.String())
	return true
}

// Ready reports whether the input for kind exists and has queue space.
func (h *Handle) Ready(kind media.Kind) bool {
	in, ok := h.inputs[kind]
	if !ok {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return !h.finished && in.ready()
}

// Append queues a sample for its input. The sample is dropped when the
// input does not exist, the handle is not anchored or finished, the sample
// precedes the anchor, or the queue is full.
func (h *Handle) Append(s *media.Sample) bool {
	in, ok := h.inputs[s.Kind]
	if !ok {
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.anchored || h.finished {
		return false
	}
	rel := s.PTS.Sub(h.base)
	if rel.Value < 0 {
		return false
	}

	select {
	case in.queue <- entry{sample: s, rel: rel}:
		return true
	default:
		metrics.IncrementWriterInputDrops(s.Kind.String())
		return false
	}
}

func (h *Handle) run() {
	var video, system, mic chan entry
	if in, ok := h.inputs[media.KindVideo]; ok {
		video = in.queue
	}
	if in, ok := h.inputs[media.KindSystemAudio]; ok {
		system = in.queue
	}
	if in, ok := h.inputs[media.KindMicrophone]; ok {
		mic = in.queue
	}

	var failed error
	handle := func(e entry, ok bool, ch *chan entry) {
		if !ok {
			*ch = nil
			return
		}
		if failed != nil {
			return
		}
		var err error
		if e.sample.Kind == media.KindVideo {
			err = h.mux.writeVideo(e.rel, e.sample.Data)
		} else {
			err = h.mux.writeAudio(e.sample.Kind, e.rel, e.sample.Data, e.sample.Frames)
		}
		if err != nil {
			failed = err
			h.logger.Error("Writer failed, dropping further samples", "path", h.path, "error", err)
		}
	}

	for video != nil || system != nil || mic != nil {
		select {
		case e, ok := <-video:
			handle(e, ok, &video)
		case e, ok := <-system:
			handle(e, ok, &system)
		case e, ok := <-mic:
			handle(e, ok, &mic)
		}
	}

	if failed == nil {
		failed = h.mux.close(h.frameTicks)
	}
	if err := h.file.Close(); err != nil && failed == nil {
		failed = err
	}
	h.done <- failed
}

// Finalize marks every input finished and waits for the file to be
// completed. When ctx expires first the writer is abandoned and an error
// is returned; the file is still closed in the background.
func (h *Handle) Finalize(ctx context.Context) error {
	h.mu.Lock()
	if h.finalized {
		h.mu.Unlock()
		return ErrFinalized
	}
	h.finalized = true
	h.finished = true
	for _, in := range h.inputs {
		close(in.queue)
	}
	h.mu.Unlock()

	select {
	case err := <-h.done:
		if err != nil {
			return fmt.Errorf("finalize %s: %w", h.path, err)
		}
		h.logger.Info("Recording finalized", "path", h.path, "bytes", h.mux.written)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("finalize %s abandoned: %w", h.path, ctx.Err())
	}
}
