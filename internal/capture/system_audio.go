package capture

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/smazurov/castnode/internal/ffmpeg"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
)

// DefaultMonitor is the pulse monitor of the default output.
const DefaultMonitor = "@DEFAULT_MONITOR@"

// DefaultAudioFrameSize is the number of frames per system audio sample.
const DefaultAudioFrameSize = 1024

// SystemAudioConfig describes the system audio capture.
type SystemAudioConfig struct {
	Backend   string // pulse or alsa
	Device    string
	Format    media.PCMFormat
	FrameSize int
	Options   []ffmpeg.OptionType
}

// SystemAudioSource captures what the system plays through ffmpeg.
type SystemAudioSource struct {
	runner
	format    media.PCMFormat
	frameSize int
	clock     media.Clock
}

// NewSystemAudioSource builds the capture command. Zero fields take defaults.
func NewSystemAudioSource(cfg SystemAudioConfig, clock media.Clock, logger logging.Logger) (*SystemAudioSource, error) {
	if cfg.Device == "" {
		cfg.Device = DefaultMonitor
	}
	if cfg.Format == (media.PCMFormat{}) {
		cfg.Format = media.DefaultPCM
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = DefaultAudioFrameSize
	}
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("system audio: invalid format %+v", cfg.Format)
	}

	command, err := ffmpeg.BuildAudioCaptureCommand(&ffmpeg.AudioCaptureParams{
		Format:     cfg.Backend,
		Device:     cfg.Device,
		SampleRate: cfg.Format.SampleRate,
		Channels:   cfg.Format.Channels,
		FrameSize:  cfg.FrameSize,
		Options:    cfg.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("system audio: %w", err)
	}

	return &SystemAudioSource{
		runner:    runner{id: "system-audio", command: command, logger: logger},
		format:    cfg.Format,
		frameSize: cfg.FrameSize,
		clock:     clock,
	}, nil
}

// Start launches the capture; handler receives system audio samples.
func (s *SystemAudioSource) Start(ctx context.Context, handler Handler) error {
	return s.start(ctx, func(r io.Reader) {
		if err := s.read(r, handler); err != nil {
			s.logger.Warn("System audio stream error", "error", err)
		}
	})
}

func (s *SystemAudioSource) Stop() error { return s.stop() }

// Format returns the PCM format of the delivered samples.
func (s *SystemAudioSource) Format() media.PCMFormat { return s.format }

func (s *SystemAudioSource) read(r io.Reader, handler Handler) error {
	clock := media.NewSampleClock(s.clock, s.format.SampleRate)
	size := s.frameSize * s.format.BytesPerFrame()
	for {
		buf := make([]byte, size)
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		handler(&media.Sample{
			Kind:     media.KindSystemAudio,
			PTS:      clock.Stamp(s.frameSize),
			Duration: s.format.FrameDuration(s.frameSize),
			Data:     buf,
			Frames:   s.frameSize,
		})
	}
}
