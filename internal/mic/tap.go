package mic

import (
	"context"
	"fmt"

	"github.com/smazurov/castnode/internal/ffmpeg"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
)

// TapStrategy reads the input device directly through ffmpeg in blocks of
// TapFrameSize frames, in the device's own format.
type TapStrategy struct {
	recorder
}

// NewTapStrategy builds the ffmpeg capture for cfg.Device. An empty device is the default source.
func NewTapStrategy(cfg Config, gate Gate, clock media.Clock, logger logging.Logger) (*TapStrategy, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "pulse"
	}
	device := cfg.Device
	if device == "" {
		device = "default"
	}
	command, err := ffmpeg.BuildAudioCaptureCommand(&ffmpeg.AudioCaptureParams{
		Format:     backend,
		Device:     device,
		SampleRate: cfg.Format.SampleRate,
		Channels:   cfg.Format.Channels,
		FrameSize:  TapFrameSize,
		Options:    cfg.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("microphone tap: %w", err)
	}

	return &TapStrategy{recorder{
		id:        "mic-" + StrategyTap,
		command:   command,
		format:    cfg.Format,
		frameSize: TapFrameSize,
		gate:      gate,
		clock:     clock,
		logger:    logger,
		parser:    ffmpeg.ParseLogLevel,
	}}, nil
}

func (s *TapStrategy) Start(ctx context.Context, deliver Deliver) error {
	return s.start(ctx, deliver)
}

func (s *TapStrategy) Stop() error { return s.stop() }

func (s *TapStrategy) Name() string { return StrategyTap }

// Command returns the ffmpeg command line.
func (s *TapStrategy) Command() string { return s.command }
