package capture

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/smazurov/castnode/internal/ffmpeg"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
)

// maxAccessUnit bounds one encoded frame read from the capture.
const maxAccessUnit = 16 << 20

// ScreenConfig describes the screen capture and its encode.
type ScreenConfig struct {
	Input      string // x11grab, kmsgrab or lavfi
	Display    string
	OffsetX    int
	OffsetY    int
	Width      int
	Height     int
	FPS        int
	ShowCursor bool

	OutputWidth  int
	OutputHeight int

	Codec        media.VideoCodec
	Encoder      string
	BitrateKbps  int
	Preset       string
	GOP          int
	GlobalArgs   []string
	VideoFilters string
	Options      []ffmpeg.OptionType
}

// ScreenSource captures the screen with ffmpeg and delivers one sample per access unit.
type ScreenSource struct {
	runner
	codec media.VideoCodec
	fps   int
	clock media.Clock

	overlay atomic.Int32
}

// NewScreenSource builds the capture command. Timestamps are taken from clock.
func NewScreenSource(cfg ScreenConfig, clock media.Clock, logger logging.Logger) (*ScreenSource, error) {
	if cfg.Codec == "" {
		cfg.Codec = media.VideoH264
	}
	command, err := ffmpeg.BuildScreenCommand(&ffmpeg.ScreenParams{
		InputFormat:  cfg.Input,
		Display:      cfg.Display,
		OffsetX:      cfg.OffsetX,
		OffsetY:      cfg.OffsetY,
		Width:        cfg.Width,
		Height:       cfg.Height,
		FPS:          cfg.FPS,
		ShowCursor:   cfg.ShowCursor,
		TestOverlay:  "castnode",
		OutputWidth:  cfg.OutputWidth,
		OutputHeight: cfg.OutputHeight,
		Codec:        string(cfg.Codec),
		Encoder:      cfg.Encoder,
		BitrateKbps:  cfg.BitrateKbps,
		Preset:       cfg.Preset,
		GOP:          cfg.GOP,
		GlobalArgs:   cfg.GlobalArgs,
		VideoFilters: cfg.VideoFilters,
		Options:      cfg.Options,
	})
	if err != nil {
		return nil, fmt.Errorf("screen capture: %w", err)
	}

	return &ScreenSource{
		runner: runner{id: "screen", command: command, logger: logger},
		codec:  cfg.Codec,
		fps:    cfg.FPS,
		clock:  clock,
	}, nil
}

// Start launches the capture; handler receives video samples.
func (s *ScreenSource) Start(ctx context.Context, handler Handler) error {
	return s.start(ctx, func(r io.Reader) {
		s.read(r, handler)
	})
}

func (s *ScreenSource) Stop() error { return s.stop() }

// SetOverlay sets the presenter overlay state attached to the following frames.
func (s *ScreenSource) SetOverlay(state media.OverlayState) {
	s.overlay.Store(int32(state))
}

// read splits the elementary stream into access units until EOF.
func (s *ScreenSource) read(r io.Reader, handler Handler) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), maxAccessUnit)
	scanner.Split(media.AccessUnitSplitter(s.codec))

	clock := media.NewSampleClock(s.clock, s.fps)
	frame := media.NewTime(1, int64(s.fps))

	for scanner.Scan() {
		data := append([]byte(nil), scanner.Bytes()...)
		sample := &media.Sample{
			Kind:     media.KindVideo,
			PTS:      clock.Stamp(1),
			Duration: frame,
			Data:     data,
		}
		sample.Attachments.Overlay = media.OverlayState(s.overlay.Load())

		au, err := media.ParseAccessUnit(s.codec, data)
		if err != nil || len(au.NALUs) <= 1 {
			// a delimiter without a picture
			sample.Attachments.Incomplete = true
		} else {
			sample.Keyframe = au.Keyframe
		}
		handler(sample)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("Screen capture stream error", "error", err)
		drain(r)
	}
}
