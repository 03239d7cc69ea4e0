package pipeline

import (
	"fmt"
	"time"

	"github.com/smazurov/castnode/internal/capture"
	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/mic"
	"github.com/smazurov/castnode/internal/streaming"
	"github.com/smazurov/castnode/internal/writer"
)

// Build derives the session settings and the real capture, writer, mixer
// and microphone builders from a configuration snapshot.
func Build(id string, cfg config.SessionConfig, now time.Time) (Settings, Components, error) {
	if err := cfg.Validate(); err != nil {
		return Settings{}, Components{}, NewError(ErrCodeUnsupportedConfiguration, "invalid configuration", err)
	}
	c := cfg.Capture

	codec, err := media.ParseVideoCodec(c.Codec)
	if err != nil {
		return Settings{}, Components{}, NewError(ErrCodeUnsupportedConfiguration, "capture codec", err)
	}
	if c.HDR {
		codec = media.VideoH265
	}
	format := media.PCMFormat{SampleRate: c.SampleRate, Channels: c.Channels}
	micFormat := media.PCMFormat{SampleRate: c.SampleRate, Channels: cfg.Mic.Channels}
	audioOnly := c.AudioOnly()

	settings := Settings{
		ID:              id,
		Timeline:        media.KindVideo,
		VideoCodec:      codec,
		Recording:       cfg.Recording.Enabled,
		Streaming:       cfg.Streaming.Enabled,
		RecordingPath:   cfg.RecordingPath(now),
		Endpoint:        streaming.Endpoint{URL: cfg.Streaming.URL, StreamKey: cfg.Streaming.StreamKey},
		FinalizeTimeout: cfg.Recording.FinalizeTimeout(),
	}
	if audioOnly {
		settings.Timeline = media.KindSystemAudio
	}

	var comps Components

	comps.Source = func(clock media.Clock) (capture.Source, error) {
		var sources []capture.Source
		if !audioOnly {
			screen, err := capture.NewScreenSource(screenConfig(cfg, codec), clock, logging.GetLogger("capture"))
			if err != nil {
				return nil, err
			}
			sources = append(sources, screen)
		}
		if c.SystemAudio {
			sys, err := capture.NewSystemAudioSource(capture.SystemAudioConfig{
				Backend: c.AudioBackend,
				Device:  c.AudioDevice,
				Format:  format,
				Options: c.Options,
			}, clock, logging.GetLogger("capture"))
			if err != nil {
				return nil, err
			}
			sources = append(sources, sys)
		}
		return capture.NewGroup(sources...), nil
	}

	comps.Recorder = func(path string) (Recorder, error) {
		var video *writer.VideoParams
		if !audioOnly {
			video = &writer.VideoParams{Codec: codec, Width: c.Width, Height: c.Height, FPS: c.FPS}
		}
		audio := writer.AudioParams{
			Format:           format,
			SystemAudio:      c.SystemAudio,
			Microphone:       cfg.Mic.Enabled,
			MicrophoneFormat: micFormat,
		}
		h, err := writer.NewManager(logging.GetLogger("writer")).Configure(path, video, audio)
		if err != nil {
			return nil, err
		}
		return h, nil
	}

	if cfg.Streaming.URL != "" {
		comps.Streamer = func() (Streamer, error) {
			m, err := newMixer(cfg, codec, format)
			if err != nil {
				return nil, err
			}
			return m, nil
		}
	}

	if cfg.Mic.Enabled {
		ducking, err := mic.ParseDuckingLevel(cfg.Mic.Ducking)
		if err != nil {
			return Settings{}, Components{}, NewError(ErrCodeUnsupportedConfiguration, "mic.ducking", err)
		}
		micCfg := mic.Config{
			Strategy: cfg.Mic.Strategy,
			Device:   cfg.Mic.Device,
			Backend:  cfg.Mic.Backend,
			Format:   micFormat,
			Ducking:  ducking,
			Options:  c.Options,
		}
		comps.Mic = func(gate mic.Gate, clock media.Clock) (mic.Strategy, error) {
			return mic.New(micCfg, gate, clock, logging.GetLogger("mic"))
		}
	}

	return settings, comps, nil
}

func screenConfig(cfg config.SessionConfig, codec media.VideoCodec) capture.ScreenConfig {
	c := cfg.Capture
	bitrate := cfg.Recording.BitrateKbps
	if bitrate <= 0 {
		quality := cfg.Recording.Quality
		if quality <= 0 {
			quality = writer.QualityMedium
		}
		bitrate = writer.FileBitrate(c.Width, c.Height, c.FPS, codec, quality, c.HDR) / 1000
	}
	return capture.ScreenConfig{
		Input:        c.Input,
		Display:      c.Display,
		OffsetX:      c.OffsetX,
		OffsetY:      c.OffsetY,
		Width:        c.Width,
		Height:       c.Height,
		FPS:          c.FPS,
		ShowCursor:   c.ShowCursor,
		Codec:        codec,
		Encoder:      c.Encoder,
		BitrateKbps:  bitrate,
		Preset:       c.Preset,
		GOP:          streaming.DefaultHeuristics.KeyframeFrames(c.FPS),
		GlobalArgs:   c.GlobalArgs,
		VideoFilters: c.VideoFilters,
		Options:      c.Options,
	}
}

func newMixer(cfg config.SessionConfig, codec media.VideoCodec, format media.PCMFormat) (*streaming.Mixer, error) {
	c, sc := cfg.Capture, cfg.Streaming
	m := streaming.NewMixer(logging.GetLogger("mixer"))
	m.PreviewURL = sc.PreviewURL

	if !c.AudioOnly() {
		streamCodec, err := media.ParseVideoCodec(sc.VideoCodec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", streaming.ErrUnsupported, err)
		}
		if _, err := m.ConfigureVideo(streaming.VideoConfig{
			Codec:         streamCodec,
			CaptureWidth:  c.Width,
			CaptureHeight: c.Height,
			FPS:           c.FPS,
			Scaler:        streaming.Scaler(sc.Scaler),
			BitrateKbps:   sc.BitrateKbps,
			HiDPI:         c.HiDPI,
			HDR:           c.HDR,
			Encoder:       sc.Encoder,
			Passthrough:   sc.Passthrough,
		}); err != nil {
			return nil, err
		}
		m.SetInputCodec(codec)
	}

	if c.SystemAudio || cfg.Mic.Enabled {
		audioCodec, err := media.ParseAudioCodec(sc.AudioCodec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", streaming.ErrUnsupported, err)
		}
		if _, err := m.ConfigureAudio(streaming.AudioConfig{
			Codec:   audioCodec,
			Quality: streaming.AudioQuality(sc.AudioQuality),
			Format:  format,
		}); err != nil {
			return nil, err
		}
	}

	if err := m.SetMainTrack(mainTrack(cfg)); err != nil {
		return nil, err
	}
	m.SetMultiTrack(sc.MultiTrack)
	for track, mix := range map[int]config.TrackMixConfig{
		TrackPrimary:     cfg.Mix.Primary,
		TrackSystemAudio: cfg.Mix.SystemAudio,
	} {
		if err := m.SetTrackMix(track, TrackMixFromConfig(mix)); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// mainTrack is the configured clock track, moved to system audio when no
// microphone will ever feed the primary track.
func mainTrack(cfg config.SessionConfig) int {
	main := cfg.Streaming.MainTrack
	if main == TrackPrimary && !cfg.Mic.Enabled && cfg.Capture.SystemAudio {
		return TrackSystemAudio
	}
	return main
}

// TrackMixFromConfig converts a configured mix.
func TrackMixFromConfig(c config.TrackMixConfig) streaming.TrackMix {
	return streaming.TrackMix{Volume: c.Volume, Muted: c.Muted, ChannelMap: c.ChannelMap}
}
