package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/smazurov/castnode/internal/ffmpeg"
)

// SessionConfig is the snapshot a capture session is built from.
type SessionConfig struct {
	Capture   CaptureConfig   `toml:"capture" yaml:"capture" json:"capture"`
	Recording RecordingConfig `toml:"recording" yaml:"recording" json:"recording"`
	Streaming StreamingConfig `toml:"streaming" yaml:"streaming" json:"streaming"`
	Mic       MicConfig       `toml:"mic" yaml:"mic" json:"mic"`
	Mix       MixConfig       `toml:"mix" yaml:"mix" json:"mix"`
	Upload    UploadConfig    `toml:"upload" yaml:"upload" json:"upload"`
}

// CaptureConfig describes the capture source.
type CaptureConfig struct {
	// Input is x11grab, kmsgrab or lavfi. Empty disables video (audio only).
	Input      string `toml:"input" yaml:"input" json:"input"`
	Display    string `toml:"display,omitempty" yaml:"display,omitempty" json:"display,omitempty"`
	Width      int    `toml:"width" yaml:"width" json:"width"`
	Height     int    `toml:"height" yaml:"height" json:"height"`
	OffsetX    int    `toml:"offset_x,omitempty" yaml:"offset_x,omitempty" json:"offset_x,omitempty"`
	OffsetY    int    `toml:"offset_y,omitempty" yaml:"offset_y,omitempty" json:"offset_y,omitempty"`
	FPS        int    `toml:"fps" yaml:"fps" json:"fps"`
	ShowCursor bool   `toml:"show_cursor" yaml:"show_cursor" json:"show_cursor"`
	HiDPI      bool   `toml:"hidpi" yaml:"hidpi" json:"hidpi"`
	HDR        bool   `toml:"hdr" yaml:"hdr" json:"hdr"`

	Codec        string              `toml:"codec" yaml:"codec" json:"codec"`
	Encoder      string              `toml:"encoder,omitempty" yaml:"encoder,omitempty" json:"encoder,omitempty"`
	Preset       string              `toml:"preset,omitempty" yaml:"preset,omitempty" json:"preset,omitempty"`
	GlobalArgs   []string            `toml:"global_args,omitempty" yaml:"global_args,omitempty" json:"global_args,omitempty"`
	VideoFilters string              `toml:"video_filters,omitempty" yaml:"video_filters,omitempty" json:"video_filters,omitempty"`
	Options      []ffmpeg.OptionType `toml:"ffmpeg_options,omitempty" yaml:"ffmpeg_options,omitempty" json:"ffmpeg_options,omitempty"`

	SystemAudio  bool   `toml:"system_audio" yaml:"system_audio" json:"system_audio"`
	AudioBackend string `toml:"audio_backend,omitempty" yaml:"audio_backend,omitempty" json:"audio_backend,omitempty"`
	AudioDevice  string `toml:"audio_device,omitempty" yaml:"audio_device,omitempty" json:"audio_device,omitempty"`
	SampleRate   int    `toml:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
	Channels     int    `toml:"channels" yaml:"channels" json:"channels"`
}

// AudioOnly reports whether the session captures no video.
func (c CaptureConfig) AudioOnly() bool {
	return c.Input == ""
}

// RecordingConfig describes the local file.
type RecordingConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Directory string `toml:"directory" yaml:"directory" json:"directory"`
	// Quality in (0, 1] scales the file bitrate.
	Quality float64 `toml:"quality" yaml:"quality" json:"quality"`
	// BitrateKbps overrides the derived file bitrate.
	BitrateKbps     int `toml:"bitrate_kbps,omitempty" yaml:"bitrate_kbps,omitempty" json:"bitrate_kbps,omitempty"`
	FinalizeSeconds int `toml:"finalize_timeout_seconds" yaml:"finalize_timeout_seconds" json:"finalize_timeout_seconds"`
}

// FinalizeTimeout bounds the writer finalization on stop.
func (r RecordingConfig) FinalizeTimeout() time.Duration {
	return time.Duration(r.FinalizeSeconds) * time.Second
}

// StreamingConfig describes the network stream.
type StreamingConfig struct {
	Enabled      bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	URL          string `toml:"url" yaml:"url" json:"url"`
	StreamKey    string `toml:"stream_key" yaml:"stream_key" json:"-"`
	VideoCodec   string `toml:"video_codec" yaml:"video_codec" json:"video_codec"`
	AudioCodec   string `toml:"audio_codec" yaml:"audio_codec" json:"audio_codec"`
	Scaler       string `toml:"scaler" yaml:"scaler" json:"scaler"`
	BitrateKbps  int    `toml:"bitrate_kbps,omitempty" yaml:"bitrate_kbps,omitempty" json:"bitrate_kbps,omitempty"`
	AudioQuality string `toml:"audio_quality" yaml:"audio_quality" json:"audio_quality"`
	Encoder      string `toml:"encoder,omitempty" yaml:"encoder,omitempty" json:"encoder,omitempty"`
	Passthrough  bool   `toml:"passthrough" yaml:"passthrough" json:"passthrough"`
	MultiTrack   bool   `toml:"multi_track" yaml:"multi_track" json:"multi_track"`
	// MainTrack is the audio track that drives the stream clock.
	MainTrack int `toml:"main_track" yaml:"main_track" json:"main_track"`
	// PreviewURL receives a copy of the stream for the local preview relay.
	PreviewURL string `toml:"preview_url,omitempty" yaml:"preview_url,omitempty" json:"preview_url,omitempty"`
}

// MicConfig describes the microphone capture.
type MicConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Strategy   string `toml:"strategy" yaml:"strategy" json:"strategy"`
	Device     string `toml:"device,omitempty" yaml:"device,omitempty" json:"device,omitempty"`
	Backend    string `toml:"backend,omitempty" yaml:"backend,omitempty" json:"backend,omitempty"`
	SampleRate int    `toml:"sample_rate" yaml:"sample_rate" json:"sample_rate"`
	Channels   int    `toml:"channels" yaml:"channels" json:"channels"`
	Ducking    string `toml:"ducking" yaml:"ducking" json:"ducking"`
}

// TrackMixConfig is the mix of one stream audio track.
type TrackMixConfig struct {
	Volume     float64 `toml:"volume" yaml:"volume" json:"volume"`
	Muted      bool    `toml:"muted" yaml:"muted" json:"muted"`
	ChannelMap []int   `toml:"channel_map,omitempty" yaml:"channel_map,omitempty" json:"channel_map,omitempty"`
}

// MixConfig holds the stream track mixes. The primary track carries the
// microphone, the system audio track what the system plays.
type MixConfig struct {
	Primary     TrackMixConfig `toml:"primary" yaml:"primary" json:"primary"`
	SystemAudio TrackMixConfig `toml:"system_audio" yaml:"system_audio" json:"system_audio"`
}

// UploadConfig describes the optional upload of finished recordings to S3 compatible storage.
type UploadConfig struct {
	Enabled         bool   `toml:"enabled" yaml:"enabled" json:"enabled"`
	Bucket          string `toml:"bucket" yaml:"bucket" json:"bucket"`
	Prefix          string `toml:"prefix,omitempty" yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Region          string `toml:"region,omitempty" yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint        string `toml:"endpoint,omitempty" yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `toml:"access_key_id,omitempty" yaml:"access_key_id,omitempty" json:"-"`
	SecretAccessKey string `toml:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty" json:"-"`
	UsePathStyle    bool   `toml:"use_path_style" yaml:"use_path_style" json:"use_path_style"`
	DeleteAfter     bool   `toml:"delete_after_upload" yaml:"delete_after_upload" json:"delete_after_upload"`
}

// DefaultSessionConfig returns the settings used for anything a file leaves out.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Capture: CaptureConfig{
			Input:       ffmpeg.InputX11Grab,
			Display:     ":0.0",
			Width:       1920,
			Height:      1080,
			FPS:         30,
			Codec:       "h264",
			Preset:      "veryfast",
			SystemAudio: true,
			SampleRate:  48000,
			Channels:    2,
			Options:     ffmpeg.GetDefaultOptions(),
		},
		Recording: RecordingConfig{
			Enabled:         true,
			Directory:       "recordings",
			Quality:         0.7,
			FinalizeSeconds: 10,
		},
		Streaming: StreamingConfig{
			VideoCodec:   "h264",
			AudioCodec:   "aac",
			Scaler:       "1x",
			AudioQuality: "normal",
			MultiTrack:   true,
		},
		Mic: MicConfig{
			Strategy:   "echo_cancel",
			SampleRate: 48000,
			Channels:   1,
			Ducking:    "mid",
		},
		Mix: MixConfig{
			Primary:     TrackMixConfig{Volume: 1},
			SystemAudio: TrackMixConfig{Volume: 1},
		},
	}
}

// LoadSessionConfig reads a TOML or YAML session file on top of the defaults.
// A missing file yields the defaults.
func LoadSessionConfig(path string) (SessionConfig, error) {
	cfg := DefaultSessionConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read session config: %w", err)
	}
	if err := unmarshalFile(path, data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot be corrected later.
func (c SessionConfig) Validate() error {
	var errs []error
	if !c.Capture.AudioOnly() {
		switch c.Capture.Input {
		case ffmpeg.InputX11Grab, ffmpeg.InputKMSGrab, ffmpeg.InputLavfi:
		default:
			errs = append(errs, fmt.Errorf("capture.input: unknown input %q", c.Capture.Input))
		}
		if c.Capture.Width <= 0 || c.Capture.Height <= 0 || c.Capture.FPS <= 0 {
			errs = append(errs, fmt.Errorf("capture: size and fps must be positive"))
		}
	} else if !c.Capture.SystemAudio {
		errs = append(errs, errors.New("capture: audio only session needs system_audio"))
	}
	if c.Recording.Enabled && c.Recording.Directory == "" {
		errs = append(errs, errors.New("recording.directory is required"))
	}
	if c.Recording.Quality < 0 || c.Recording.Quality > 1 {
		errs = append(errs, fmt.Errorf("recording.quality %v outside [0, 1]", c.Recording.Quality))
	}
	if c.Streaming.Enabled && c.Streaming.URL == "" {
		errs = append(errs, errors.New("streaming.url is required"))
	}
	if c.Upload.Enabled && c.Upload.Bucket == "" {
		errs = append(errs, errors.New("upload.bucket is required"))
	}
	if err := ffmpeg.ValidateOptions(c.Capture.Options); err != nil {
		errs = append(errs, fmt.Errorf("capture.ffmpeg_options: %w", err))
	}
	return errors.Join(errs...)
}

// RecordingPath returns the file for a session started at t.
func (c SessionConfig) RecordingPath(t time.Time) string {
	name := t.Format("20060102-150405") + ".mp4"
	return filepath.Join(c.Recording.Directory, name)
}

// Redacted returns a copy without credentials, for logs.
func (c SessionConfig) Redacted() SessionConfig {
	if c.Streaming.StreamKey != "" {
		c.Streaming.StreamKey = strings.Repeat("*", 4)
	}
	c.Upload.AccessKeyID = ""
	c.Upload.SecretAccessKey = ""
	return c
}
