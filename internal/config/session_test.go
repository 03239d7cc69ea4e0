package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadSessionConfig_Missing(t *testing.T) {
	cfg, err := LoadSessionConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("LoadSessionConfig() error = %v", err)
	}
	want := DefaultSessionConfig()
	if cfg.Capture.FPS != want.Capture.FPS || cfg.Recording.Directory != want.Recording.Directory {
		t.Errorf("missing file did not yield defaults: %+v", cfg)
	}
	if !cfg.Streaming.MultiTrack {
		t.Error("multi track should default to true")
	}
}

func TestLoadSessionConfig_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "toml",
			file: "session.toml",
			content: `
[capture]
input = "lavfi"
fps = 60

[streaming]
enabled = true
url = "rtmp://live.example.com/app"
stream_key = "secret"
scaler = "0.5x"

[mix.system_audio]
volume = 0.5
channel_map = [1, 0]
`,
		},
		{
			name: "yaml",
			file: "session.yaml",
			content: `
capture:
  input: lavfi
  fps: 60
streaming:
  enabled: true
  url: rtmp://live.example.com/app
  stream_key: secret
  scaler: 0.5x
mix:
  system_audio:
    volume: 0.5
    channel_map: [1, 0]
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := LoadSessionConfig(path)
			if err != nil {
				t.Fatalf("LoadSessionConfig() error = %v", err)
			}
			if cfg.Capture.Input != "lavfi" || cfg.Capture.FPS != 60 {
				t.Errorf("capture = %+v", cfg.Capture)
			}
			// untouched keys keep their defaults
			if cfg.Capture.Width != 1920 || cfg.Capture.SampleRate != 48000 {
				t.Errorf("defaults lost: %+v", cfg.Capture)
			}
			if !cfg.Streaming.Enabled || cfg.Streaming.StreamKey != "secret" || cfg.Streaming.Scaler != "0.5x" {
				t.Errorf("streaming = %+v", cfg.Streaming)
			}
			if cfg.Mix.SystemAudio.Volume != 0.5 || len(cfg.Mix.SystemAudio.ChannelMap) != 2 {
				t.Errorf("mix = %+v", cfg.Mix.SystemAudio)
			}
			if cfg.Mix.Primary.Volume != 1 {
				t.Errorf("primary volume = %v, want 1", cfg.Mix.Primary.Volume)
			}
		})
	}
}

func TestLoadSessionConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	if err := os.WriteFile(path, []byte("[streaming]\nenabled = true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSessionConfig(path); err == nil || !strings.Contains(err.Error(), "streaming.url") {
		t.Errorf("LoadSessionConfig() error = %v, want streaming.url error", err)
	}
}

func TestSessionConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*SessionConfig)
		wantErr string
	}{
		{"defaults", func(*SessionConfig) {}, ""},
		{"unknown input", func(c *SessionConfig) { c.Capture.Input = "v4l2" }, "capture.input"},
		{"zero fps", func(c *SessionConfig) { c.Capture.FPS = 0 }, "fps"},
		{"audio only", func(c *SessionConfig) { c.Capture.Input = "" }, ""},
		{"audio only without audio", func(c *SessionConfig) {
			c.Capture.Input = ""
			c.Capture.SystemAudio = false
		}, "audio only"},
		{"recording without directory", func(c *SessionConfig) { c.Recording.Directory = "" }, "recording.directory"},
		{"quality out of range", func(c *SessionConfig) { c.Recording.Quality = 1.5 }, "recording.quality"},
		{"upload without bucket", func(c *SessionConfig) { c.Upload.Enabled = true }, "upload.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSessionConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestSessionConfig_Helpers(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.Recording.Directory = "/tmp/rec"
	cfg.Streaming.StreamKey = "live_123"
	cfg.Upload.SecretAccessKey = "s3cret"

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := cfg.RecordingPath(at); got != "/tmp/rec/20260304-050607.mp4" {
		t.Errorf("RecordingPath() = %q", got)
	}
	if got := cfg.Recording.FinalizeTimeout(); got != 10*time.Second {
		t.Errorf("FinalizeTimeout() = %v", got)
	}

	red := cfg.Redacted()
	if red.Streaming.StreamKey == "live_123" || red.Upload.SecretAccessKey != "" {
		t.Errorf("Redacted() leaked credentials: %+v", red.Streaming)
	}
	if cfg.Streaming.StreamKey != "live_123" {
		t.Error("Redacted() modified the receiver")
	}
}
