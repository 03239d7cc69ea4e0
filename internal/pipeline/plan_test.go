package pipeline

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/streaming"
	"github.com/smazurov/castnode/internal/writer"
)

func TestPlanSession(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("recording only", func(t *testing.T) {
		p, err := PlanSession(config.DefaultSessionConfig(), now)
		if err != nil {
			t.Fatalf("PlanSession() error = %v", err)
		}
		if p.Timeline != "video" || p.CaptureCodec != media.VideoH264 || p.FPS != 30 {
			t.Errorf("plan = %+v", p)
		}
		if want := filepath.Join("recordings", "20260101-120000.mp4"); p.RecordingPath != want {
			t.Errorf("RecordingPath = %q, want %q", p.RecordingPath, want)
		}
		if want := writer.FileBitrate(1920, 1080, 30, media.VideoH264, writer.QualityMedium, false) / 1000; p.FileBitrateKbps != want {
			t.Errorf("FileBitrateKbps = %d, want %d", p.FileBitrateKbps, want)
		}
		if p.StreamVideo != nil || p.StreamAudio != nil {
			t.Error("stream planned without an ingest url")
		}
	})

	t.Run("stream", func(t *testing.T) {
		cfg := config.DefaultSessionConfig()
		cfg.Streaming.URL = "rtmp://live.example.com/app"
		cfg.Streaming.StreamKey = "live_123"
		cfg.Streaming.Scaler = string(streaming.ScaleHalf)

		p, err := PlanSession(cfg, now)
		if err != nil {
			t.Fatalf("PlanSession() error = %v", err)
		}
		if p.Endpoint != "rtmp://live.example.com/app/****" {
			t.Errorf("Endpoint = %q", p.Endpoint)
		}
		if p.StreamVideo == nil || p.StreamVideo.Resolution.Name != "480p" {
			t.Fatalf("StreamVideo = %+v", p.StreamVideo)
		}
		want := streaming.DefaultHeuristics.BitrateKbps(854, 480, 30, media.VideoH264, false)
		if p.StreamVideo.BitrateKbps != want {
			t.Errorf("stream bitrate = %d, want %d", p.StreamVideo.BitrateKbps, want)
		}
		if p.StreamAudio == nil || p.StreamAudio.Codec != media.AudioAAC || p.StreamAudio.BitrateKbps != 128 {
			t.Errorf("StreamAudio = %+v", p.StreamAudio)
		}
		if len(p.TrackMixes) != 2 {
			t.Errorf("TrackMixes = %+v", p.TrackMixes)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		cfg := config.DefaultSessionConfig()
		cfg.Capture.Input = "vnc"
		_, err := PlanSession(cfg, now)
		var pe *Error
		if !errors.As(err, &pe) || pe.Code != ErrCodeUnsupportedConfiguration {
			t.Errorf("PlanSession() error = %v, want unsupported configuration", err)
		}
	})
}
