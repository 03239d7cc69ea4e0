package pipeline

import (
	"time"

	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/streaming"
)

// Plan is what a session started from a configuration would produce,
// derived without launching anything.
type Plan struct {
	Timeline        string                     `json:"timeline"`
	CaptureCodec    media.VideoCodec           `json:"capture_codec,omitempty"`
	Capture         streaming.Resolution       `json:"capture"`
	FPS             int                        `json:"fps,omitempty"`
	Recording       bool                       `json:"recording"`
	RecordingPath   string                     `json:"recording_path,omitempty"`
	FileBitrateKbps int                        `json:"file_bitrate_kbps,omitempty"`
	Streaming       bool                       `json:"streaming"`
	Endpoint        string                     `json:"endpoint,omitempty"`
	StreamVideo     *streaming.VideoSettings   `json:"stream_video,omitempty"`
	StreamAudio     *streaming.AudioSettings   `json:"stream_audio,omitempty"`
	TrackMixes      map[int]streaming.TrackMix `json:"track_mixes,omitempty"`
	Microphone      string                     `json:"microphone,omitempty"`
}

// PlanSession resolves the settings Build would use at now. The stream
// side is planned whenever an ingest URL is configured, even if streaming
// is currently disabled, since it can be enabled at runtime.
func PlanSession(cfg config.SessionConfig, now time.Time) (Plan, error) {
	settings, comps, err := Build(now.Format("20060102-150405"), cfg, now)
	if err != nil {
		return Plan{}, err
	}

	p := Plan{
		Timeline:  settings.Timeline.String(),
		Recording: settings.Recording,
		Streaming: settings.Streaming,
		Endpoint:  settings.Endpoint.Redacted(),
	}
	if settings.Recording {
		p.RecordingPath = settings.RecordingPath
	}
	if !cfg.Capture.AudioOnly() {
		c := cfg.Capture
		p.CaptureCodec = settings.VideoCodec
		p.Capture = streaming.Resolution{Width: c.Width, Height: c.Height}
		p.FPS = c.FPS
		p.FileBitrateKbps = screenConfig(cfg, settings.VideoCodec).BitrateKbps
	}
	if cfg.Mic.Enabled {
		p.Microphone = cfg.Mic.Strategy
	}

	if comps.Streamer != nil {
		format := media.PCMFormat{SampleRate: cfg.Capture.SampleRate, Channels: cfg.Capture.Channels}
		m, err := newMixer(cfg, settings.VideoCodec, format)
		if err != nil {
			return Plan{}, setupError(err)
		}
		p.StreamVideo, p.StreamAudio = m.Settings()
		p.TrackMixes = m.TrackMixes()
	}
	return p, nil
}
