package streaming

import (
	"testing"

	"github.com/smazurov/castnode/internal/media"
)

func TestHeuristicsResolution(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		scaler Scaler
		want   Resolution
	}{
		{"1080p passes", 1920, 1080, ScaleOriginal, Resolution{1920, 1080, "1080p"}},
		{"odd size rounds down", 1921, 1081, ScaleOriginal, Resolution{1920, 1080, "1080p"}},
		{"16:10 snaps to 1440p", 2560, 1600, ScaleOriginal, Resolution{2560, 1440, "1440p"}},
		{"retina half", 3024, 1964, ScaleHalf, Resolution{1280, 720, "720p"}},
		{"quarter of 4k", 3840, 2160, ScaleQuarter, Resolution{854, 480, "480p"}},
		{"three quarters", 2560, 1440, ScaleThreeQuarters, Resolution{1920, 1080, "1080p"}},
		{"unknown scaler is original", 1280, 720, Scaler("3x"), Resolution{1280, 720, "720p"}},
		{"tiny window", 100, 100, ScaleOriginal, Resolution{426, 240, "240p"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultHeuristics.Resolution(tt.w, tt.h, tt.scaler); got != tt.want {
				t.Errorf("Resolution() = %+v, want %+v", got, tt.want)
			}
		})
	}

	noLadder := DefaultHeuristics
	noLadder.Ladder = nil
	if got := noLadder.Resolution(1001, 701, ScaleOriginal); got.Width != 1000 || got.Height != 700 {
		t.Errorf("Resolution() without ladder = %v, want 1000x700", got)
	}
}

func TestHeuristicsBitrate(t *testing.T) {
	tests := []struct {
		name  string
		w, h  int
		fps   int
		codec media.VideoCodec
		hidpi bool
		want  int
	}{
		// 1920*1080*(30/8)*0.9 = 6998400 bit/s
		{"h264 1080p30", 1920, 1080, 30, media.VideoH264, false, 6998},
		{"h265 1080p30", 1920, 1080, 30, media.VideoH265, false, 3888},
		{"hidpi", 1920, 1080, 30, media.VideoH264, true, 5598},
		{"small sizes use min dimension", 426, 240, 30, media.VideoH264, false, 1215},
		{"floor", 426, 240, 5, media.VideoH265, false, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultHeuristics.BitrateKbps(tt.w, tt.h, tt.fps, tt.codec, tt.hidpi); got != tt.want {
				t.Errorf("BitrateKbps() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestKeyframeFrames(t *testing.T) {
	if got := DefaultHeuristics.KeyframeFrames(30); got != 60 {
		t.Errorf("KeyframeFrames(30) = %d, want 60", got)
	}
	if got := DefaultHeuristics.KeyframeFrames(0); got != 1 {
		t.Errorf("KeyframeFrames(0) = %d, want 1", got)
	}
}

func TestAudioQualityBitrate(t *testing.T) {
	tests := map[AudioQuality]int{
		AudioLow:     64,
		AudioNormal:  128,
		AudioGood:    192,
		AudioHigh:    256,
		AudioExtreme: 320,
		"":           128,
		"loud":       128,
	}
	for q, want := range tests {
		if got := q.BitrateKbps(); got != want {
			t.Errorf("%q.BitrateKbps() = %d, want %d", q, got, want)
		}
	}
}
