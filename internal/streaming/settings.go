package streaming

import (
	"fmt"
	"time"

	"github.com/smazurov/castnode/internal/media"
)

// Resolution is an output frame size.
type Resolution struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Name   string `json:"name,omitempty"`
}

// Pixels returns the pixel count.
func (r Resolution) Pixels() int {
	return r.Width * r.Height
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// StandardLadder is ordered from largest to smallest.
var StandardLadder = []Resolution{
	{7680, 4320, "4320p"},
	{3840, 2160, "2160p"},
	{2560, 1440, "1440p"},
	{1920, 1080, "1080p"},
	{1280, 720, "720p"},
	{854, 480, "480p"},
	{640, 360, "360p"},
	{426, 240, "240p"},
}

// Scaler shrinks the capture size before it is snapped to the ladder.
type Scaler string

const (
	ScaleOriginal      Scaler = "1x"
	ScaleThreeQuarters Scaler = "0.75x"
	ScaleHalf          Scaler = "0.5x"
	ScaleQuarter       Scaler = "0.25x"
)

// Multiplier returns the factor for the scaler. Unknown values keep the original size.
func (s Scaler) Multiplier() float64 {
	switch s {
	case ScaleThreeQuarters:
		return 0.75
	case ScaleHalf:
		return 0.5
	case ScaleQuarter:
		return 0.25
	default:
		return 1
	}
}

// AudioQuality names a stream audio bitrate.
type AudioQuality string

const (
	AudioLow     AudioQuality = "low"
	AudioNormal  AudioQuality = "normal"
	AudioGood    AudioQuality = "good"
	AudioHigh    AudioQuality = "high"
	AudioExtreme AudioQuality = "extreme"
)

// BitrateKbps maps the quality to a bitrate. Unknown values are normal.
func (q AudioQuality) BitrateKbps() int {
	switch q {
	case AudioLow:
		return 64
	case AudioGood:
		return 192
	case AudioHigh:
		return 256
	case AudioExtreme:
		return 320
	default:
		return 128
	}
}

// Heuristics holds the tunable constants that derive stream settings from the capture.
type Heuristics struct {
	MinDimension     int
	FrameRateDivisor float64
	H264Factor       float64
	H265Factor       float64
	// HiDPIQuality lowers the bitrate for captures of high density displays.
	HiDPIQuality       float64
	MinBitrateKbps     int
	DefaultBitrateKbps int
	KeyframeInterval   time.Duration
	Ladder             []Resolution
}

// DefaultHeuristics are empirical values for desktop content.
var DefaultHeuristics = Heuristics{
	MinDimension:       600,
	FrameRateDivisor:   8,
	H264Factor:         0.9,
	H265Factor:         0.5,
	HiDPIQuality:       0.8,
	MinBitrateKbps:     1000,
	DefaultBitrateKbps: 1000,
	KeyframeInterval:   2 * time.Second,
	Ladder:             StandardLadder,
}

// Resolution scales the capture size, rounds it down to even numbers and
// snaps it to the ladder entry with the closest pixel count.
func (h Heuristics) Resolution(width, height int, scaler Scaler) Resolution {
	m := scaler.Multiplier()
	w := int(float64(width) * m)
	ht := int(float64(height) * m)
	w -= w % 2
	ht -= ht % 2

	if len(h.Ladder) == 0 {
		return Resolution{Width: w, Height: ht}
	}

	pixels := w * ht
	best := h.Ladder[len(h.Ladder)-1]
	bestDiff := -1
	for _, r := range h.Ladder {
		diff := pixels - r.Pixels()
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			best, bestDiff = r, diff
		}
	}
	return best
}

// BitrateKbps estimates the stream video bitrate for an output size.
func (h Heuristics) BitrateKbps(width, height, fps int, codec media.VideoCodec, hidpi bool) int {
	factor := h.H264Factor
	if codec == media.VideoH265 {
		factor = h.H265Factor
	}
	quality := 1.0
	if hidpi {
		quality = h.HiDPIQuality
	}
	pixels := float64(max(h.MinDimension, width)) * float64(max(h.MinDimension, height))
	bps := int(pixels * (float64(fps) / h.FrameRateDivisor) * factor * quality)
	return max(h.MinBitrateKbps, bps/1000)
}

// KeyframeFrames returns the keyframe interval in frames.
func (h Heuristics) KeyframeFrames(fps int) int {
	return max(1, int(h.KeyframeInterval.Seconds()*float64(fps)))
}
