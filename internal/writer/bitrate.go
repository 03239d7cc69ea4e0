package writer

import (
	"math"

	"github.com/smazurov/castnode/internal/media"
)

// Quality presets accepted by FileBitrate.
const (
	QualityLow    = 0.3
	QualityMedium = 0.7
	QualityHigh   = 1.0
)

// FileHeuristics holds the tunable constants of the recording bitrate estimate.
type FileHeuristics struct {
	MinDimension     int
	FrameRateDivisor float64
	H264Factor       float64
	H265Factor       float64
	// DampeningDivisor scales log10(sqrt(pixels)*fps/divisor) in the quality curve.
	DampeningDivisor float64
	LowFloor         float64
	MediumFloor      float64
	MediumCeiling    float64
	MediumGain       float64
	HDRMultiplier    float64
	MinBitrate       int
}

// DefaultFileHeuristics are empirical values tuned for desktop capture.
var DefaultFileHeuristics = FileHeuristics{
	MinDimension:     600,
	FrameRateDivisor: 8,
	H264Factor:       0.9,
	H265Factor:       0.5,
	DampeningDivisor: 5,
	LowFloor:         0.1,
	MediumFloor:      0.4,
	MediumCeiling:    0.6,
	MediumGain:       3,
	HDRMultiplier:    2,
	MinBitrate:       200_000,
}

// FileBitrate estimates the recording bitrate in bit/s for a capture size.
// HDR recordings always use H.265 efficiency.
func (h FileHeuristics) FileBitrate(width, height, fps int, codec media.VideoCodec, quality float64, hdr bool) int {
	perFrame := float64(fps) / h.FrameRateDivisor
	factor := h.H264Factor
	if codec == media.VideoH265 || hdr {
		factor = h.H265Factor
	}
	pixels := float64(max(h.MinDimension, width)) * float64(max(h.MinDimension, height))

	q := 1 - math.Log10(math.Sqrt(pixels)*perFrame)/h.DampeningDivisor
	switch quality {
	case QualityLow:
		q = math.Max(h.LowFloor, q)
	case QualityMedium:
		q = math.Max(h.MediumFloor, math.Min(h.MediumCeiling, q*h.MediumGain))
	default:
		q = 1
	}

	target := pixels * perFrame * factor * q
	if hdr {
		target *= h.HDRMultiplier
	}
	return max(h.MinBitrate, int(target))
}

// FileBitrate uses DefaultFileHeuristics.
func FileBitrate(width, height, fps int, codec media.VideoCodec, quality float64, hdr bool) int {
	return DefaultFileHeuristics.FileBitrate(width, height, fps, codec, quality, hdr)
}
