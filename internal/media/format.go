package media

import (
	"fmt"
	"strings"
)

// VideoCodec is a video coding format carried in samples and accepted by sinks.
type VideoCodec string

// Supported video codecs.
const (
	VideoH264 VideoCodec = "h264"
	VideoH265 VideoCodec = "h265"
)

// ParseVideoCodec accepts "h264"/"avc" and "h265"/"hevc".
func ParseVideoCodec(s string) (VideoCodec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h264", "avc", "":
		return VideoH264, nil
	case "h265", "hevc":
		return VideoH265, nil
	}
	return "", fmt.Errorf("unsupported video codec %q", s)
}

// AudioCodec is an encoded audio format used by the streaming sink.
type AudioCodec string

// Supported audio codecs.
const (
	AudioAAC  AudioCodec = "aac"
	AudioOpus AudioCodec = "opus"
)

// ParseAudioCodec accepts "aac" and "opus".
func ParseAudioCodec(s string) (AudioCodec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aac", "":
		return AudioAAC, nil
	case "opus":
		return AudioOpus, nil
	}
	return "", fmt.Errorf("unsupported audio codec %q", s)
}

// PCMFormat describes interleaved signed 16-bit little-endian audio.
type PCMFormat struct {
	SampleRate int
	Channels   int
}

// DefaultPCM is the format every audio path is normalized to.
var DefaultPCM = PCMFormat{SampleRate: 48000, Channels: 2}

// BytesPerFrame returns the size of one interleaved frame.
func (f PCMFormat) BytesPerFrame() int {
	return 2 * f.Channels
}

// FrameDuration returns the duration covered by n frames.
func (f PCMFormat) FrameDuration(n int) Time {
	if f.SampleRate <= 0 {
		return Zero
	}
	return NewTime(int64(n), int64(f.SampleRate))
}

// Valid reports whether the format has a positive rate and channel count.
func (f PCMFormat) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}
