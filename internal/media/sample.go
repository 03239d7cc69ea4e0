package media

import "fmt"

// Kind identifies which capture output produced a sample.
type Kind int

// Sample kinds.
const (
	KindUnknown Kind = iota
	KindVideo
	KindSystemAudio
	KindMicrophone
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindSystemAudio:
		return "system_audio"
	case KindMicrophone:
		return "microphone"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// IsAudio reports whether the kind carries PCM audio.
func (k Kind) IsAudio() bool {
	return k == KindSystemAudio || k == KindMicrophone
}

// OverlayState is the presenter overlay layout attached to a video frame.
type OverlayState int

// Presenter overlay states.
const (
	OverlayOff OverlayState = iota
	OverlaySmall
	OverlayBig
)

func (o OverlayState) String() string {
	switch o {
	case OverlaySmall:
		return "small"
	case OverlayBig:
		return "big"
	default:
		return "off"
	}
}

// Attachments carries per-frame metadata delivered by the capture backend.
type Attachments struct {
	// Incomplete marks frames the backend delivered without a finished picture (idle, blank, suspended).
	Incomplete bool
	Overlay    OverlayState
}

// Sample is one timestamped unit of audio or video payload.
// Samples are never mutated after creation; derive new ones with WithPTS.
type Sample struct {
	Kind     Kind
	PTS      Time
	Duration Time

	// Data is an Annex-B access unit for video or interleaved s16le PCM for audio.
	Data []byte

	// Frames is the number of PCM frames in an audio payload.
	Frames int

	// Keyframe is set for video access units containing a random access point.
	Keyframe bool

	Attachments Attachments
}

// WithPTS returns a copy of the sample carrying a new presentation timestamp.
// The payload is shared, not copied.
func (s *Sample) WithPTS(pts Time) *Sample {
	c := *s
	c.PTS = pts
	return &c
}

// End returns PTS+Duration when the duration is positive, otherwise PTS.
func (s *Sample) End() Time {
	if s.Duration.Positive() {
		return s.PTS.Add(s.Duration)
	}
	return s.PTS
}
