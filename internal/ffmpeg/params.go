package ffmpeg

// Capture input formats understood by BuildScreenCommand.
const (
	InputX11Grab = "x11grab"
	InputKMSGrab = "kmsgrab"
	InputLavfi   = "lavfi" // test pattern
)

// ScreenParams describes a screen capture encoded to an Annex-B elementary stream on stdout.
type ScreenParams struct {
	// Input Configuration
	InputFormat string // x11grab, kmsgrab or lavfi
	Display     string // :0.0, /dev/dri/card0
	OffsetX     int
	OffsetY     int
	Width       int // capture size
	Height      int
	FPS         int
	ShowCursor  bool
	TestOverlay string // text drawn on the lavfi test pattern

	// Output size after scaling (0 = capture size)
	OutputWidth  int
	OutputHeight int

	// Encoder Configuration
	Codec       string // h264 or h265
	Encoder     string // libx264, h264_vaapi, ... (empty = software encoder for Codec)
	BitrateKbps int
	Preset      string
	GOP         int // keyframe interval in frames

	// Hardware Acceleration
	GlobalArgs   []string // -vaapi_device, etc.
	VideoFilters string   // format=nv12,hwupload

	// Behavior Options
	Options []OptionType
}

// AudioCaptureParams describes a PCM capture written as s16le to stdout.
type AudioCaptureParams struct {
	Format     string // pulse or alsa
	Device     string // pulse source name, default, hw:1,0
	SampleRate int
	Channels   int
	// FrameSize is the number of frames per read from the device. 0 leaves the device default.
	FrameSize int
	Options   []OptionType
}

// PublishParams describes the publisher reading encoded video and mixed PCM
// from inherited pipes and sending them to a network endpoint.
type PublishParams struct {
	VideoFD    int    // 0 = no video
	InputCodec string // codec on the pipe, defaults to VideoCodec
	VideoCodec string
	FPS        int

	// Transcode settings. A zero VideoBitrateKbps copies the input stream.
	VideoEncoder     string
	Width            int
	Height           int
	VideoBitrateKbps int
	GOP              int

	AudioFD          int // 0 = no audio
	SampleRate       int
	Channels         int
	AudioCodec       string // aac or opus
	AudioBitrateKbps int

	ProgressFD int // 0 = no progress reporting

	URL        string
	PreviewURL string // optional local RTSP preview copy
}

// SnapshotParams describes a one-shot decode of a single access unit to JPEG.
type SnapshotParams struct {
	Codec      string
	InputPath  string // "-" reads the access unit from stdin
	OutputPath string // "-" writes the JPEG to stdout
	Width      int    // 0 keeps the source size
	Quality    int    // mjpeg qscale, 2 (best) to 31
}
