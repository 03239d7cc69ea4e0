package ffmpeg

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// LogLevelArgs makes ffmpeg prefix every log line with its level for ParseLogLevel.
const LogLevelArgs = "-loglevel level+info -nostats"

var (
	errMissingSize   = errors.New("capture size is required")
	errMissingFPS    = errors.New("frame rate is required")
	errMissingURL    = errors.New("output url is required")
	errMissingInputs = errors.New("at least one input pipe is required")
)

// BuildScreenCommand builds the screen capture command. The encoded stream
// carries access unit delimiters and repeats parameter sets on every keyframe
// so the consumer can cut it into self-describing access units.
func BuildScreenCommand(p *ScreenParams) (string, error) {
	if p.Width <= 0 || p.Height <= 0 {
		return "", errMissingSize
	}
	if p.FPS <= 0 {
		return "", errMissingFPS
	}
	hevc := p.Codec == "h265"

	var cmd strings.Builder
	cmd.WriteString(Base())
	cmd.WriteString(" " + LogLevelArgs)

	for _, arg := range p.GlobalArgs {
		cmd.WriteString(" " + arg)
	}

	var videoFilterChain []string
	switch p.InputFormat {
	case InputLavfi:
		// -re keeps the generator at native frame rate
		cmd.WriteString(" -re -f lavfi")
		cmd.WriteString(fmt.Sprintf(" -i \"testsrc2=size=%dx%d:rate=%d\"", p.Width, p.Height, p.FPS))
		if p.TestOverlay != "" {
			videoFilterChain = append(videoFilterChain, fmt.Sprintf("drawtext=text='%s':x=(w-text_w)/2:y=(h-text_h)/2:fontsize=96:fontcolor=white:box=1:boxcolor=black@0.5:boxborderw=5", p.TestOverlay))
		}
	case InputKMSGrab:
		ApplyOptionsToCommand(p.Options, &cmd)
		cmd.WriteString(" -device " + p.Display)
		cmd.WriteString(fmt.Sprintf(" -framerate %d", p.FPS))
		// kmsgrab captures the whole plane; frames stay on the GPU until VideoFilters maps them
		cmd.WriteString(" -f kmsgrab -i -")
	default:
		ApplyOptionsToCommand(p.Options, &cmd)
		cmd.WriteString(" -f x11grab")
		if !p.ShowCursor {
			cmd.WriteString(" -draw_mouse 0")
		}
		cmd.WriteString(fmt.Sprintf(" -framerate %d", p.FPS))
		cmd.WriteString(fmt.Sprintf(" -video_size %dx%d", p.Width, p.Height))
		display := p.Display
		if display == "" {
			display = ":0.0"
		}
		cmd.WriteString(fmt.Sprintf(" -i %s+%d,%d", display, p.OffsetX, p.OffsetY))
	}

	if p.OutputWidth > 0 && p.OutputHeight > 0 && (p.OutputWidth != p.Width || p.OutputHeight != p.Height) {
		videoFilterChain = append(videoFilterChain, fmt.Sprintf("scale=%d:%d", p.OutputWidth, p.OutputHeight))
	}
	if p.VideoFilters != "" {
		videoFilterChain = append(videoFilterChain, p.VideoFilters)
	} else if !isHardwareEncoder(p.Encoder) {
		videoFilterChain = append(videoFilterChain, "format=yuv420p")
	}
	if len(videoFilterChain) > 0 {
		cmd.WriteString(" -vf " + strings.Join(videoFilterChain, ","))
	}

	encoder := p.Encoder
	if encoder == "" {
		encoder = "libx264"
		if hevc {
			encoder = "libx265"
		}
	}
	cmd.WriteString(" -c:v " + encoder)

	if p.BitrateKbps > 0 {
		cmd.WriteString(fmt.Sprintf(" -b:v %dk -maxrate %dk -bufsize %dk", p.BitrateKbps, p.BitrateKbps, p.BitrateKbps*2))
	}
	if p.Preset != "" && !isHardwareEncoder(encoder) {
		cmd.WriteString(" -preset " + p.Preset)
	}

	gop := p.GOP
	if gop <= 0 {
		gop = p.FPS * 2
	}
	cmd.WriteString(fmt.Sprintf(" -g %d -keyint_min %d -bf 0", gop, gop))

	if !isHardwareEncoder(encoder) {
		cmd.WriteString(" -tune zerolatency -sc_threshold 0")
		if hevc {
			cmd.WriteString(" -x265-params repeat-headers=1")
		} else {
			cmd.WriteString(" -x264-params repeat-headers=1")
		}
	}

	if hevc {
		cmd.WriteString(" -bsf:v hevc_metadata=aud=insert -f hevc pipe:1")
	} else {
		cmd.WriteString(" -bsf:v h264_metadata=aud=insert -f h264 pipe:1")
	}
	return cmd.String(), nil
}

// BuildAudioCaptureCommand builds a PCM capture writing interleaved s16le to stdout.
func BuildAudioCaptureCommand(p *AudioCaptureParams) (string, error) {
	if p.Device == "" {
		return "", errors.New("audio device is required")
	}
	format := p.Format
	if format == "" {
		format = "pulse"
	}

	var cmd strings.Builder
	cmd.WriteString(Base())
	cmd.WriteString(" " + LogLevelArgs)
	ApplyOptionsToCommand(p.Options, &cmd)
	if !slices.Contains(p.Options, OptionThreadQueue1024) && !slices.Contains(p.Options, OptionThreadQueue4096) {
		cmd.WriteString(" -thread_queue_size 1024")
	}

	cmd.WriteString(" -f " + format)
	if p.FrameSize > 0 && format == "pulse" {
		cmd.WriteString(fmt.Sprintf(" -fragment_size %d", p.FrameSize*p.Channels*2))
	}
	cmd.WriteString(fmt.Sprintf(" -sample_rate %d -channels %d", p.SampleRate, p.Channels))
	cmd.WriteString(" -i " + p.Device)
	cmd.WriteString(fmt.Sprintf(" -f s16le -ar %d -ac %d pipe:1", p.SampleRate, p.Channels))
	return cmd.String(), nil
}

// BuildPublishCommand builds the publisher. Video is copied, audio is encoded.
func BuildPublishCommand(p *PublishParams) (string, error) {
	if p.URL == "" {
		return "", errMissingURL
	}
	if p.VideoFD == 0 && p.AudioFD == 0 {
		return "", errMissingInputs
	}

	var cmd strings.Builder
	cmd.WriteString(Base())
	cmd.WriteString(" " + LogLevelArgs)

	if p.ProgressFD > 0 {
		cmd.WriteString(fmt.Sprintf(" -progress pipe:%d", p.ProgressFD))
	}

	var maps []string
	input := 0
	if p.VideoFD > 0 {
		demuxer := "h264"
		if codec := p.InputCodec; codec == "h265" || codec == "" && p.VideoCodec == "h265" {
			demuxer = "hevc"
		}
		cmd.WriteString(" -thread_queue_size 512 -use_wallclock_as_timestamps 1")
		cmd.WriteString(fmt.Sprintf(" -f %s -framerate %d -i pipe:%d", demuxer, p.FPS, p.VideoFD))
		maps = append(maps, fmt.Sprintf("-map %d:v", input))
		input++
	}
	if p.AudioFD > 0 {
		// both pipes are stamped on arrival so they share a clock
		cmd.WriteString(" -thread_queue_size 1024 -use_wallclock_as_timestamps 1")
		cmd.WriteString(fmt.Sprintf(" -f s16le -ar %d -ac %d -i pipe:%d", p.SampleRate, p.Channels, p.AudioFD))
		maps = append(maps, fmt.Sprintf("-map %d:a", input))
	}
	cmd.WriteString(" " + strings.Join(maps, " "))

	if p.VideoFD > 0 {
		writeStreamEncoder(&cmd, p)
	}
	if p.AudioFD > 0 {
		if p.AudioCodec == "opus" {
			cmd.WriteString(" -c:a libopus")
		} else {
			cmd.WriteString(" -c:a aac")
		}
		cmd.WriteString(fmt.Sprintf(" -b:a %dk", p.AudioBitrateKbps))
	}

	format := OutputFormat(p.URL)
	if p.PreviewURL == "" {
		cmd.WriteString(outputArgs(format))
		cmd.WriteString(" " + p.URL)
		return cmd.String(), nil
	}

	// one encode, two outputs
	cmd.WriteString(" -f tee")
	cmd.WriteString(fmt.Sprintf(" \"[f=%s%s]%s|[f=rtsp:rtsp_transport=tcp:onfail=ignore]%s\"",
		format, teeOptions(format), p.URL, p.PreviewURL))
	return cmd.String(), nil
}

func writeStreamEncoder(cmd *strings.Builder, p *PublishParams) {
	if p.VideoBitrateKbps <= 0 {
		cmd.WriteString(" -c:v copy")
		return
	}
	encoder := p.VideoEncoder
	if encoder == "" {
		encoder = "libx264"
		if p.VideoCodec == "h265" {
			encoder = "libx265"
		}
	}
	if p.Width > 0 && p.Height > 0 {
		cmd.WriteString(fmt.Sprintf(" -vf scale=%d:%d", p.Width, p.Height))
	}
	cmd.WriteString(" -c:v " + encoder)
	cmd.WriteString(fmt.Sprintf(" -b:v %dk -maxrate %dk -bufsize %dk", p.VideoBitrateKbps, p.VideoBitrateKbps, p.VideoBitrateKbps*2))
	gop := p.GOP
	if gop <= 0 {
		gop = p.FPS * 2
	}
	cmd.WriteString(fmt.Sprintf(" -g %d -keyint_min %d -bf 0", gop, gop))
	if !isHardwareEncoder(encoder) {
		cmd.WriteString(" -preset veryfast -tune zerolatency -sc_threshold 0")
	}
}

// OutputFormat maps an endpoint URL to the ffmpeg muxer publishing to it.
func OutputFormat(url string) string {
	switch {
	case strings.HasPrefix(url, "rtmp://"), strings.HasPrefix(url, "rtmps://"):
		return "flv"
	case strings.HasPrefix(url, "rtsp://"), strings.HasPrefix(url, "rtsps://"):
		return "rtsp"
	default:
		// srt://, udp:// and anything else get low latency mpegts
		return "mpegts"
	}
}

func outputArgs(format string) string {
	switch format {
	case "rtsp":
		return " -rtsp_transport tcp -f rtsp"
	case "mpegts":
		return " -muxdelay 0 -muxpreload 0 -flush_packets 1 -f mpegts"
	default:
		return " -flvflags no_duration_filesize -f " + format
	}
}

func teeOptions(format string) string {
	switch format {
	case "rtsp":
		return ":rtsp_transport=tcp"
	case "flv":
		return ":flvflags=no_duration_filesize"
	default:
		return ""
	}
}

// BuildSnapshotCommand decodes one access unit into a JPEG.
func BuildSnapshotCommand(p *SnapshotParams) (string, error) {
	if p.InputPath == "" || p.OutputPath == "" {
		return "", errors.New("snapshot input and output are required")
	}
	demuxer := "h264"
	if p.Codec == "h265" {
		demuxer = "hevc"
	}
	quality := p.Quality
	if quality <= 0 {
		quality = 3
	}

	var cmd strings.Builder
	cmd.WriteString(Base())
	cmd.WriteString(" -loglevel error")
	cmd.WriteString(" -f " + demuxer + " -i " + pipeName(p.InputPath, 0))
	cmd.WriteString(" -frames:v 1")
	if p.Width > 0 {
		cmd.WriteString(fmt.Sprintf(" -vf scale=%d:-2", p.Width))
	}
	cmd.WriteString(fmt.Sprintf(" -q:v %d -f image2 -c:v mjpeg -y %s", quality, pipeName(p.OutputPath, 1)))
	return cmd.String(), nil
}

func pipeName(path string, fd int) string {
	if path == "-" {
		return fmt.Sprintf("pipe:%d", fd)
	}
	return path
}
