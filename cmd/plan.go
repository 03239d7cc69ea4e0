package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/smazurov/castnode/internal/config"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/pipeline"
	"github.com/spf13/cobra"
)

// planOverrides are plan flags that replace values from the config file
// when set on the command line.
type planOverrides struct {
	width, height, fps int
	codec, scaler      string
	hidpi, hdr         bool
	quality            float64
	audioQuality       string
}

func (o planOverrides) apply(cmd *cobra.Command, cfg *config.SessionConfig) {
	flags := cmd.Flags()
	if flags.Changed("width") {
		cfg.Capture.Width = o.width
	}
	if flags.Changed("height") {
		cfg.Capture.Height = o.height
	}
	if flags.Changed("fps") {
		cfg.Capture.FPS = o.fps
	}
	if flags.Changed("codec") {
		cfg.Capture.Codec = o.codec
	}
	if flags.Changed("scaler") {
		cfg.Streaming.Scaler = o.scaler
	}
	if flags.Changed("hidpi") {
		cfg.Capture.HiDPI = o.hidpi
	}
	if flags.Changed("hdr") {
		cfg.Capture.HDR = o.hdr
	}
	if flags.Changed("quality") {
		cfg.Recording.Quality = o.quality
	}
	if flags.Changed("audio-quality") {
		cfg.Streaming.AudioQuality = o.audioQuality
	}
}

// CreatePlanCmd creates the plan command.
func CreatePlanCmd() *cobra.Command {
	var configFile string
	var asJSON bool
	var o planOverrides

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the file and stream settings a session would use",
		Long: `Derives the recording bitrate, stream resolution, stream bitrates and keyframe interval ` +
			`from the session configuration without starting a capture. Flags override the file.`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			logging.Initialize(logging.Config{Level: "warn", Format: "text"})

			cfg, err := config.LoadSessionConfig(configFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "load config: %v\n", err)
				os.Exit(1)
			}
			o.apply(cmd, &cfg)

			plan, err := pipeline.PlanSession(cfg, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(plan)
				return
			}
			printPlan(os.Stdout, plan)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "castnode.toml", "Session configuration file")
	flags.BoolVar(&asJSON, "json", false, "Print the plan as JSON")
	flags.IntVar(&o.width, "width", 0, "Capture width")
	flags.IntVar(&o.height, "height", 0, "Capture height")
	flags.IntVar(&o.fps, "fps", 0, "Capture frame rate")
	flags.StringVar(&o.codec, "codec", "", "Capture codec (h264, h265)")
	flags.StringVar(&o.scaler, "scaler", "", "Stream scaler (1x, 0.75x, 0.5x, 0.25x)")
	flags.BoolVar(&o.hidpi, "hidpi", false, "Capture of a high density display")
	flags.BoolVar(&o.hdr, "hdr", false, "HDR capture")
	flags.Float64Var(&o.quality, "quality", 0, "Recording quality in (0, 1]")
	flags.StringVar(&o.audioQuality, "audio-quality", "", "Stream audio quality (low, normal, good, high, extreme)")

	return cmd
}

func printPlan(w io.Writer, p pipeline.Plan) {
	fmt.Fprintf(w, "timeline:        %s\n", p.Timeline)
	if p.CaptureCodec != "" {
		fmt.Fprintf(w, "capture:         %s@%d %s\n", p.Capture, p.FPS, p.CaptureCodec)
	}
	if p.Microphone != "" {
		fmt.Fprintf(w, "microphone:      %s\n", p.Microphone)
	}
	if p.Recording {
		fmt.Fprintf(w, "recording:       %s\n", p.RecordingPath)
		if p.FileBitrateKbps > 0 {
			fmt.Fprintf(w, "file bitrate:    %d kbps\n", p.FileBitrateKbps)
		}
	} else {
		fmt.Fprintln(w, "recording:       disabled")
	}

	switch {
	case p.StreamVideo == nil && p.StreamAudio == nil:
		fmt.Fprintln(w, "stream:          no ingest url")
		return
	case p.Streaming:
		fmt.Fprintf(w, "stream:          %s\n", p.Endpoint)
	default:
		fmt.Fprintf(w, "stream:          %s (disabled)\n", p.Endpoint)
	}
	if v := p.StreamVideo; v != nil {
		if v.Passthrough {
			fmt.Fprintf(w, "stream video:    %s passthrough %s\n", v.Codec, v.Resolution)
		} else {
			fmt.Fprintf(w, "stream video:    %s %s %d kbps\n", v.Codec, v.Resolution, v.BitrateKbps)
		}
		fmt.Fprintf(w, "keyframes:       every %d frames (%s)\n", v.KeyframeFrames, v.KeyframeInterval)
	}
	if a := p.StreamAudio; a != nil {
		fmt.Fprintf(w, "stream audio:    %s %d kbps, %d Hz, %d ch\n", a.Codec, a.BitrateKbps, a.Format.SampleRate, a.Format.Channels)
	}
}
