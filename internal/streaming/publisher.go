package streaming

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/castnode/internal/ffmpeg"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/metrics/collectors"
	"github.com/smazurov/castnode/internal/process"
)

// Publisher defaults.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
	progressOutput        = "publisher"
)

// ErrConnectTimeout is returned when ffmpeg does not open the output in time.
var ErrConnectTimeout = errors.New("timed out waiting for the endpoint")

// Publisher is the ffmpeg Transport. Video and PCM reach ffmpeg through
// inherited pipes; progress comes back on a third pipe.
type Publisher struct {
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration

	logger  logging.Logger
	proc    *process.Process
	command string

	videoW    *os.File
	audioW    *os.File
	progressR *os.File

	opened     chan struct{}
	openedOnce sync.Once

	done      chan struct{}
	result    process.Result
	closed    bool
	closeOnce sync.Once
	mu        sync.Mutex
}

// NewPublisher builds the ffmpeg command for cfg and opens its pipes.
func NewPublisher(cfg PublishConfig, logger logging.Logger) (*Publisher, error) {
	p := &Publisher{
		ConnectTimeout: DefaultConnectTimeout,
		CloseTimeout:   DefaultCloseTimeout,
		logger:         logger,
		opened:         make(chan struct{}),
		done:           make(chan struct{}),
	}

	params := &ffmpeg.PublishParams{URL: cfg.Endpoint.FullURL(), PreviewURL: cfg.PreviewURL}
	var childFiles []*os.File
	fail := func(err error) (*Publisher, error) {
		for _, f := range append(childFiles, p.videoW, p.audioW, p.progressR) {
			if f != nil {
				_ = f.Close()
			}
		}
		return nil, err
	}
	nextFD := func(f *os.File) int {
		childFiles = append(childFiles, f)
		return 2 + len(childFiles)
	}

	if v := cfg.Video; v != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("video pipe: %w", err))
		}
		p.videoW = w
		params.VideoFD = nextFD(r)
		params.InputCodec = string(v.InputCodec)
		params.VideoCodec = string(v.Codec)
		params.FPS = v.FPS
		if !v.Passthrough || v.InputCodec != v.Codec {
			params.VideoEncoder = v.Encoder
			params.Width = v.Resolution.Width
			params.Height = v.Resolution.Height
			params.VideoBitrateKbps = v.BitrateKbps
			if params.VideoBitrateKbps <= 0 {
				// passthrough of a different capture codec still needs an encode
				params.VideoBitrateKbps = DefaultHeuristics.BitrateKbps(v.Resolution.Width, v.Resolution.Height, v.FPS, v.Codec, false)
			}
			params.GOP = v.KeyframeFrames
		}
	}
	if a := cfg.Audio; a != nil {
		r, w, err := os.Pipe()
		if err != nil {
			return fail(fmt.Errorf("audio pipe: %w", err))
		}
		p.audioW = w
		params.AudioFD = nextFD(r)
		params.SampleRate = a.Format.SampleRate
		params.Channels = a.Format.Channels
		params.AudioCodec = string(a.Codec)
		params.AudioBitrateKbps = a.BitrateKbps
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("progress pipe: %w", err))
	}
	p.progressR = r
	params.ProgressFD = nextFD(w)

	command, err := ffmpeg.BuildPublishCommand(params)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrUnsupported, err))
	}
	p.command = command

	p.proc = process.New(progressOutput, command, logger,
		process.WithLineHandler(p.HandleLine),
		process.WithLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel),
		process.WithExtraFiles(childFiles...))
	return p, nil
}

// Command returns the ffmpeg command line.
func (p *Publisher) Command() string {
	return p.command
}

// HandleLine watches ffmpeg output for the opened output header.
func (p *Publisher) HandleLine(_, line string) {
	if strings.Contains(line, "Output #0") {
		p.openedOnce.Do(func() { close(p.opened) })
	}
}

// Start runs ffmpeg in the background.
func (p *Publisher) Start() error {
	go collectors.NewProgressCollector(progressOutput).Collect(p.progressR)
	go func() {
		res := p.proc.Run()
		_ = p.progressR.Close()
		p.mu.Lock()
		p.result = res
		p.mu.Unlock()
		close(p.done)
	}()
	return nil
}

// WaitConnected blocks until ffmpeg opened the output, exited, or the timeout passed.
func (p *Publisher) WaitConnected(ctx context.Context) error {
	timer := time.NewTimer(p.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-p.opened:
		return nil
	case <-p.done:
		if err := p.Err(); err != nil {
			return fmt.Errorf("publisher exited before connecting: %w", err)
		}
		return errors.New("publisher exited before connecting")
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrConnectTimeout
	}
}

// WriteVideo writes one Annex-B access unit.
func (p *Publisher) WriteVideo(au []byte) error {
	if p.videoW == nil {
		return errors.New("publisher has no video input")
	}
	_, err := p.videoW.Write(au)
	return err
}

// WriteAudio writes interleaved s16le PCM.
func (p *Publisher) WriteAudio(pcm []byte) error {
	if p.audioW == nil {
		return errors.New("publisher has no audio input")
	}
	_, err := p.audioW.Write(pcm)
	return err
}

// Done is closed when ffmpeg exited.
func (p *Publisher) Done() <-chan struct{} {
	return p.done
}

// Err describes why ffmpeg exited. It is nil while running and after Close.
func (p *Publisher) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return p.result.Err
}

// Close ends the inputs so ffmpeg can finish the stream, and stops it if it
// does not exit within CloseTimeout.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		if p.videoW != nil {
			_ = p.videoW.Close()
		}
		if p.audioW != nil {
			_ = p.audioW.Close()
		}

		select {
		case <-p.done:
		case <-time.After(p.CloseTimeout):
			p.logger.Warn("Publisher did not exit after end of input, stopping it")
			p.proc.Shutdown()
			<-p.done
		}
	})
	return nil
}
