package mic

import (
	"context"
	"io"
	"sync"

	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/process"
)

// recorder runs a command writing raw PCM to stdout and feeds it through a pcmReader.
type recorder struct {
	id        string
	command   string
	format    media.PCMFormat
	frameSize int
	gate      Gate
	clock     media.Clock
	logger    logging.Logger
	// parser classifies the recorder's stderr; nil logs it as is
	parser process.LogParser

	mu   sync.Mutex
	proc *process.Process
	done chan struct{}
}

func (r *recorder) start(ctx context.Context, deliver Deliver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil {
		return ErrAlreadyStarted
	}

	reader := newPCMReader(r.format, r.frameSize, r.gate, r.clock, deliver)
	opts := []process.Option{process.WithStdout(func(out io.Reader) {
		if err := reader.run(out); err != nil {
			r.logger.Warn("Microphone read failed", "id", r.id, "error", err)
		}
		if reader.dropped > 0 {
			r.logger.Debug("Microphone chunks dropped while gated", "id", r.id, "count", reader.dropped)
		}
	})}
	if r.parser != nil {
		opts = append(opts, process.WithLogParser(logging.GetLogger("ffmpeg"), r.parser))
	}
	proc := process.New(r.id, r.command, r.logger, opts...)

	done := make(chan struct{})
	r.proc, r.done = proc, done

	go func() {
		defer close(done)
		if res := proc.Run(); res.Err != nil && ctx.Err() == nil {
			r.logger.Warn("Microphone recorder exited", "id", r.id, "error", res.Err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			proc.Shutdown()
		case <-done:
		}
	}()

	r.logger.Info("Microphone started", "id", r.id, "sample_rate", r.format.SampleRate, "channels", r.format.Channels)
	return nil
}

func (r *recorder) stop() error {
	r.mu.Lock()
	proc, done := r.proc, r.done
	r.proc, r.done = nil, nil
	r.mu.Unlock()

	if proc == nil {
		return nil
	}
	proc.Shutdown()
	<-done
	r.logger.Info("Microphone stopped", "id", r.id)
	return nil
}
