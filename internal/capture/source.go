// Package capture runs the screen and system audio capture processes and
// turns their output into samples.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/smazurov/castnode/internal/ffmpeg"
	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/media"
	"github.com/smazurov/castnode/internal/process"
)

var (
	// ErrSourceFailed is reported through OnError when a capture stops on its own.
	ErrSourceFailed = errors.New("capture source failed")
	// ErrAlreadyStarted is returned by Start on a running source.
	ErrAlreadyStarted = errors.New("capture already started")
)

// Handler receives captured samples. Video and audio arrive on different goroutines.
type Handler func(s *media.Sample)

// ErrorHandler receives fatal capture errors.
type ErrorHandler func(err error)

// Source produces samples until stopped.
type Source interface {
	Start(ctx context.Context, handler Handler) error
	Stop() error
	// OnError registers the callback for failures after Start returned.
	OnError(fn ErrorHandler)
}

// runner supervises one capture process whose stdout is media.
type runner struct {
	id      string
	command string
	logger  logging.Logger

	mu       sync.Mutex
	proc     *process.Process
	done     chan struct{}
	stopping bool
	onError  ErrorHandler
}

func (r *runner) OnError(fn ErrorHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onError = fn
}

func (r *runner) start(ctx context.Context, read process.StdoutReader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.proc != nil {
		return ErrAlreadyStarted
	}

	proc := process.New(r.id, r.command, r.logger,
		process.WithLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel),
		process.WithStdout(read))

	done := make(chan struct{})
	r.proc, r.done, r.stopping = proc, done, false

	go func() {
		defer close(done)
		res := proc.Run()

		r.mu.Lock()
		stopping, onError := r.stopping, r.onError
		r.mu.Unlock()
		if stopping || res.Stopped || ctx.Err() != nil {
			return
		}
		cause := res.Err
		if cause == nil {
			// a capture that ends by itself is a failure even with status 0
			cause = fmt.Errorf("%s exited", r.id)
		}
		err := fmt.Errorf("%w: %w", ErrSourceFailed, cause)
		r.logger.Error("Capture exited unexpectedly", "id", r.id, "exit_code", res.ExitCode, "tail", res.Tail)
		if onError != nil {
			onError(err)
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			proc.Shutdown()
		case <-done:
		}
	}()

	r.logger.Info("Capture started", "id", r.id)
	return nil
}

func (r *runner) stop() error {
	r.mu.Lock()
	proc, done := r.proc, r.done
	r.proc, r.done = nil, nil
	r.stopping = true
	r.mu.Unlock()

	if proc == nil {
		return nil
	}
	proc.Shutdown()
	<-done
	r.logger.Info("Capture stopped", "id", r.id)
	return nil
}

// Command returns the capture command line.
func (r *runner) Command() string {
	return r.command
}

// Group runs several sources as one.
type Group struct {
	sources []Source
}

// NewGroup combines sources. Nil entries are skipped.
func NewGroup(sources ...Source) *Group {
	g := &Group{}
	for _, s := range sources {
		if s != nil {
			g.sources = append(g.sources, s)
		}
	}
	return g
}

// Start starts every source. If one fails the ones already started are stopped.
func (g *Group) Start(ctx context.Context, handler Handler) error {
	for i, s := range g.sources {
		if err := s.Start(ctx, handler); err != nil {
			for _, started := range g.sources[:i] {
				_ = started.Stop()
			}
			return err
		}
	}
	return nil
}

// Stop stops every source.
func (g *Group) Stop() error {
	var errs []error
	for _, s := range g.sources {
		errs = append(errs, s.Stop())
	}
	return errors.Join(errs...)
}

func (g *Group) OnError(fn ErrorHandler) {
	for _, s := range g.sources {
		s.OnError(fn)
	}
}

// drain discards the rest of r so the producer is never blocked on a full pipe.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, r)
}
