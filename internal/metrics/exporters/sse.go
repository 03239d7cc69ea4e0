package exporters

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/metrics"
)

// DefaultInterval is how often progress is sampled.
const DefaultInterval = time.Second

// EventPublisher is the part of the event bus the exporter needs.
type EventPublisher interface {
	Publish(ev events.Event)
}

// SSEExporter samples the ffmpeg progress of every running output and
// republishes it on the bus as StreamMetricsEvent, for /api/metrics and
// the session event streams. An output whose figures did not move since the
// last tick is not republished.
type SSEExporter struct {
	bus      EventPublisher
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   map[string]metrics.FFmpegOutputMetrics
}

// NewSSEExporter creates an exporter publishing on bus.
func NewSSEExporter(bus EventPublisher) *SSEExporter {
	return &SSEExporter{bus: bus, interval: DefaultInterval}
}

// Start runs the sampling loop until ctx ends or Stop is called. Starting a
// running exporter does nothing.
func (s *SSEExporter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.last = make(map[string]metrics.FFmpegOutputMetrics)
	go s.run(ctx, s.done)
}

// Stop ends the loop and waits for it. It may be called any number of times.
func (s *SSEExporter) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *SSEExporter) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *SSEExporter) sample() {
	current := metrics.GetAllFFmpegMetrics()
	for output := range s.last {
		if _, ok := current[output]; !ok {
			delete(s.last, output)
		}
	}
	for output, m := range current {
		if prev, ok := s.last[output]; ok && prev == *m {
			continue
		}
		s.last[output] = *m
		s.bus.Publish(ProgressEvent(output, *m))
	}
}

// ProgressEvent renders the progress of one output as a bus event.
func ProgressEvent(output string, m metrics.FFmpegOutputMetrics) events.StreamMetricsEvent {
	return events.StreamMetricsEvent{
		EventType:       "stream_metrics",
		Output:          output,
		FPS:             strconv.FormatFloat(m.FPS, 'f', 2, 64),
		Speed:           strconv.FormatFloat(m.Speed, 'f', 2, 64),
		BitrateKbps:     strconv.FormatFloat(m.BitrateKbps, 'f', 1, 64),
		DroppedFrames:   strconv.FormatFloat(m.DroppedFrames, 'f', 0, 64),
		DuplicateFrames: strconv.FormatFloat(m.DuplicateFrames, 'f', 0, 64),
	}
}

// EventTypes maps the SSE event name of the exporter's payload, for
// endpoint registration.
func EventTypes() map[string]any {
	return map[string]any{
		"stream-metrics": events.StreamMetricsEvent{},
	}
}
