package pipeline

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/metrics"
)

// DefaultQueueSize bounds the pending work of one sink.
const DefaultQueueSize = 256

// Dispatcher runs submitted jobs for one sink on a single goroutine, in
// submission order. Submit never blocks: when the queue is full the job is
// dropped and counted.
type Dispatcher struct {
	sink   string
	jobs   chan func()
	done   chan struct{}
	logger logging.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

// NewDispatcher starts a dispatcher for the named sink.
func NewDispatcher(sink string, size int, logger logging.Logger) *Dispatcher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	d := &Dispatcher{
		sink:   sink,
		jobs:   make(chan func(), size),
		done:   make(chan struct{}),
		logger: logger,
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for job := range d.jobs {
		job()
	}
}

// Submit queues job. It returns false if the queue is full or closed.
func (d *Dispatcher) Submit(job func()) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return false
	}
	select {
	case d.jobs <- job:
		return true
	default:
		n := d.dropped.Add(1)
		metrics.IncrementSinkQueueDrops(d.sink)
		if n == 1 || n%100 == 0 {
			d.logger.Warn("Sink queue full, dropping", "sink", d.sink, "dropped", n)
		}
		return false
	}
}

// Dropped returns the number of jobs rejected because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Pending returns the number of queued jobs.
func (d *Dispatcher) Pending() int {
	return len(d.jobs)
}

// Close stops accepting work and waits for queued jobs to finish or ctx to expire.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
