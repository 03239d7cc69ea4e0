package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "castnode"

var (
	samplesAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "samples_accepted_total",
		Help:      "Samples accepted by the router",
	}, []string{"kind"})

	samplesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "samples_dropped_total",
		Help:      "Samples dropped by the router",
	}, []string{"kind", "reason"})

	sinkQueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "sink_queue_drops_total",
		Help:      "Sink jobs rejected because the queue was full",
	}, []string{"sink"})

	sessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "active",
		Help:      "Whether a capture session is running",
	})

	sessionPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "paused",
		Help:      "Whether the running session is paused",
	})

	writerBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "bytes_total",
		Help:      "Bytes written to the recording",
	})

	writerFragments = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "fragments_total",
		Help:      "Fragments flushed to the recording",
	})

	writerInputDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "input_drops_total",
		Help:      "Samples dropped by a writer input",
	}, []string{"input"})

	writerSilenceFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "writer",
		Name:      "silence_frames_total",
		Help:      "Silent audio frames written into gaps of a recording track",
	}, []string{"kind"})

	mixerTrackDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "mixer",
		Name:      "track_drops_total",
		Help:      "Samples dropped by a full mixer track",
	}, []string{"track"})

	mixerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "mixer",
		Name:      "connected",
		Help:      "Whether the streaming session is connected",
	})
)

// IncrementSamplesAccepted counts a routed sample.
func IncrementSamplesAccepted(kind string) {
	samplesAccepted.WithLabelValues(kind).Inc()
}

// IncrementSamplesDropped counts a sample dropped for reason.
func IncrementSamplesDropped(kind, reason string) {
	samplesDropped.WithLabelValues(kind, reason).Inc()
}

// IncrementSinkQueueDrops counts a job rejected by a full sink queue.
func IncrementSinkQueueDrops(sink string) {
	sinkQueueDrops.WithLabelValues(sink).Inc()
}

// SetSessionActive records whether a session is running.
func SetSessionActive(active bool) {
	sessionActive.Set(boolToFloat(active))
}

// SetSessionPaused records whether the session is paused.
func SetSessionPaused(paused bool) {
	sessionPaused.Set(boolToFloat(paused))
}

// AddWriterBytes counts bytes written to the recording file.
func AddWriterBytes(n int) {
	writerBytes.Add(float64(n))
}

// IncrementWriterFragments counts a flushed fragment.
func IncrementWriterFragments() {
	writerFragments.Inc()
}

// AddWriterSilenceFrames counts silent frames padded into an audio track.
func AddWriterSilenceFrames(kind string, n int) {
	writerSilenceFrames.WithLabelValues(kind).Add(float64(n))
}

// IncrementWriterInputDrops counts a sample dropped by a writer input.
func IncrementWriterInputDrops(input string) {
	writerInputDrops.WithLabelValues(input).Inc()
}

// IncrementMixerTrackDrops counts a sample dropped by a full mixer track.
func IncrementMixerTrackDrops(track string) {
	mixerTrackDrops.WithLabelValues(track).Inc()
}

// SetMixerConnected records the streaming connection state.
func SetMixerConnected(connected bool) {
	mixerConnected.Set(boolToFloat(connected))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
