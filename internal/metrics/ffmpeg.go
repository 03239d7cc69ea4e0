// Package metrics provides Prometheus metrics for the capture pipeline and its ffmpeg processes.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ffmpegFPS = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ffmpeg",
		Name:      "fps",
		Help:      "Current ffmpeg encoding FPS",
	}, []string{"output"})

	ffmpegDroppedFrames = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ffmpeg",
		Name:      "dropped_frames_total",
		Help:      "Frames dropped by ffmpeg",
	}, []string{"output"})

	ffmpegDuplicateFrames = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ffmpeg",
		Name:      "duplicate_frames_total",
		Help:      "Frames duplicated by ffmpeg",
	}, []string{"output"})

	ffmpegSpeed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ffmpeg",
		Name:      "processing_speed",
		Help:      "ffmpeg processing speed multiplier",
	}, []string{"output"})

	ffmpegBitrate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ffmpeg",
		Name:      "bitrate_kbps",
		Help:      "Current ffmpeg output bitrate",
	}, []string{"output"})

	// Local cache for the SSE exporter.
	ffmpegCache   = make(map[string]*FFmpegOutputMetrics)
	ffmpegCacheMu sync.RWMutex
)

// FFmpegOutputMetrics holds the last progress values reported by one ffmpeg process.
type FFmpegOutputMetrics struct {
	FPS             float64
	DroppedFrames   float64
	DuplicateFrames float64
	Speed           float64
	BitrateKbps     float64
}

// SetFFmpegFPS sets the current FPS for an output.
func SetFFmpegFPS(output string, fps float64) {
	ffmpegFPS.WithLabelValues(output).Set(fps)
	updateCache(output, func(m *FFmpegOutputMetrics) { m.FPS = fps })
}

// SetFFmpegDroppedFrames sets the dropped frame count for an output.
func SetFFmpegDroppedFrames(output string, count float64) {
	ffmpegDroppedFrames.WithLabelValues(output).Set(count)
	updateCache(output, func(m *FFmpegOutputMetrics) { m.DroppedFrames = count })
}

// SetFFmpegDuplicateFrames sets the duplicate frame count for an output.
func SetFFmpegDuplicateFrames(output string, count float64) {
	ffmpegDuplicateFrames.WithLabelValues(output).Set(count)
	updateCache(output, func(m *FFmpegOutputMetrics) { m.DuplicateFrames = count })
}

// SetFFmpegSpeed sets the processing speed for an output.
func SetFFmpegSpeed(output string, speed float64) {
	ffmpegSpeed.WithLabelValues(output).Set(speed)
	updateCache(output, func(m *FFmpegOutputMetrics) { m.Speed = speed })
}

// SetFFmpegBitrate sets the output bitrate in kbit/s.
func SetFFmpegBitrate(output string, kbps float64) {
	ffmpegBitrate.WithLabelValues(output).Set(kbps)
	updateCache(output, func(m *FFmpegOutputMetrics) { m.BitrateKbps = kbps })
}

// DeleteFFmpegMetrics removes all metrics for an output.
func DeleteFFmpegMetrics(output string) {
	ffmpegFPS.DeleteLabelValues(output)
	ffmpegDroppedFrames.DeleteLabelValues(output)
	ffmpegDuplicateFrames.DeleteLabelValues(output)
	ffmpegSpeed.DeleteLabelValues(output)
	ffmpegBitrate.DeleteLabelValues(output)

	ffmpegCacheMu.Lock()
	delete(ffmpegCache, output)
	ffmpegCacheMu.Unlock()
}

// GetFFmpegMetrics returns current metric values for an output.
func GetFFmpegMetrics(output string) *FFmpegOutputMetrics {
	ffmpegCacheMu.RLock()
	defer ffmpegCacheMu.RUnlock()
	if m, ok := ffmpegCache[output]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// GetAllFFmpegMetrics returns metrics for all running outputs.
func GetAllFFmpegMetrics() map[string]*FFmpegOutputMetrics {
	ffmpegCacheMu.RLock()
	defer ffmpegCacheMu.RUnlock()
	result := make(map[string]*FFmpegOutputMetrics, len(ffmpegCache))
	for id, m := range ffmpegCache {
		dup := *m
		result[id] = &dup
	}
	return result
}

func updateCache(output string, update func(*FFmpegOutputMetrics)) {
	ffmpegCacheMu.Lock()
	defer ffmpegCacheMu.Unlock()
	m, ok := ffmpegCache[output]
	if !ok {
		m = &FFmpegOutputMetrics{}
		ffmpegCache[output] = m
	}
	update(m)
}
