package preview

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castnode",
		Subsystem: "preview",
		Name:      "packets_sent_total",
		Help:      "RTP packets forwarded to preview viewers",
	}, []string{"path"})

	sentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castnode",
		Subsystem: "preview",
		Name:      "bytes_sent_total",
		Help:      "Bytes forwarded to preview viewers",
	}, []string{"path"})

	feedback = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "castnode",
		Subsystem: "preview",
		Name:      "feedback_total",
		Help:      "RTCP feedback from viewers: lost packets reported by NACK, PLI and FIR requests",
	}, []string{"path", "kind"})

	activeViewers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "castnode",
		Subsystem: "preview",
		Name:      "viewers",
		Help:      "Connected WebRTC preview viewers",
	})
)

func recordSent(path string, n int) {
	sentPackets.WithLabelValues(path).Inc()
	sentBytes.WithLabelValues(path).Add(float64(n))
}

func recordFeedback(path, kind string, n int) {
	feedback.WithLabelValues(path, kind).Add(float64(n))
}

func setViewers(n int) {
	activeViewers.Set(float64(n))
}
