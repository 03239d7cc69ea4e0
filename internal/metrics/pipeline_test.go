package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPipelineCounters(t *testing.T) {
	before := testutil.ToFloat64(samplesDropped.WithLabelValues("video", "paused"))
	IncrementSamplesDropped("video", "paused")
	IncrementSamplesDropped("video", "paused")
	if got := testutil.ToFloat64(samplesDropped.WithLabelValues("video", "paused")) - before; got != 2 {
		t.Errorf("dropped delta = %v, want 2", got)
	}

	SetSessionPaused(true)
	if got := testutil.ToFloat64(sessionPaused); got != 1 {
		t.Errorf("paused gauge = %v, want 1", got)
	}
	SetSessionPaused(false)
	if got := testutil.ToFloat64(sessionPaused); got != 0 {
		t.Errorf("paused gauge = %v, want 0", got)
	}
}
