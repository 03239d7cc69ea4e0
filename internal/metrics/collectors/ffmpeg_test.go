package collectors

import (
	"io"
	"strings"
	"testing"

	"github.com/smazurov/castnode/internal/metrics"
)

func TestProgressCollectorParsing(t *testing.T) {
	output := "test-publisher"
	metrics.DeleteFFmpegMetrics(output)

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		NewProgressCollector(output).Collect(pr)
		close(done)
	}()

	if _, err := io.WriteString(pw, "frame=120\nfps=29.97\nbitrate=4512.3kbits/s\ndrop_frames=3\ndup_frames=1\nspeed=1.25x\nprogress=continue\n"); err != nil {
		t.Fatal(err)
	}

	// the second block is only readable once the first was reported
	if _, err := io.WriteString(pw, "fps=30.00\n"); err != nil {
		t.Fatal(err)
	}

	m := metrics.GetFFmpegMetrics(output)
	if m == nil {
		t.Fatal("expected metrics to be set")
	}
	if m.FPS != 29.97 {
		t.Errorf("FPS = %v, want 29.97", m.FPS)
	}
	if m.DroppedFrames != 3 || m.DuplicateFrames != 1 {
		t.Errorf("frames = %v/%v, want 3/1", m.DroppedFrames, m.DuplicateFrames)
	}
	if m.Speed != 1.25 {
		t.Errorf("Speed = %v, want 1.25", m.Speed)
	}
	if m.BitrateKbps != 4512.3 {
		t.Errorf("BitrateKbps = %v, want 4512.3", m.BitrateKbps)
	}

	pw.Close()
	<-done
	if metrics.GetFFmpegMetrics(output) != nil {
		t.Error("expected metrics removed at end of stream")
	}
}

func TestProgressCollectorEnd(t *testing.T) {
	output := "test-end"
	in := "fps=25\nprogress=end\nfps=99\nprogress=continue\n"

	NewProgressCollector(output).Collect(strings.NewReader(in))

	if metrics.GetFFmpegMetrics(output) != nil {
		t.Error("expected metrics removed after progress=end")
	}
}
