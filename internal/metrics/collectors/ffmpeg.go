// Package collectors turns ffmpeg progress output into metrics.
package collectors

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/smazurov/castnode/internal/logging"
	"github.com/smazurov/castnode/internal/metrics"
)

// ProgressCollector parses the key=value blocks ffmpeg writes with -progress.
// Each block ends with a progress=continue or progress=end line.
type ProgressCollector struct {
	output string
	logger logging.Logger
}

// NewProgressCollector creates a collector reporting under the given output label.
func NewProgressCollector(output string) *ProgressCollector {
	return &ProgressCollector{
		output: output,
		logger: logging.GetLogger("metrics").With("output", output),
	}
}

// Collect reads progress blocks from r until EOF. Metrics for the output are
// removed when the stream ends.
func (c *ProgressCollector) Collect(r io.Reader) {
	defer metrics.DeleteFFmpegMetrics(c.output)

	scanner := bufio.NewScanner(r)
	block := make(map[string]string)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if key == "progress" {
			c.report(block)
			block = make(map[string]string)
			if value == "end" {
				return
			}
			continue
		}
		block[key] = value
	}
	if err := scanner.Err(); err != nil {
		c.logger.Debug("Progress stream closed", "error", err)
	}
}

func (c *ProgressCollector) report(data map[string]string) {
	if fps, err := strconv.ParseFloat(data["fps"], 64); err == nil {
		metrics.SetFFmpegFPS(c.output, fps)
	}
	if dropped, err := strconv.ParseFloat(data["drop_frames"], 64); err == nil {
		metrics.SetFFmpegDroppedFrames(c.output, dropped)
	}
	if dup, err := strconv.ParseFloat(data["dup_frames"], 64); err == nil {
		metrics.SetFFmpegDuplicateFrames(c.output, dup)
	}
	speed := strings.TrimSpace(strings.TrimSuffix(data["speed"], "x"))
	if v, err := strconv.ParseFloat(speed, 64); err == nil {
		metrics.SetFFmpegSpeed(c.output, v)
	}
	bitrate := strings.TrimSpace(strings.TrimSuffix(data["bitrate"], "kbits/s"))
	if v, err := strconv.ParseFloat(bitrate, 64); err == nil {
		metrics.SetFFmpegBitrate(c.output, v)
	}
}
