package api

import (
	"context"
	"maps"
	"net/http"
	"slices"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/metrics"
	"github.com/smazurov/castnode/internal/metrics/exporters"
)

type metricsStreamInput struct {
	Output string `query:"output" example:"stream" doc:"Only report this ffmpeg output"`
}

// registerMetricsRoutes registers the ffmpeg progress SSE endpoint.
func (s *Server) registerMetricsRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "metrics-stream",
		Method:      http.MethodGet,
		Path:        "/api/metrics",
		Summary:     "FFmpeg Progress Stream",
		Description: "The last known progress of every running ffmpeg output, then fps, speed and bitrate whenever they change",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, exporters.EventTypes(), func(ctx context.Context, input *metricsStreamInput, send sse.Sender) {
		eventCh := make(chan any, 10)
		unsubscribe := events.SubscribeToChannel[events.StreamMetricsEvent](s.eventBus, eventCh)
		defer unsubscribe()

		wanted := func(output string) bool { return input.Output == "" || input.Output == output }

		current := metrics.GetAllFFmpegMetrics()
		for _, output := range slices.Sorted(maps.Keys(current)) {
			if !wanted(output) {
				continue
			}
			if err := send.Data(exporters.ProgressEvent(output, *current[output])); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if e, ok := event.(events.StreamMetricsEvent); ok && !wanted(e.Output) {
					continue
				}
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
