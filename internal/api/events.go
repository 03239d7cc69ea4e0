package api

import (
	"context"
	"maps"
	"net/http"
	"reflect"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/smazurov/castnode/internal/events"
	"github.com/smazurov/castnode/internal/metrics/exporters"
	"github.com/smazurov/castnode/internal/pipeline"
)

// sessionEventTypes maps event names on the wire to their payloads.
func sessionEventTypes() map[string]any {
	types := map[string]any{
		"session-status":     pipeline.Status{},
		"session-started":    events.SessionStartedEvent{},
		"session-stopped":    events.SessionStoppedEvent{},
		"session-state":      events.SessionStateEvent{},
		"streaming-connect":  events.StreamingConnectEvent{},
		"flags-changed":      events.FlagsChangedEvent{},
		"recording-uploaded": events.RecordingUploadedEvent{},
	}
	maps.Copy(types, exporters.EventTypes())
	return types
}

var eventNames = func() map[reflect.Type]string {
	names := make(map[reflect.Type]string)
	for name, v := range sessionEventTypes() {
		names[reflect.TypeOf(v)] = name
	}
	return names
}()

// eventName returns the wire name of an event payload.
func eventName(v any) string {
	return eventNames[reflect.TypeOf(v)]
}

// subscribeSessionEvents forwards every session event into ch without
// blocking the bus; a slow client loses events.
func (s *Server) subscribeSessionEvents(ch chan any) func() {
	unsubscribers := []func(){
		events.SubscribeToChannel[events.SessionStartedEvent](s.eventBus, ch),
		events.SubscribeToChannel[events.SessionStoppedEvent](s.eventBus, ch),
		events.SubscribeToChannel[events.SessionStateEvent](s.eventBus, ch),
		events.SubscribeToChannel[events.StreamingConnectEvent](s.eventBus, ch),
		events.SubscribeToChannel[events.FlagsChangedEvent](s.eventBus, ch),
		events.SubscribeToChannel[events.RecordingUploadedEvent](s.eventBus, ch),
		events.SubscribeToChannel[events.StreamMetricsEvent](s.eventBus, ch),
	}
	return func() {
		for _, unsub := range unsubscribers {
			unsub()
		}
	}
}

// sessionStatus is the first message on every event connection.
func (s *Server) sessionStatus() pipeline.Status {
	if sess := s.manager.Current(); sess != nil {
		return sess.Status()
	}
	return pipeline.Status{}
}

// registerSSERoutes registers the native Huma SSE endpoint.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Server-Sent Events Stream",
		Description: "Session lifecycle, streaming connection, sink flag and upload events",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, sessionEventTypes(), func(ctx context.Context, _ *struct{}, send sse.Sender) {
		eventCh := make(chan any, 16)
		unsubscribe := s.subscribeSessionEvents(eventCh)
		defer unsubscribe()

		if err := send.Data(s.sessionStatus()); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-eventCh:
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
