package events

import (
	"github.com/kelindar/event"
)

// Bus fans session, streaming and log events out to in-process subscribers.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish delivers ev to the subscribers of its concrete type. Events of a
// type this package does not declare are ignored.
func (b *Bus) Publish(ev Event) {
	// kelindar/event routes on the static type, so unwrap the interface first
	switch e := ev.(type) {
	case SessionStartedEvent:
		publish(b, e)
	case SessionStoppedEvent:
		publish(b, e)
	case SessionStateEvent:
		publish(b, e)
	case StreamingConnectEvent:
		publish(b, e)
	case FlagsChangedEvent:
		publish(b, e)
	case RecordingUploadedEvent:
		publish(b, e)
	case StreamMetricsEvent:
		publish(b, e)
	case LogEntryEvent:
		publish(b, e)
	}
}

// Subscribe registers handler, a func taking one of the event types, and
// returns its unsubscribe func:
//
//	unsub := bus.Subscribe(func(e SessionStoppedEvent) { ... })
//
// An unsupported handler type subscribes to nothing.
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(SessionStartedEvent):
		return On(b, h)
	case func(SessionStoppedEvent):
		return On(b, h)
	case func(SessionStateEvent):
		return On(b, h)
	case func(StreamingConnectEvent):
		return On(b, h)
	case func(FlagsChangedEvent):
		return On(b, h)
	case func(RecordingUploadedEvent):
		return On(b, h)
	case func(StreamMetricsEvent):
		return On(b, h)
	case func(LogEntryEvent):
		return On(b, h)
	}
	return func() {}
}

func publish[T Event](b *Bus, e T) {
	event.Publish(b.dispatcher, e)
}
