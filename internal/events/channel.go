package events

import "github.com/kelindar/event"

// SubscribeToChannel forwards every T published on bus into ch, for
// consumers that select over several sources (SSE and WebSocket streams,
// the record command). A full channel drops the event; Publish never waits
// on a slow reader.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return On(bus, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

// On subscribes fn to events of type T. It is the typed form of Bus.Subscribe.
func On[T Event](bus *Bus, fn func(T)) func() {
	return event.Subscribe(bus.dispatcher, fn)
}
