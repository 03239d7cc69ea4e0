package pipeline

import "sync/atomic"

// Flags holds the sink enablement switches. They are read once per sample
// and may change at any time.
type Flags struct {
	recording atomic.Bool
	streaming atomic.Bool
}

// NewFlags returns flags with the given initial values.
func NewFlags(recording, streaming bool) *Flags {
	f := &Flags{}
	f.recording.Store(recording)
	f.streaming.Store(streaming)
	return f
}

func (f *Flags) Recording() bool { return f.recording.Load() }

func (f *Flags) Streaming() bool { return f.streaming.Load() }

func (f *Flags) SetRecording(v bool) { f.recording.Store(v) }

func (f *Flags) SetStreaming(v bool) { f.streaming.Store(v) }
