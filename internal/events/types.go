package events

// Event type constants for kelindar/event.
const (
	TypeSessionStarted uint32 = iota + 1
	TypeSessionStopped
	TypeSessionState
	TypeStreamingConnect
	TypeFlagsChanged
	TypeRecordingUploaded
	TypeStreamMetrics
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// SessionStartedEvent is published when the first sample anchored a capture session.
type SessionStartedEvent struct {
	SessionID string `json:"session_id" example:"20250127-103000" doc:"Capture session identifier"`
	StartTime string `json:"start_time" example:"2025-01-27T10:30:00.123Z" doc:"Instant of the first accepted sample"`
	Recording bool   `json:"recording" doc:"Whether local recording was enabled at start"`
	Streaming bool   `json:"streaming" doc:"Whether streaming was enabled at start"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStartedEvent.
func (e SessionStartedEvent) Type() uint32 { return TypeSessionStarted }

// SessionStoppedEvent is published after a session released all of its resources.
type SessionStoppedEvent struct {
	SessionID     string `json:"session_id" example:"20250127-103000" doc:"Capture session identifier"`
	Reason        string `json:"reason" example:"user" doc:"Why the session stopped: user, capture_failure, shutdown"`
	Error         string `json:"error,omitempty" doc:"Failure that stopped the session"`
	RecordingPath string `json:"recording_path,omitempty" example:"/var/lib/castnode/recordings/20250127-103000.mp4" doc:"Finalized recording"`
	Timestamp     string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStoppedEvent.
func (e SessionStoppedEvent) Type() uint32 { return TypeSessionStopped }

// SessionStateEvent reports pause and resume.
type SessionStateEvent struct {
	SessionID string `json:"session_id" example:"20250127-103000" doc:"Capture session identifier"`
	State     string `json:"state" example:"paused" doc:"Session state"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStateEvent.
func (e SessionStateEvent) Type() uint32 { return TypeSessionState }

// StreamingConnectEvent reports the outcome of a streaming connect or a dropped connection.
type StreamingConnectEvent struct {
	SessionID string `json:"session_id" example:"20250127-103000" doc:"Capture session identifier"`
	Endpoint  string `json:"endpoint" example:"rtmp://live.example.com/app/****" doc:"Endpoint with the stream key masked"`
	Connected bool   `json:"connected" doc:"Whether the stream is connected"`
	Error     string `json:"error,omitempty" example:"stream connect failed: connection refused" doc:"Connect or connection failure"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamingConnectEvent.
func (e StreamingConnectEvent) Type() uint32 { return TypeStreamingConnect }

// FlagsChangedEvent is published when recording or streaming was toggled.
type FlagsChangedEvent struct {
	Recording bool   `json:"recording" doc:"Local recording enabled"`
	Streaming bool   `json:"streaming" doc:"Streaming enabled"`
	Source    string `json:"source" example:"api" doc:"What changed the flags: api or config"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for FlagsChangedEvent.
func (e FlagsChangedEvent) Type() uint32 { return TypeFlagsChanged }

// RecordingUploadedEvent reports the upload of a finalized recording.
type RecordingUploadedEvent struct {
	Path      string `json:"path" doc:"Local recording path"`
	Location  string `json:"location,omitempty" example:"s3://recordings/20250127-103000.mp4" doc:"Uploaded object"`
	Error     string `json:"error,omitempty" doc:"Upload failure"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for RecordingUploadedEvent.
func (e RecordingUploadedEvent) Type() uint32 { return TypeRecordingUploaded }

// StreamMetricsEvent carries the publisher's ffmpeg progress.
type StreamMetricsEvent struct {
	EventType       string `json:"type"`
	Output          string `json:"output"`
	FPS             string `json:"fps"`
	Speed           string `json:"speed"`
	BitrateKbps     string `json:"bitrate_kbps"`
	DroppedFrames   string `json:"dropped_frames"`
	DuplicateFrames string `json:"duplicate_frames"`
}

// Type returns the event type identifier for StreamMetricsEvent.
func (e StreamMetricsEvent) Type() uint32 { return TypeStreamMetrics }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"pipeline" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
