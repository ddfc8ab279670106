package events

// Event type constants for kelindar/event.
const (
	TypeJobQueued uint32 = iota + 1
	TypeJobFinished
	TypeSessionState
	TypeEncodeProgress
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// JobQueuedEvent is published when an encode job enters the queue.
type JobQueuedEvent struct {
	JobID     string `json:"job_id"`
	Input     string `json:"input"`
	Output    string `json:"output"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for JobQueuedEvent.
func (e JobQueuedEvent) Type() uint32 { return TypeJobQueued }

// JobFinishedEvent is published when an encode job completes, successfully
// or not.
type JobFinishedEvent struct {
	JobID     string  `json:"job_id"`
	Ok        bool    `json:"ok"`
	Error     string  `json:"error,omitempty"`
	Frames    int     `json:"frames"`
	Packets   int     `json:"packets"`
	Bytes     int64   `json:"bytes"`
	Seconds   float64 `json:"seconds"`
	Timestamp string  `json:"timestamp"`
}

// Type returns the event type identifier for JobFinishedEvent.
func (e JobFinishedEvent) Type() uint32 { return TypeJobFinished }

// SessionStateEvent is published when an encode session transitions between
// lifecycle states.
type SessionStateEvent struct {
	JobID     string `json:"job_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Timestamp string `json:"timestamp"`
}

// Type returns the event type identifier for SessionStateEvent.
func (e SessionStateEvent) Type() uint32 { return TypeSessionState }

// EncodeProgressEvent reports pipeline counters while a job runs.
type EncodeProgressEvent struct {
	JobID           string `json:"job_id"`
	FramesSubmitted int    `json:"frames_submitted"`
	PacketsDrained  int    `json:"packets_drained"`
	BytesWritten    int64  `json:"bytes_written"`
	BuffersInFlight int    `json:"buffers_in_flight"`
}

// Type returns the event type identifier for EncodeProgressEvent.
func (e EncodeProgressEvent) Type() uint32 { return TypeEncodeProgress }
